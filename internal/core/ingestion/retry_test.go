package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, 5*time.Second, p.delay(4))
	assert.Equal(t, 5*time.Second, p.delay(10))
}

func TestDo(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("一時的なエラーは再試行する", func(t *testing.T) {
		calls := 0
		got, err := Do(context.Background(), policy, discardLogger, func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", fmt.Errorf("429: %w", llm.ErrRateLimited)
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, calls)
	})

	t.Run("上限に達したらErrRetriesExhausted", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), policy, discardLogger, func(ctx context.Context) (int, error) {
			calls++
			return 0, llm.ErrUnavailable
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.ErrorIs(t, err, llm.ErrUnavailable)
		assert.Equal(t, 3, calls)
	})

	t.Run("恒久的なエラーは再試行しない", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		_, err := Do(context.Background(), policy, discardLogger, func(ctx context.Context) (int, error) {
			calls++
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 1, calls)
	})

	t.Run("キャンセル済みコンテキスト", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		_, err := Do(ctx, policy, discardLogger, func(ctx context.Context) (int, error) {
			calls++
			return 0, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, calls)
	})
}

type batchLimitEmbedder struct{ max int }

func (e batchLimitEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, nil
}
func (e batchLimitEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (e batchLimitEmbedder) ModelName() string { return "m" }
func (e batchLimitEmbedder) Dimension() int    { return 2 }
func (e batchLimitEmbedder) MaxBatchSize() int { return e.max }

func TestEffectiveBatchSize(t *testing.T) {
	assert.Equal(t, 64, effectiveBatchSize(64, batchLimitEmbedder{max: 100}, discardLogger))
	assert.Equal(t, 100, effectiveBatchSize(500, batchLimitEmbedder{max: 100}, discardLogger))
	assert.Equal(t, MinBatchSize, effectiveBatchSize(64, batchLimitEmbedder{max: 0}, discardLogger))
	assert.Equal(t, DefaultEmbeddingBatchSize, effectiveBatchSize(0, batchLimitEmbedder{max: 100}, discardLogger))
}
