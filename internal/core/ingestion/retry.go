package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/protocol-rag/internal/core/llm"
)

// RetryPolicy は一時的なバックエンドエラーに対する指数バックオフの設定
type RetryPolicy struct {
	MaxAttempts int           // 最大試行回数（初回を含む）
	BaseDelay   time.Duration // 初回リトライまでの待機時間（以降2倍）
	MaxDelay    time.Duration // 待機時間の上限
}

// DefaultRetryPolicy はデフォルトのリトライ設定を返す
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// delay は attempt 回目の失敗後の待機時間を返す
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do は op を実行し、llm.IsTransient なエラーの場合のみ指数バックオフで再試行する
// 上限に達した場合は ErrRetriesExhausted と最後のエラーをラップして返す
func Do[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("リトライで成功しました", "attempt", attempt)
			}
			return result, nil
		}
		lastErr = err

		if !llm.IsTransient(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		wait := policy.delay(attempt)
		logger.Warn("一時的なエラーのためリトライします",
			"attempt", attempt,
			"maxAttempts", attempts,
			"wait", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
