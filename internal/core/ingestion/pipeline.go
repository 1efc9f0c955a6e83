package ingestion

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/ingestion/chunk"
	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/jinford/protocol-rag/internal/core/protocol"
)

const (
	// DefaultEmbeddingBatchSize は Embedding API のデフォルトバッチサイズ
	DefaultEmbeddingBatchSize = 64
	// DefaultWorkerPoolSize は同時に処理するプロトコル数のデフォルト値
	DefaultWorkerPoolSize = 4
	// DefaultShutdownTimeout は停止時に実行中の処理を待つ時間
	DefaultShutdownTimeout = 30 * time.Second
	// MinBatchSize は最小バッチサイズ（MaxBatchSize()が0を返した場合のフォールバック）
	MinBatchSize = 1
)

// PipelineConfig は埋め込み処理の設定
type PipelineConfig struct {
	// EmbeddingBatchSize は Embedding バッチサイズ（Embedder.MaxBatchSize()でクリップされる）
	EmbeddingBatchSize int
	// WorkerPoolSize はワーカープールのサイズ
	WorkerPoolSize int
	// Retry はバッチごとのリトライ設定
	Retry RetryPolicy
	// ShutdownTimeout は Close で実行中の処理を待つ時間
	ShutdownTimeout time.Duration
}

// DefaultPipelineConfig はデフォルトの設定を返す
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		EmbeddingBatchSize: DefaultEmbeddingBatchSize,
		WorkerPoolSize:     DefaultWorkerPoolSize,
		Retry:              DefaultRetryPolicy(),
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

// effectiveBatchSize は設定値を Embedder の最大値でクリップしたバッチサイズを返す
func effectiveBatchSize(configured int, embedder llm.Embedder, logger *slog.Logger) int {
	size := configured
	if size <= 0 {
		size = DefaultEmbeddingBatchSize
	}

	maxBatchSize := embedder.MaxBatchSize()
	if maxBatchSize <= 0 {
		logger.Warn("Embedder.MaxBatchSize()が無効な値を返しました。フォールバック値を使用します",
			"returned", maxBatchSize,
			"fallback", MinBatchSize,
		)
		maxBatchSize = MinBatchSize
	}
	if size > maxBatchSize {
		logger.Debug("バッチサイズをEmbedderの最大値でクリップしました",
			"configured", size,
			"effective", maxBatchSize,
		)
		size = maxBatchSize
	}
	return size
}

// embedPlan は1回の実行で埋め込むべき断片とベクトルの再利用状況
type embedPlan struct {
	segments []chunk.Segment
	vectors  map[string][]float32 // ContentHash -> ベクトル
	reused   int
}

// newEmbedPlan は現在有効なチャンクのうち内容とモデルが一致するもののベクトルを再利用する
func newEmbedPlan(segments []chunk.Segment, active []*protocol.Chunk, model string, dimension int) *embedPlan {
	plan := &embedPlan{
		segments: segments,
		vectors:  make(map[string][]float32, len(segments)),
	}
	for _, c := range active {
		if c.EmbeddingModel == model && len(c.Embedding) == dimension && c.ContentHash != "" {
			plan.vectors[c.ContentHash] = c.Embedding
		}
	}
	return plan
}

// pending はバッチ内でまだベクトルがない断片のテキストを重複なく返す
func (p *embedPlan) pending(batch []chunk.Segment) (texts []string, hashes []string) {
	seen := make(map[string]struct{}, len(batch))
	for _, seg := range batch {
		if _, ok := p.vectors[seg.ContentHash]; ok {
			p.reused++
			continue
		}
		if _, ok := seen[seg.ContentHash]; ok {
			p.reused++
			continue
		}
		seen[seg.ContentHash] = struct{}{}
		texts = append(texts, seg.Text)
		hashes = append(hashes, seg.ContentHash)
	}
	return texts, hashes
}

// store は埋め込み結果を検証して保持する
func (p *embedPlan) store(hashes []string, vectors [][]float32, dimension int) error {
	if len(vectors) != len(hashes) {
		return fmt.Errorf("%w: embedding count mismatch: expected %d, got %d", llm.ErrInvalidResponse, len(hashes), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != dimension {
			return fmt.Errorf("%w: embedding dimension mismatch: expected %d, got %d", llm.ErrInvalidResponse, dimension, len(v))
		}
		p.vectors[hashes[i]] = v
	}
	return nil
}

// chunks は全断片のベクトルが揃った状態からチャンクを組み立てる
func (p *embedPlan) chunks(protocolID, runID uuid.UUID, model string, createdAt time.Time) []*protocol.Chunk {
	out := make([]*protocol.Chunk, 0, len(p.segments))
	for _, seg := range p.segments {
		out = append(out, &protocol.Chunk{
			ID:             uuid.New(),
			ProtocolID:     protocolID,
			RunID:          runID,
			Sequence:       seg.Sequence,
			PageNumber:     seg.PageNumber,
			PageEnd:        seg.PageEnd,
			StartOffset:    seg.StartOffset,
			EndOffset:      seg.EndOffset,
			Text:           seg.Text,
			Embedding:      p.vectors[seg.ContentHash],
			EmbeddingModel: model,
			ContentHash:    seg.ContentHash,
			TokenCount:     seg.TokenCount,
			CreatedAt:      createdAt,
		})
	}
	return out
}

// toChunkPages はページをチャンク分割の入力へ変換する
func toChunkPages(pages []*protocol.Page) []chunk.Page {
	out := make([]chunk.Page, 0, len(pages))
	for _, p := range pages {
		out = append(out, chunk.Page{Number: p.Number, Text: p.Text})
	}
	return out
}
