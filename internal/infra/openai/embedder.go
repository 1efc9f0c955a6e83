package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/openai/openai-go/v3"
	"golang.org/x/time/rate"
)

// Embedder は OpenAI API を使用してテキストをベクトルに変換する
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension はOpenAI推奨のデフォルト次元
	DefaultEmbeddingDimension = 1536
	// MaxEmbeddingBatchSize は1リクエストあたりの最大入力件数
	MaxEmbeddingBatchSize = 100
)

type embedderOptions struct {
	model     string
	dimension int
	baseURL   string
	rps       float64
	burst     int
	logger    *slog.Logger
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithEmbeddingDimension はベクトル次元を上書きする
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithEmbeddingBaseURL は API のベースURLを上書きする
func WithEmbeddingBaseURL(baseURL string) EmbedderOption {
	return func(o *embedderOptions) {
		o.baseURL = baseURL
	}
}

// WithEmbeddingRateLimit は1秒あたりのリクエスト数とバースト数を設定する
// rps が0以下の場合は無制限
func WithEmbeddingRateLimit(rps float64, burst int) EmbedderOption {
	return func(o *embedderOptions) {
		o.rps = rps
		o.burst = burst
	}
}

// WithEmbedderLogger はロガーを設定する
func WithEmbedderLogger(logger *slog.Logger) EmbedderOption {
	return func(o *embedderOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) *Embedder {
	options := embedderOptions{
		model:     DefaultEmbeddingModel,
		dimension: DefaultEmbeddingDimension,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Embedder{
		client:    openai.NewClient(requestOptions(apiKey, options.baseURL)...),
		model:     options.model,
		dimension: options.dimension,
		limiter:   newLimiter(options.rps, options.burst),
		logger:    options.logger,
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Embed は単一テキストの Embedding を生成する
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if len(embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings generated", llm.ErrInvalidResponse)
	}

	return embeddings[0], nil
}

// BatchEmbed はバッチで Embedding を生成する（最大100件、入力順を保持）
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts provided", llm.ErrInvalidRequest)
	}

	if len(texts) > MaxEmbeddingBatchSize {
		return nil, fmt.Errorf("%w: batch size %d exceeds maximum of %d", llm.ErrInvalidRequest, len(texts), MaxEmbeddingBatchSize)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
	}

	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}

	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, mapError("generate embeddings", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", llm.ErrInvalidResponse, len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= len(texts) || embeddings[idx] != nil {
			return nil, fmt.Errorf("%w: unexpected embedding index %d", llm.ErrInvalidResponse, idx)
		}
		if e.dimension > 0 && len(data.Embedding) != e.dimension {
			return nil, fmt.Errorf("%w: embedding dimension %d, expected %d", llm.ErrInvalidResponse, len(data.Embedding), e.dimension)
		}

		vector := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vector[i] = float32(v)
		}
		embeddings[idx] = vector
	}

	e.logger.Debug("Embeddingを生成しました", "count", len(texts), "model", e.model)

	return embeddings, nil
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize はバッチ処理の最大サイズを返す（OpenAI APIは最大100件）
func (e *Embedder) MaxBatchSize() int {
	return MaxEmbeddingBatchSize
}

// インターフェース実装の確認
var _ llm.Embedder = (*Embedder)(nil)
