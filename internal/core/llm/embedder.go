package llm

import "context"

// Embedder はテキストをベクトル表現に変換するインターフェース
type Embedder interface {
	// Embed は単一テキストのEmbeddingを生成する
	Embed(ctx context.Context, text string) ([]float32, error)

	// BatchEmbed はバッチでEmbeddingを生成する（入力順に対応したベクトルを返す）
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName はモデル名を返す
	ModelName() string

	// Dimension はEmbeddingベクトルの次元数を返す
	Dimension() int

	// MaxBatchSize は1回の BatchEmbed で受け付ける最大件数を返す
	MaxBatchSize() int
}
