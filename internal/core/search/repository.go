package search

import "context"

// Repository はベクトル検索のデータアクセス
// completed のプロトコルの有効な実行のチャンクのみを対象とすること
type Repository interface {
	// SearchChunks はコサイン類似度が MinScore 以上のチャンクを返す
	SearchChunks(ctx context.Context, q Query) ([]*Hit, error)

	// EmbeddingDimension は保存されているベクトルの次元数を返す
	EmbeddingDimension() int
}
