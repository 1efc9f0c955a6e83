package intake

import "context"

// Extractor は PDF からページ単位のテキストを抽出するインターフェース
// 実装はローカルかつ決定的であること
type Extractor interface {
	Extract(ctx context.Context, data []byte) (*Document, error)
}

// Classifier は抽出テキストからカテゴリと短い説明を提案するインターフェース
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}
