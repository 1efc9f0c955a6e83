package intake

import "errors"

var (
	// ErrInvalidDocument はファイルが受け付け可能な PDF でない場合のエラー（別ファイルが必要）
	ErrInvalidDocument = errors.New("invalid document")

	// ErrExtractionFailed はテキスト抽出に失敗した場合のエラー（同じファイルでは再試行不可）
	ErrExtractionFailed = errors.New("text extraction failed")

	// ErrQuotaExceeded は分類バックエンドのレート制限（クールダウン後に再試行可能）
	ErrQuotaExceeded = errors.New("classification quota exceeded")

	// ErrClassifierUnavailable は分類バックエンドの一時的な障害（再試行可能）
	ErrClassifierUnavailable = errors.New("classifier unavailable")
)
