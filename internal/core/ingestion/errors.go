package ingestion

import "errors"

var (
	// ErrEmbeddingBackendUnavailable はリトライ上限まで埋め込みバックエンドが応答しなかった場合のエラー
	ErrEmbeddingBackendUnavailable = errors.New("embedding backend unavailable")

	// ErrRetriesExhausted はリトライ回数の上限に達した場合のエラー
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrWorkerClosed は停止済みのワーカーに処理を依頼した場合のエラー
	ErrWorkerClosed = errors.New("worker is closed")

	// ErrNoContent は分割できるテキストがない場合のエラー
	ErrNoContent = errors.New("no content to process")
)
