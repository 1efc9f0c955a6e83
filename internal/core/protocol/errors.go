package protocol

import "errors"

var (
	// ErrNotFound はプロトコルが存在しない、または他の施術者の所有である場合のエラー
	ErrNotFound = errors.New("protocol not found")

	// ErrInvalidTransition は許可されていない状態遷移のエラー
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrProcessingFailed はチャンク化・埋め込み処理の失敗
	ErrProcessingFailed = errors.New("protocol processing failed")

	// ErrInvalidInput は入力値が不正な場合のエラー
	ErrInvalidInput = errors.New("invalid input")

	// ErrRunConflict は実行 ID が現在の実行と一致しない場合のエラー
	ErrRunConflict = errors.New("run is no longer current")
)
