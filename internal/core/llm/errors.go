package llm

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited はバックエンドのレート制限・クォータ超過を表す（時間をおけば再試行可能）
	ErrRateLimited = errors.New("llm backend rate limited")

	// ErrUnavailable はバックエンドの一時的な障害を表す（再試行可能）
	ErrUnavailable = errors.New("llm backend unavailable")

	// ErrInvalidRequest はリクエストが不正な場合のエラー（再試行しても成功しない）
	ErrInvalidRequest = errors.New("llm invalid request")

	// ErrInvalidResponse はバックエンドの応答が期待した形式でない場合のエラー
	ErrInvalidResponse = errors.New("llm invalid response")
)

// IsTransient はリトライで回復し得るエラーかどうかを判定する
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
