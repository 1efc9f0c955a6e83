package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/openai/openai-go/v3"
)

// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

// mapError は OpenAI SDK のエラーを llm パッケージのエラー分類に変換する
//   - 429 → llm.ErrRateLimited
//   - 5xx / ネットワークエラー / タイムアウト → llm.ErrUnavailable
//   - その他の 4xx → llm.ErrInvalidRequest
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %w", op, llm.ErrRateLimited, err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%s: %w: %w", op, llm.ErrUnavailable, err)
		case apiErr.StatusCode >= http.StatusBadRequest:
			return fmt.Errorf("%s: %w: %w", op, llm.ErrInvalidRequest, err)
		}
	}

	// ステータスコードを持たないエラーはネットワーク障害かタイムアウト
	return fmt.Errorf("%s: %w: %w", op, llm.ErrUnavailable, err)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
