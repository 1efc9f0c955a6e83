package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinford/protocol-rag/internal/core/llm"
)

// LLMClassifier は LLM を用いてプロトコルのカテゴリと説明を提案する
type LLMClassifier struct {
	client      llm.Client
	model       string
	temperature float64
	logger      *slog.Logger
}

// ClassifierOption は LLMClassifier のオプション設定
type ClassifierOption func(*LLMClassifier)

// WithClassifierModel は分類に使うモデル名を指定する
func WithClassifierModel(model string) ClassifierOption {
	return func(c *LLMClassifier) {
		c.model = model
	}
}

// WithClassifierLogger はロガーを設定する
func WithClassifierLogger(logger *slog.Logger) ClassifierOption {
	return func(c *LLMClassifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewLLMClassifier は新しい LLMClassifier を作成する
func NewLLMClassifier(client llm.Client, opts ...ClassifierOption) *LLMClassifier {
	c := &LLMClassifier{
		client:      client,
		temperature: 0.1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify は抽出テキストからカテゴリと説明を生成する
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	resp, err := c.client.GenerateCompletion(ctx, llm.CompletionRequest{
		System:         classificationSystemPrompt,
		Prompt:         buildClassificationPrompt(text),
		Temperature:    c.temperature,
		MaxTokens:      300,
		ResponseFormat: llm.ResponseFormatJSON,
		Model:          c.model,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classification request failed: %w", err)
	}

	var out Classification
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return Classification{}, fmt.Errorf("%w: failed to parse classification: %v", llm.ErrInvalidResponse, err)
	}
	out.Category = strings.TrimSpace(out.Category)
	out.Description = strings.TrimSpace(out.Description)

	c.logger.Debug("分類結果を受信しました",
		"category", out.Category,
		"tokensUsed", resp.TokensUsed,
	)

	return out, nil
}

var _ Classifier = (*LLMClassifier)(nil)
