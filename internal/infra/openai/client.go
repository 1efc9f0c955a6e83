package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second

	// JSONParseMaxRetries はJSON解析エラー時の最大リトライ回数
	JSONParseMaxRetries = 1
)

// Client は OpenAI Chat Completions API を使用した llm.Client 実装
type Client struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	baseBackoff time.Duration
	logger      *slog.Logger
}

type clientOptions struct {
	model   string
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithChatModel はデフォルトモデルを上書きする
func WithChatModel(model string) ClientOption {
	return func(o *clientOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithClientBaseURL は API のベースURLを上書きする（互換APIやテスト用）
func WithClientBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithTimeout はAPIコールのタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithClientLogger はロガーを設定する
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:   DefaultModel,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Client{
		client:      openai.NewClient(requestOptions(apiKey, options.baseURL)...),
		model:       options.model,
		timeout:     options.timeout,
		baseBackoff: BaseBackoff,
		logger:      options.logger,
	}, nil
}

// requestOptions は SDK 共通のリクエストオプションを組み立てる
// リトライは呼び出し側で制御するため SDK の自動リトライは無効にする
func requestOptions(apiKey, baseURL string) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return opts
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// GenerateCompletion は OpenAI API を使用してテキストを生成する
func (c *Client) GenerateCompletion(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	var jsonParseRetries int
	for {
		resp, err := c.generateWithRetry(ctx, model, req)
		if err != nil {
			return llm.CompletionResponse{}, err
		}

		if req.ResponseFormat == llm.ResponseFormatJSON && !isValidJSON(resp.Content) {
			jsonParseRetries++
			if jsonParseRetries > JSONParseMaxRetries {
				return llm.CompletionResponse{}, fmt.Errorf("%w: JSON parse failed after %d retries", llm.ErrInvalidResponse, JSONParseMaxRetries)
			}
			c.logger.Warn("JSONとして解析できない応答を受信したため再生成します", "model", model)
			continue
		}

		return resp, nil
	}
}

func (c *Client) generateWithRetry(ctx context.Context, model string, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoffDuration := c.baseBackoff << (attempt - 1)
			if backoffDuration > MaxBackoff {
				backoffDuration = MaxBackoff
			}
			c.logger.Warn("レート制限のため待機します", "attempt", attempt, "wait", backoffDuration)

			select {
			case <-ctx.Done():
				return llm.CompletionResponse{}, mapError("chat completion", ctx.Err())
			case <-time.After(backoffDuration):
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, buildChatParams(model, req))
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return llm.CompletionResponse{}, mapError("chat completion", err)
		}

		if len(completion.Choices) == 0 {
			return llm.CompletionResponse{}, fmt.Errorf("%w: no completion choices returned", llm.ErrInvalidResponse)
		}

		return llm.CompletionResponse{
			Content:    completion.Choices[0].Message.Content,
			TokensUsed: int(completion.Usage.TotalTokens),
			Model:      string(completion.Model),
		}, nil
	}

	return llm.CompletionResponse{}, mapError(fmt.Sprintf("chat completion after %d retries", MaxRetries), lastErr)
}

func buildChatParams(model string, req llm.CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.ResponseFormat == llm.ResponseFormatJSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	return params
}

func isValidJSON(s string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}

// インターフェース実装の確認
var _ llm.Client = (*Client)(nil)
