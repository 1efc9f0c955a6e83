package ask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/jinford/protocol-rag/internal/core/search"
)

// ErrAssistantUnavailable は検索用 Embedding または回答生成のバックエンドが利用できない場合のエラー
var ErrAssistantUnavailable = errors.New("assistant unavailable")

// Searcher は検索インターフェース
type Searcher interface {
	Search(ctx context.Context, params search.Params) (*search.Result, error)
}

// Service は質問応答のビジネスロジックを提供する
type Service struct {
	searcher    Searcher
	llm         llm.Client
	model       string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// Option は Service のオプション設定
type Option func(*Service)

// WithLogger は Service にロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithModel は回答生成に使うモデルを設定する
func WithModel(model string) Option {
	return func(s *Service) {
		s.model = model
	}
}

// WithMaxTokens は回答の最大トークン数を設定する
func WithMaxTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// NewService は新しい Service を作成する
func NewService(searcher Searcher, client llm.Client, opts ...Option) *Service {
	svc := &Service{
		searcher:    searcher,
		llm:         client,
		temperature: 0.1,
		maxTokens:   1200,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	return svc
}

// Ask は質問に対して検索と回答生成を行う
func (s *Service) Ask(ctx context.Context, params Params) (*Answer, error) {
	question := strings.TrimSpace(params.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", search.ErrInvalidQuery)
	}

	result, err := s.searcher.Search(ctx, search.Params{
		OwnerID: params.OwnerID,
		Query:   question,
		Scope:   params.Scope,
		K:       params.K,
	})
	if err != nil {
		if isBackendOutage(err) {
			return nil, fmt.Errorf("%w: %w", ErrAssistantUnavailable, err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, search.ErrInvalidQuery) {
			return nil, err
		}
		s.logger.Warn("検索に失敗したため関連なしとして回答します", "error", err)
		return noRelevantContent(), nil
	}

	s.logger.Info("検索が完了しました",
		"hits", len(result.Hits),
		"groups", len(result.Groups),
	)

	return s.Synthesize(ctx, question, result)
}

// Synthesize は検索結果から引用付きの回答を生成する
// ヒットがない場合は LLM を呼ばずに固定の回答を返す
func (s *Service) Synthesize(ctx context.Context, question string, result *search.Result) (*Answer, error) {
	if result.IsEmpty() {
		s.logger.Info("関連する抜粋がないため回答生成をスキップします")
		return noRelevantContent(), nil
	}

	resp, err := s.llm.GenerateCompletion(ctx, llm.CompletionRequest{
		System:         systemPrompt,
		Prompt:         BuildAskPrompt(question, result.Hits),
		Temperature:    s.temperature,
		MaxTokens:      s.maxTokens,
		ResponseFormat: llm.ResponseFormatJSON,
		Model:          s.model,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, llm.ErrInvalidResponse) {
			s.logger.Warn("回答を解析できませんでした", "error", err)
			return noRelevantContent(), nil
		}
		return nil, fmt.Errorf("%w: %w", ErrAssistantUnavailable, err)
	}

	var parsed modelResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		s.logger.Warn("回答を解析できませんでした", "error", err)
		return noRelevantContent(), nil
	}

	answerText := strings.TrimSpace(parsed.Answer)
	if !parsed.Found || answerText == "" {
		return noRelevantContent(), nil
	}

	sources := citedSources(result, parsed.Citations)
	if len(sources) == 0 {
		s.logger.Warn("有効な引用がないため回答を破棄します", "citations", parsed.Citations)
		return noRelevantContent(), nil
	}

	answer := &Answer{
		Text:    answerText,
		Sources: sources,
	}
	keyPoints := nonEmpty(parsed.KeyPoints)
	warnings := nonEmpty(parsed.Warnings)
	if len(keyPoints) > 0 || len(warnings) > 0 {
		answer.Structured = &Structured{KeyPoints: keyPoints, Warnings: warnings}
	}

	s.logger.Info("回答を生成しました",
		"answerLength", len(answer.Text),
		"sources", len(answer.Sources),
		"tokensUsed", resp.TokensUsed,
	)

	return answer, nil
}

// citedSources は引用番号に対応する抜粋をプロトコル単位にまとめる
// グループの順序は検索結果のグループ順に従う
func citedSources(result *search.Result, citations []int) []SourceGroup {
	cited := make(map[int]struct{}, len(citations))
	for _, n := range citations {
		if n >= 1 && n <= len(result.Hits) {
			cited[n] = struct{}{}
		}
	}
	if len(cited) == 0 {
		return nil
	}

	number := make(map[*search.Hit]int, len(result.Hits))
	for i, h := range result.Hits {
		number[h] = i + 1
	}

	sources := make([]SourceGroup, 0, len(result.Groups))
	for _, g := range result.Groups {
		var excerpts []SourceExcerpt
		for _, h := range g.Results {
			n := number[h]
			if _, ok := cited[n]; !ok {
				continue
			}
			excerpts = append(excerpts, SourceExcerpt{
				ChunkID:    h.ChunkID,
				Excerpt:    h.Excerpt,
				PageNumber: h.PageNumber,
				Score:      h.Score,
				Citation:   n,
			})
		}
		if len(excerpts) == 0 {
			continue
		}
		sources = append(sources, SourceGroup{
			ProtocolID:   g.ProtocolID,
			ProtocolName: g.ProtocolName,
			FileURL:      g.FileURL,
			Results:      excerpts,
		})
	}
	return sources
}

func isBackendOutage(err error) bool {
	return errors.Is(err, llm.ErrRateLimited) ||
		errors.Is(err, llm.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
