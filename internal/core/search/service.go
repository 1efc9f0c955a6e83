package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultK はヒット数のデフォルト値
	DefaultK = 8
	// MaxK はヒット数の上限
	MaxK = 50
	// DefaultMinScore は類似度の下限のデフォルト値
	DefaultMinScore = 0.30
)

var (
	// ErrDimensionMismatch は Embedder とリポジトリのベクトル次元が一致しない設定エラー
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidQuery はクエリが不正な場合のエラー
	ErrInvalidQuery = errors.New("invalid search query")
)

// Embedder はクエリの Embedding 生成インターフェース
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Service は検索のビジネスロジックを提供する
type Service struct {
	repo     Repository
	embedder Embedder
	k        int
	minScore float64
	logger   *slog.Logger
}

// Option は Service のオプション設定
type Option func(*Service)

// WithDefaultK はヒット数のデフォルト値を設定する
func WithDefaultK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.k = min(k, MaxK)
		}
	}
}

// WithMinScore は類似度の下限のデフォルト値を設定する
func WithMinScore(score float64) Option {
	return func(s *Service) {
		s.minScore = score
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService は新しい Service を作成する
// Embedder とリポジトリのベクトル次元が一致しない場合はエラーを返す
func NewService(repo Repository, embedder Embedder, opts ...Option) (*Service, error) {
	if embedder.Dimension() != repo.EmbeddingDimension() {
		return nil, fmt.Errorf("%w: embedder=%d, repository=%d",
			ErrDimensionMismatch, embedder.Dimension(), repo.EmbeddingDimension())
	}

	s := &Service{
		repo:     repo,
		embedder: embedder,
		k:        DefaultK,
		minScore: DefaultMinScore,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Search はクエリに基づいてベクトル検索を実行する
func (s *Service) Search(ctx context.Context, params Params) (*Result, error) {
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	if params.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidQuery)
	}

	k := params.K
	if k <= 0 {
		k = s.k
	}
	k = min(k, MaxK)

	minScore := s.minScore
	if params.MinScore != nil {
		minScore = *params.MinScore
	}

	// クエリを Embedding に変換
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := s.repo.SearchChunks(ctx, Query{
		OwnerID:     params.OwnerID,
		Vector:      vector,
		ProtocolIDs: params.Scope.ProtocolIDs,
		MinScore:    minScore,
		Limit:       k,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	result := Rank(hits, k, minScore)

	s.logger.Debug("検索を実行しました",
		"hits", len(result.Hits),
		"groups", len(result.Groups),
		"k", k,
		"minScore", minScore,
	)

	return result, nil
}

// Rank はヒットを決定的な順序に並べて上限を適用し、プロトコルごとにまとめる
// 順序: スコア降順、チャンクの新しい順、プロトコル ID 昇順、シーケンス昇順
func Rank(hits []*Hit, k int, minScore float64) *Result {
	filtered := make([]*Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= minScore {
			filtered = append(filtered, h)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return Less(filtered[i], filtered[j])
	})
	if k > 0 && len(filtered) > k {
		filtered = filtered[:k]
	}

	result := &Result{Hits: filtered, Groups: []*Group{}}
	index := make(map[uuid.UUID]*Group)
	for _, h := range filtered {
		g, ok := index[h.ProtocolID]
		if !ok {
			g = &Group{
				ProtocolID:   h.ProtocolID,
				ProtocolName: h.ProtocolName,
				FileURL:      FileURL(h.ProtocolID),
			}
			index[h.ProtocolID] = g
			result.Groups = append(result.Groups, g)
		}
		g.Results = append(g.Results, h)
	}

	return result
}

// Less は a が b より上位かを返す
func Less(a, b *Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if c := strings.Compare(a.ProtocolID.String(), b.ProtocolID.String()); c != 0 {
		return c < 0
	}
	return a.Sequence < b.Sequence
}
