package memory

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/search"
)

// SearchChunks は completed のプロトコルの有効なチャンクを総当たりでコサイン類似度検索する
func (s *Store) SearchChunks(ctx context.Context, q search.Query) ([]*search.Hit, error) {
	if len(q.Vector) != s.dimension {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", s.dimension, len(q.Vector))
	}

	scope := make(map[uuid.UUID]struct{}, len(q.ProtocolIDs))
	for _, id := range q.ProtocolIDs {
		scope[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []*search.Hit
	for id, p := range s.protocols {
		if p.OwnerID != q.OwnerID || p.Status != protocol.StatusCompleted || p.ActiveRunID == nil {
			continue
		}
		if len(scope) > 0 {
			if _, ok := scope[id]; !ok {
				continue
			}
		}
		for _, c := range s.chunks[id] {
			if c.RunID != *p.ActiveRunID {
				continue
			}
			score := cosineSimilarity(q.Vector, c.Embedding)
			if score < q.MinScore {
				continue
			}
			hits = append(hits, &search.Hit{
				ChunkID:      c.ID,
				ProtocolID:   id,
				ProtocolName: p.Name,
				Sequence:     c.Sequence,
				PageNumber:   c.PageNumber,
				PageEnd:      c.PageEnd,
				Excerpt:      c.Text,
				Score:        score,
				CreatedAt:    c.CreatedAt,
			})
		}
	}

	return search.Rank(hits, q.Limit, q.MinScore).Hits, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var (
	_ protocol.Repository = (*Store)(nil)
	_ search.Repository   = (*Store)(nil)
)
