package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/search"
	pgvector "github.com/pgvector/pgvector-go"
)

var _ search.Repository = (*Repository)(nil)

// SearchChunks は completed のプロトコルの有効な実行のチャンクを pgvector のコサイン距離で検索する
// 並び順は score 降順、作成日時降順、プロトコルID昇順、シーケンス昇順
func (r *Repository) SearchChunks(ctx context.Context, q search.Query) ([]*search.Hit, error) {
	if len(q.Vector) != r.dimension {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", r.dimension, len(q.Vector))
	}

	var scope []pgtype.UUID
	if len(q.ProtocolIDs) > 0 {
		scope = UUIDsToPgtype(q.ProtocolIDs)
	}

	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.protocol_id, p.name, c.sequence, c.page_number, c.page_end, c.text,
		       1 - (c.embedding <=> $1::vector) AS score, c.created_at
		FROM protocol_chunks c
		JOIN protocols p ON p.id = c.protocol_id AND p.active_run_id = c.run_id
		WHERE p.owner_id = $2
		  AND p.status = $3
		  AND ($4::uuid[] IS NULL OR c.protocol_id = ANY($4::uuid[]))
		  AND 1 - (c.embedding <=> $1::vector) >= $5
		ORDER BY score DESC, c.created_at DESC, c.protocol_id::text ASC, c.sequence ASC
		LIMIT $6`,
		pgvector.NewVector(q.Vector), UUIDToPgtype(q.OwnerID), string(protocol.StatusCompleted), scope, q.MinScore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	hits := make([]*search.Hit, 0)
	for rows.Next() {
		var (
			h                search.Hit
			chunkID, protoID pgtype.UUID
			createdAt        pgtype.Timestamptz
		)
		if err := rows.Scan(&chunkID, &protoID, &h.ProtocolName, &h.Sequence, &h.PageNumber, &h.PageEnd,
			&h.Excerpt, &h.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		h.ChunkID = PgtypeToUUID(chunkID)
		h.ProtocolID = PgtypeToUUID(protoID)
		h.CreatedAt = PgtypeToTime(createdAt)
		hits = append(hits, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	// 同点時の順序とグルーピングは search.Rank に揃える
	return search.Rank(hits, q.Limit, q.MinScore).Hits, nil
}
