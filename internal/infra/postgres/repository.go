package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/mo"
)

// pgForeignKeyViolation は外部キー制約違反の SQLSTATE
const pgForeignKeyViolation = "23503"

// ErrEventOrder はイベントのタイムスタンプが単調増加でない場合のエラー
var ErrEventOrder = errors.New("event timestamp must be strictly increasing")

// Repository は protocol.Repository と search.Repository を実装する PostgreSQL リポジトリです
type Repository struct {
	pool      *pgxpool.Pool
	dimension int
	now       func() time.Time
}

// RepositoryOption は Repository のオプション設定
type RepositoryOption func(*Repository)

// WithClock は updated_at に使う現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository は新しい Repository を作成します
func NewRepository(pool *pgxpool.Pool, dimension int, opts ...RepositoryOption) *Repository {
	r := &Repository{pool: pool, dimension: dimension, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// コンパイル時の型チェック
var _ protocol.Repository = (*Repository)(nil)

// EmbeddingDimension は保存するベクトルの次元数を返す
func (r *Repository) EmbeddingDimension() int {
	return r.dimension
}

func (r *Repository) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// === Protocol ===

const protocolColumns = `id, owner_id, name, category, description, original_filename, stored_file,
	page_count, status, error_message, active_run_id, current_run_id, chunk_count, created_at, updated_at`

func scanProtocol(row pgx.Row) (*protocol.Protocol, error) {
	var (
		p                    protocol.Protocol
		id, ownerID          pgtype.UUID
		activeRun, curRun    pgtype.UUID
		status               string
		createdAt, updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &ownerID, &p.Name, &p.Category, &p.Description, &p.OriginalFilename, &p.StoredFile,
		&p.PageCount, &status, &p.ErrorMessage, &activeRun, &curRun, &p.ChunkCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.ID = PgtypeToUUID(id)
	p.OwnerID = PgtypeToUUID(ownerID)
	p.Status = protocol.Status(status)
	p.ActiveRunID = PgtypeToUUIDPtr(activeRun)
	p.CurrentRunID = PgtypeToUUIDPtr(curRun)
	p.CreatedAt = PgtypeToTime(createdAt)
	p.UpdatedAt = PgtypeToTime(updatedAt)
	return &p, nil
}

func (r *Repository) CreateProtocol(ctx context.Context, p *protocol.Protocol, pages []*protocol.Page) error {
	_, err := Transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		_, err := tx.Exec(ctx, `
			INSERT INTO protocols (`+protocolColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			UUIDToPgtype(p.ID), UUIDToPgtype(p.OwnerID), p.Name, p.Category, p.Description, p.OriginalFilename, p.StoredFile,
			p.PageCount, string(p.Status), p.ErrorMessage, UUIDPtrToPgtype(p.ActiveRunID), UUIDPtrToPgtype(p.CurrentRunID),
			p.ChunkCount, TimeToPgtype(p.CreatedAt), TimeToPgtype(p.UpdatedAt),
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to insert protocol: %w", err)
		}

		if len(pages) == 0 {
			return struct{}{}, nil
		}
		rows := make([][]any, 0, len(pages))
		for _, pg := range pages {
			rows = append(rows, []any{UUIDToPgtype(p.ID), pg.Number, pg.Text})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"protocol_pages"},
			[]string{"protocol_id", "page_number", "text"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return struct{}{}, fmt.Errorf("failed to insert pages: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (r *Repository) GetProtocol(ctx context.Context, id uuid.UUID) (mo.Option[*protocol.Protocol], error) {
	p, err := scanProtocol(r.pool.QueryRow(ctx,
		`SELECT `+protocolColumns+` FROM protocols WHERE id = $1`, UUIDToPgtype(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*protocol.Protocol](), nil
		}
		return mo.None[*protocol.Protocol](), fmt.Errorf("failed to get protocol: %w", err)
	}
	return mo.Some(p), nil
}

func (r *Repository) ListProtocols(ctx context.Context, ownerID uuid.UUID) ([]*protocol.Protocol, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+protocolColumns+` FROM protocols WHERE owner_id = $1 ORDER BY created_at DESC, id::text ASC`,
		UUIDToPgtype(ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	defer rows.Close()

	result := make([]*protocol.Protocol, 0)
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan protocol: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	return result, nil
}

func (r *Repository) UpdateMetadata(ctx context.Context, id uuid.UUID, update protocol.MetadataUpdate) (*protocol.Protocol, error) {
	p, err := scanProtocol(r.pool.QueryRow(ctx, `
		UPDATE protocols SET
			name = COALESCE($2, name),
			category = COALESCE($3, category),
			description = COALESCE($4, description),
			updated_at = $5
		WHERE id = $1
		RETURNING `+protocolColumns,
		UUIDToPgtype(id), update.Name, update.Category, update.Description, TimeToPgtype(r.timestamp()),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to update protocol: %w", err)
	}
	return p, nil
}

// DeleteProtocol はプロトコルを削除する（ページ・チャンク・イベントは ON DELETE CASCADE）
func (r *Repository) DeleteProtocol(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM protocols WHERE id = $1`, UUIDToPgtype(id))
	if err != nil {
		return fmt.Errorf("failed to delete protocol: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, id)
	}
	return nil
}

// === Page ===

func (r *Repository) ListPages(ctx context.Context, protocolID uuid.UUID) ([]*protocol.Page, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT page_number, text FROM protocol_pages WHERE protocol_id = $1 ORDER BY page_number`,
		UUIDToPgtype(protocolID))
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	pages := make([]*protocol.Page, 0)
	for rows.Next() {
		pg := &protocol.Page{ProtocolID: protocolID}
		if err := rows.Scan(&pg.Number, &pg.Text); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, pg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	return pages, nil
}

// === Chunk ===

// ListChunks は有効な実行のチャンクを順序どおりに返す
func (r *Repository) ListChunks(ctx context.Context, protocolID uuid.UUID) ([]*protocol.Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.run_id, c.sequence, c.page_number, c.page_end, c.start_offset, c.end_offset,
		       c.text, c.embedding, c.embedding_model, c.content_hash, c.token_count, c.created_at
		FROM protocol_chunks c
		JOIN protocols p ON p.id = c.protocol_id AND p.active_run_id = c.run_id
		WHERE c.protocol_id = $1
		ORDER BY c.sequence`,
		UUIDToPgtype(protocolID))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]*protocol.Chunk, 0)
	for rows.Next() {
		var (
			c         protocol.Chunk
			id, runID pgtype.UUID
			vec       pgvector.Vector
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &runID, &c.Sequence, &c.PageNumber, &c.PageEnd, &c.StartOffset, &c.EndOffset,
			&c.Text, &vec, &c.EmbeddingModel, &c.ContentHash, &c.TokenCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.ID = PgtypeToUUID(id)
		c.ProtocolID = protocolID
		c.RunID = PgtypeToUUID(runID)
		c.Embedding = vec.Slice()
		c.CreatedAt = PgtypeToTime(createdAt)
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// === Event ===

func (r *Repository) AppendEvent(ctx context.Context, event *protocol.ProgressEvent) error {
	_, err := Transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		if err := acquireLock(ctx, tx, "protocol", event.ProtocolID.String()); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, appendEvent(ctx, tx, event)
	})
	return err
}

// appendEvent はタイムスタンプが直前のイベントより新しい場合のみイベントを追記する
// 呼び出し側でプロトコル単位のロックを取得していること
func appendEvent(ctx context.Context, tx pgx.Tx, event *protocol.ProgressEvent) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO protocol_events (id, protocol_id, run_id, step, message, progress, total, created_at)
		SELECT $1::uuid, $2::uuid, $3::uuid, $4::text, $5::text, $6::integer, $7::integer, $8::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM protocol_events WHERE protocol_id = $2::uuid AND created_at >= $8::timestamptz
		)`,
		UUIDToPgtype(event.ID), UUIDToPgtype(event.ProtocolID), UUIDToPgtype(event.RunID), string(event.Step),
		event.Message, IntPtrToPgInt4(event.Progress), IntPtrToPgInt4(event.Total), TimeToPgtype(event.CreatedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", protocol.ErrNotFound, event.ProtocolID)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEventOrder, event.CreatedAt.Format(time.RFC3339Nano))
	}
	return nil
}

// ListEvents は指定した実行の直近 limit 件のイベントを古い順に返す
func (r *Repository) ListEvents(ctx context.Context, protocolID, runID uuid.UUID, limit int) ([]*protocol.ProgressEvent, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, step, message, progress, total, created_at FROM (
			SELECT id, step, message, progress, total, created_at
			FROM protocol_events
			WHERE protocol_id = $1 AND run_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC`,
		UUIDToPgtype(protocolID), UUIDToPgtype(runID), limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*protocol.ProgressEvent, 0)
	for rows.Next() {
		var (
			e               protocol.ProgressEvent
			id              pgtype.UUID
			step            string
			progress, total pgtype.Int4
			createdAt       pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &step, &e.Message, &progress, &total, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.ID = PgtypeToUUID(id)
		e.ProtocolID = protocolID
		e.RunID = runID
		e.Step = protocol.Step(step)
		e.Progress = PgtypeToIntPtr(progress)
		e.Total = PgtypeToIntPtr(total)
		e.CreatedAt = PgtypeToTime(createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func (r *Repository) LastEventTime(ctx context.Context, protocolID uuid.UUID) (mo.Option[time.Time], error) {
	return lastEventTime(ctx, r.pool, protocolID)
}

func lastEventTime(ctx context.Context, db DBTX, protocolID uuid.UUID) (mo.Option[time.Time], error) {
	var last pgtype.Timestamptz
	if err := db.QueryRow(ctx,
		`SELECT MAX(created_at) FROM protocol_events WHERE protocol_id = $1`,
		UUIDToPgtype(protocolID)).Scan(&last); err != nil {
		return mo.None[time.Time](), fmt.Errorf("failed to get last event time: %w", err)
	}
	if !last.Valid {
		return mo.None[time.Time](), nil
	}
	return mo.Some(PgtypeToTime(last)), nil
}
