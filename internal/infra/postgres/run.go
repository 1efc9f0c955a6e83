package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	pgvector "github.com/pgvector/pgvector-go"
)

// lockProtocol はプロトコル単位のロックを取得し、行を FOR UPDATE で読み出す
func lockProtocol(ctx context.Context, tx pgx.Tx, protocolID uuid.UUID) (*protocol.Protocol, error) {
	if err := acquireLock(ctx, tx, "protocol", protocolID.String()); err != nil {
		return nil, err
	}

	p, err := scanProtocol(tx.QueryRow(ctx,
		`SELECT `+protocolColumns+` FROM protocols WHERE id = $1 FOR UPDATE`, UUIDToPgtype(protocolID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, protocolID)
		}
		return nil, fmt.Errorf("failed to lock protocol: %w", err)
	}
	return p, nil
}

// lockCurrentRun は runID が現在の実行であるプロトコルをロックして返す
func lockCurrentRun(ctx context.Context, tx pgx.Tx, protocolID, runID uuid.UUID) (*protocol.Protocol, error) {
	p, err := lockProtocol(ctx, tx, protocolID)
	if err != nil {
		return nil, err
	}
	if p.CurrentRunID == nil || *p.CurrentRunID != runID {
		return nil, fmt.Errorf("%w: %s", protocol.ErrRunConflict, runID)
	}
	return p, nil
}

// ClaimRun は実行中でなければ analyzing に遷移させ新しい実行を割り当てる
func (r *Repository) ClaimRun(ctx context.Context, protocolID uuid.UUID, runID uuid.UUID, started *protocol.ProgressEvent) (*protocol.ClaimResult, error) {
	return Transact(ctx, r.pool, func(tx pgx.Tx) (*protocol.ClaimResult, error) {
		p, err := lockProtocol(ctx, tx, protocolID)
		if err != nil {
			return nil, err
		}
		if p.Status.IsInFlight() && p.CurrentRunID != nil {
			return &protocol.ClaimResult{Protocol: p, RunID: *p.CurrentRunID, Claimed: false}, nil
		}
		if !protocol.CanTransition(p.Status, protocol.StatusAnalyzing) {
			return nil, fmt.Errorf("%w: %s -> %s", protocol.ErrInvalidTransition, p.Status, protocol.StatusAnalyzing)
		}

		updated, err := scanProtocol(tx.QueryRow(ctx, `
			UPDATE protocols
			SET status = $2, current_run_id = $3, error_message = '', updated_at = $4
			WHERE id = $1
			RETURNING `+protocolColumns,
			UUIDToPgtype(protocolID), string(protocol.StatusAnalyzing), UUIDToPgtype(runID), TimeToPgtype(r.timestamp()),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to claim run: %w", err)
		}

		if started != nil {
			if err := appendEvent(ctx, tx, started); err != nil {
				return nil, err
			}
		}

		return &protocol.ClaimResult{Protocol: updated, RunID: runID, Claimed: true}, nil
	})
}

func (r *Repository) TransitionRun(ctx context.Context, protocolID, runID uuid.UUID, from, to protocol.Status) error {
	_, err := Transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		p, err := lockCurrentRun(ctx, tx, protocolID, runID)
		if err != nil {
			return struct{}{}, err
		}
		if p.Status != from || !protocol.CanTransition(from, to) {
			return struct{}{}, fmt.Errorf("%w: %s -> %s (current %s)", protocol.ErrInvalidTransition, from, to, p.Status)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE protocols SET status = $2, updated_at = $3 WHERE id = $1`,
			UUIDToPgtype(protocolID), string(to), TimeToPgtype(r.timestamp()),
		); err != nil {
			return struct{}{}, fmt.Errorf("failed to transition run: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// CompleteRun は有効なチャンクを入れ替えて completed にする
// 旧チャンクの削除・新チャンクの挿入・状態遷移・done イベントは同一トランザクション
func (r *Repository) CompleteRun(ctx context.Context, protocolID uuid.UUID, completion protocol.RunCompletion) error {
	if len(completion.Chunks) == 0 {
		return fmt.Errorf("%w: completed run requires at least one chunk", protocol.ErrInvalidInput)
	}
	for _, c := range completion.Chunks {
		if len(c.Embedding) != r.dimension {
			return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", r.dimension, len(c.Embedding))
		}
	}

	_, err := Transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		p, err := lockCurrentRun(ctx, tx, protocolID, completion.RunID)
		if err != nil {
			return struct{}{}, err
		}
		if !protocol.CanTransition(p.Status, protocol.StatusCompleted) {
			return struct{}{}, fmt.Errorf("%w: %s -> %s", protocol.ErrInvalidTransition, p.Status, protocol.StatusCompleted)
		}

		if completion.Event != nil {
			if err := appendEvent(ctx, tx, completion.Event); err != nil {
				return struct{}{}, err
			}
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM protocol_chunks WHERE protocol_id = $1`, UUIDToPgtype(protocolID)); err != nil {
			return struct{}{}, fmt.Errorf("failed to delete previous chunks: %w", err)
		}

		if err := insertChunks(ctx, tx, protocolID, completion.RunID, completion.Chunks); err != nil {
			return struct{}{}, err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE protocols
			SET status = $2, active_run_id = $3, chunk_count = $4, error_message = '', updated_at = $5
			WHERE id = $1`,
			UUIDToPgtype(protocolID), string(protocol.StatusCompleted), UUIDToPgtype(completion.RunID),
			len(completion.Chunks), TimeToPgtype(r.timestamp()),
		); err != nil {
			return struct{}{}, fmt.Errorf("failed to complete run: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func insertChunks(ctx context.Context, tx pgx.Tx, protocolID, runID uuid.UUID, chunks []*protocol.Chunk) error {
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO protocol_chunks (id, protocol_id, run_id, sequence, page_number, page_end, start_offset,
				end_offset, text, embedding, embedding_model, content_hash, token_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			UUIDToPgtype(c.ID), UUIDToPgtype(protocolID), UUIDToPgtype(runID), c.Sequence, c.PageNumber, c.PageEnd,
			c.StartOffset, c.EndOffset, c.Text, pgvector.NewVector(c.Embedding), c.EmbeddingModel, c.ContentHash,
			c.TokenCount, TimeToPgtype(c.CreatedAt),
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range chunks {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

// FailRun は error に遷移させエラーイベントを追記する
// 以前の有効なチャンクは残るが、completed ではないため検索対象にならない
func (r *Repository) FailRun(ctx context.Context, protocolID uuid.UUID, failure protocol.RunFailure) error {
	_, err := Transact(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		p, err := lockCurrentRun(ctx, tx, protocolID, failure.RunID)
		if err != nil {
			return struct{}{}, err
		}
		if !protocol.CanTransition(p.Status, protocol.StatusError) {
			return struct{}{}, fmt.Errorf("%w: %s -> %s", protocol.ErrInvalidTransition, p.Status, protocol.StatusError)
		}

		if failure.Event != nil {
			if err := appendEvent(ctx, tx, failure.Event); err != nil {
				return struct{}{}, err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE protocols SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`,
			UUIDToPgtype(protocolID), string(protocol.StatusError), failure.Message, TimeToPgtype(r.timestamp()),
		); err != nil {
			return struct{}{}, fmt.Errorf("failed to fail run: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// MarkInterruptedRuns は実行中のまま残っている実行を error にする
func (r *Repository) MarkInterruptedRuns(ctx context.Context, message string) (int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM protocols WHERE status = ANY($1) AND current_run_id IS NOT NULL`,
		[]string{string(protocol.StatusAnalyzing), string(protocol.StatusProcessing)})
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[pgtype.UUID])
	if err != nil {
		return 0, fmt.Errorf("failed to scan interrupted runs: %w", err)
	}

	count := 0
	for _, id := range ids {
		marked, err := Transact(ctx, r.pool, func(tx pgx.Tx) (bool, error) {
			return r.markInterrupted(ctx, tx, PgtypeToUUID(id), message)
		})
		if err != nil {
			return count, err
		}
		if marked {
			count++
		}
	}
	return count, nil
}

func (r *Repository) markInterrupted(ctx context.Context, tx pgx.Tx, protocolID uuid.UUID, message string) (bool, error) {
	p, err := lockProtocol(ctx, tx, protocolID)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	// ロック取得までに状態が変わっていれば対象外
	if !p.Status.IsInFlight() || p.CurrentRunID == nil {
		return false, nil
	}

	ts := r.timestamp()
	last, err := lastEventTime(ctx, tx, protocolID)
	if err != nil {
		return false, err
	}
	if lt, ok := last.Get(); ok && !ts.After(lt) {
		ts = lt.Add(time.Microsecond)
	}

	if err := appendEvent(ctx, tx, &protocol.ProgressEvent{
		ID:         uuid.New(),
		ProtocolID: protocolID,
		RunID:      *p.CurrentRunID,
		Step:       protocol.StepError,
		Message:    message,
		CreatedAt:  ts,
	}); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE protocols SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`,
		UUIDToPgtype(protocolID), string(protocol.StatusError), message, TimeToPgtype(ts),
	); err != nil {
		return false, fmt.Errorf("failed to mark interrupted run: %w", err)
	}
	return true, nil
}
