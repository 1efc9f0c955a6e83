package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
)

// ClaimRun は実行中でなければ analyzing に遷移させ新しい実行を割り当てる
func (s *Store) ClaimRun(ctx context.Context, protocolID uuid.UUID, runID uuid.UUID, started *protocol.ProgressEvent) (*protocol.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.protocols[protocolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, protocolID)
	}
	if p.Status.IsInFlight() && p.CurrentRunID != nil {
		return &protocol.ClaimResult{Protocol: cloneProtocol(p), RunID: *p.CurrentRunID, Claimed: false}, nil
	}
	if !protocol.CanTransition(p.Status, protocol.StatusAnalyzing) {
		return nil, fmt.Errorf("%w: %s -> %s", protocol.ErrInvalidTransition, p.Status, protocol.StatusAnalyzing)
	}

	id := runID
	p.Status = protocol.StatusAnalyzing
	p.CurrentRunID = &id
	p.ErrorMessage = ""
	p.UpdatedAt = s.now().UTC()

	if started != nil {
		if err := s.appendEventLocked(started); err != nil {
			return nil, err
		}
	}

	return &protocol.ClaimResult{Protocol: cloneProtocol(p), RunID: runID, Claimed: true}, nil
}

// currentRunLocked は runID が現在の実行であるプロトコルを返す
func (s *Store) currentRunLocked(protocolID, runID uuid.UUID) (*protocol.Protocol, error) {
	p, ok := s.protocols[protocolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, protocolID)
	}
	if p.CurrentRunID == nil || *p.CurrentRunID != runID {
		return nil, fmt.Errorf("%w: %s", protocol.ErrRunConflict, runID)
	}
	return p, nil
}

func (s *Store) TransitionRun(ctx context.Context, protocolID, runID uuid.UUID, from, to protocol.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.currentRunLocked(protocolID, runID)
	if err != nil {
		return err
	}
	if p.Status != from || !protocol.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (current %s)", protocol.ErrInvalidTransition, from, to, p.Status)
	}
	p.Status = to
	p.UpdatedAt = s.now().UTC()
	return nil
}

// CompleteRun は有効なチャンクを入れ替えて completed にする
func (s *Store) CompleteRun(ctx context.Context, protocolID uuid.UUID, completion protocol.RunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.currentRunLocked(protocolID, completion.RunID)
	if err != nil {
		return err
	}
	if !protocol.CanTransition(p.Status, protocol.StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", protocol.ErrInvalidTransition, p.Status, protocol.StatusCompleted)
	}
	if len(completion.Chunks) == 0 {
		return fmt.Errorf("%w: completed run requires at least one chunk", protocol.ErrInvalidInput)
	}
	for _, c := range completion.Chunks {
		if len(c.Embedding) != s.dimension {
			return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", s.dimension, len(c.Embedding))
		}
	}

	if completion.Event != nil {
		if err := s.appendEventLocked(completion.Event); err != nil {
			return err
		}
	}

	chunks := make([]*protocol.Chunk, 0, len(completion.Chunks))
	for _, c := range completion.Chunks {
		cc := *c
		cc.ProtocolID = protocolID
		cc.RunID = completion.RunID
		chunks = append(chunks, &cc)
	}
	s.chunks[protocolID] = chunks

	runID := completion.RunID
	p.ActiveRunID = &runID
	p.ChunkCount = len(chunks)
	p.Status = protocol.StatusCompleted
	p.ErrorMessage = ""
	p.UpdatedAt = s.now().UTC()
	return nil
}

// FailRun は error に遷移させエラーイベントを追記する
// 以前の有効なチャンクは残るが、completed ではないため検索対象にならない
func (s *Store) FailRun(ctx context.Context, protocolID uuid.UUID, failure protocol.RunFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.currentRunLocked(protocolID, failure.RunID)
	if err != nil {
		return err
	}
	if !protocol.CanTransition(p.Status, protocol.StatusError) {
		return fmt.Errorf("%w: %s -> %s", protocol.ErrInvalidTransition, p.Status, protocol.StatusError)
	}

	if failure.Event != nil {
		if err := s.appendEventLocked(failure.Event); err != nil {
			return err
		}
	}

	p.Status = protocol.StatusError
	p.ErrorMessage = failure.Message
	p.UpdatedAt = s.now().UTC()
	return nil
}

// MarkInterruptedRuns は実行中のまま残っている実行を error にする
func (s *Store) MarkInterruptedRuns(ctx context.Context, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, p := range s.protocols {
		if !p.Status.IsInFlight() || p.CurrentRunID == nil {
			continue
		}

		ts := s.now().UTC().Truncate(time.Microsecond)
		if events := s.events[p.ID]; len(events) > 0 && !ts.After(events[len(events)-1].CreatedAt) {
			ts = events[len(events)-1].CreatedAt.Add(time.Microsecond)
		}
		event := &protocol.ProgressEvent{
			ID:         uuid.New(),
			ProtocolID: p.ID,
			RunID:      *p.CurrentRunID,
			Step:       protocol.StepError,
			Message:    message,
			CreatedAt:  ts,
		}
		if err := s.appendEventLocked(event); err != nil {
			return count, err
		}

		p.Status = protocol.StatusError
		p.ErrorMessage = message
		p.UpdatedAt = ts
		count++
	}
	return count, nil
}
