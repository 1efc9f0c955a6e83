package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/samber/mo"
)

// DefaultEventLimit はステータスに含めるイベント数の上限
const DefaultEventLimit = 50

// Repository はステータス取得に必要なデータアクセス
type Repository interface {
	GetProtocol(ctx context.Context, id uuid.UUID) (mo.Option[*protocol.Protocol], error)
	ListEvents(ctx context.Context, protocolID, runID uuid.UUID, limit int) ([]*protocol.ProgressEvent, error)
}

// Report はプロトコルの処理状況
type Report struct {
	ProtocolID   uuid.UUID
	Status       protocol.Status
	RunID        *uuid.UUID
	Events       []*protocol.ProgressEvent // 直近の実行のイベント（時刻順）
	ErrorMessage string
	ChunkCount   int
	Percent      *int
	UpdatedAt    time.Time
}

// IsTerminal は実行が終了しているかを返す
func (r *Report) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// LastEvent は最後のイベントを返す
func (r *Report) LastEvent() mo.Option[*protocol.ProgressEvent] {
	if len(r.Events) == 0 {
		return mo.None[*protocol.ProgressEvent]()
	}
	return mo.Some(r.Events[len(r.Events)-1])
}

// Service は処理状況の参照を提供する（読み取りのみ）
type Service struct {
	repo       Repository
	eventLimit int
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithEventLimit はイベント数の上限を設定する
func WithEventLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.eventLimit = limit
		}
	}
}

// NewService は新しい Service を作成する
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, eventLimit: DefaultEventLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetStatus は最新の実行の状況を返す
// 最後のイベントが終了ステップであればそれを優先し、そうでなければレコードの状態を返す
func (s *Service) GetStatus(ctx context.Context, ownerID, protocolID uuid.UUID) (*Report, error) {
	p, err := protocol.FindOwned(ctx, s.repo, ownerID, protocolID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ProtocolID: p.ID,
		Status:     p.Status,
		RunID:      p.CurrentRunID,
		ChunkCount: p.ChunkCount,
		UpdatedAt:  p.UpdatedAt,
		Events:     []*protocol.ProgressEvent{},
	}

	if p.CurrentRunID != nil {
		events, err := s.repo.ListEvents(ctx, p.ID, *p.CurrentRunID, s.eventLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		report.Events = events
	}

	if last, ok := report.LastEvent().Get(); ok {
		switch last.Step {
		case protocol.StepDone:
			report.Status = protocol.StatusCompleted
		case protocol.StepError:
			report.Status = protocol.StatusError
		}
	}

	if report.Status == protocol.StatusError {
		report.ErrorMessage = p.ErrorMessage
		if last, ok := report.LastEvent().Get(); ok && last.Step == protocol.StepError && last.Message != "" {
			report.ErrorMessage = last.Message
		}
	}

	report.Percent = percent(report)

	return report, nil
}

func percent(r *Report) *int {
	if r.Status == protocol.StatusCompleted {
		return Int(100)
	}
	for i := len(r.Events) - 1; i >= 0; i-- {
		e := r.Events[i]
		if e.Progress != nil && e.Total != nil && *e.Total > 0 {
			return Int(*e.Progress * 100 / *e.Total)
		}
	}
	return nil
}
