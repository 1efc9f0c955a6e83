package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEventStore struct {
	events []*protocol.ProgressEvent
	last   mo.Option[time.Time]
}

func (s *stubEventStore) AppendEvent(ctx context.Context, event *protocol.ProgressEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubEventStore) LastEventTime(ctx context.Context, protocolID uuid.UUID) (mo.Option[time.Time], error) {
	return s.last, nil
}

func TestRecorder_StrictlyIncreasingTimestamps(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	stored := fixed.Add(5 * time.Microsecond)
	store := &stubEventStore{last: mo.Some(stored)}
	rec := NewRecorder(store, WithRecorderClock(func() time.Time { return fixed }))

	protocolID := uuid.New()
	runID := uuid.New()
	for i := 0; i < 5; i++ {
		_, err := rec.Record(context.Background(), EventParams{ProtocolID: protocolID, RunID: runID, Step: protocol.StepProgress})
		require.NoError(t, err)
	}

	require.Len(t, store.events, 5)
	assert.True(t, store.events[0].CreatedAt.After(stored))
	for i := 1; i < len(store.events); i++ {
		assert.True(t, store.events[i].CreatedAt.After(store.events[i-1].CreatedAt))
	}
}

func TestRecorder_ProtocolsAreIndependent(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := NewRecorder(&stubEventStore{}, WithRecorderClock(func() time.Time { return fixed }))

	a, err := rec.NewEvent(context.Background(), EventParams{ProtocolID: uuid.New(), Step: protocol.StepStarted})
	require.NoError(t, err)
	b, err := rec.NewEvent(context.Background(), EventParams{ProtocolID: uuid.New(), Step: protocol.StepStarted})
	require.NoError(t, err)

	assert.Equal(t, fixed, a.CreatedAt)
	assert.Equal(t, fixed, b.CreatedAt)
}

type stubTrackerRepo struct {
	protocol *protocol.Protocol
	events   []*protocol.ProgressEvent
}

func (r *stubTrackerRepo) GetProtocol(ctx context.Context, id uuid.UUID) (mo.Option[*protocol.Protocol], error) {
	if r.protocol == nil || r.protocol.ID != id {
		return mo.None[*protocol.Protocol](), nil
	}
	return mo.Some(r.protocol), nil
}

func (r *stubTrackerRepo) ListEvents(ctx context.Context, protocolID, runID uuid.UUID, limit int) ([]*protocol.ProgressEvent, error) {
	var out []*protocol.ProgressEvent
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestServiceGetStatus(t *testing.T) {
	owner := uuid.New()
	runID := uuid.New()
	base := &protocol.Protocol{ID: uuid.New(), OwnerID: owner}

	withStatus := func(status protocol.Status, msg string) *protocol.Protocol {
		p := *base
		p.Status = status
		p.ErrorMessage = msg
		p.CurrentRunID = &runID
		return &p
	}
	ev := func(step protocol.Step, msg string, progress, total *int) *protocol.ProgressEvent {
		return &protocol.ProgressEvent{ID: uuid.New(), ProtocolID: base.ID, RunID: runID, Step: step, Message: msg, Progress: progress, Total: total}
	}

	t.Run("未処理", func(t *testing.T) {
		p := *base
		p.Status = protocol.StatusCreated
		svc := NewService(&stubTrackerRepo{protocol: &p})

		report, err := svc.GetStatus(context.Background(), owner, p.ID)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusCreated, report.Status)
		assert.Empty(t, report.Events)
		assert.Nil(t, report.Percent)
	})

	t.Run("処理中の進捗", func(t *testing.T) {
		svc := NewService(&stubTrackerRepo{
			protocol: withStatus(protocol.StatusProcessing, ""),
			events: []*protocol.ProgressEvent{
				ev(protocol.StepStarted, "", nil, nil),
				ev(protocol.StepProgress, "", Int(2), Int(8)),
			},
		})

		report, err := svc.GetStatus(context.Background(), owner, base.ID)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusProcessing, report.Status)
		assert.False(t, report.IsTerminal())
		require.NotNil(t, report.Percent)
		assert.Equal(t, 25, *report.Percent)
	})

	t.Run("最後のイベントが終了ならそれを優先", func(t *testing.T) {
		svc := NewService(&stubTrackerRepo{
			protocol: withStatus(protocol.StatusProcessing, ""),
			events: []*protocol.ProgressEvent{
				ev(protocol.StepStarted, "", nil, nil),
				ev(protocol.StepError, "embedding backend unavailable", nil, nil),
			},
		})

		report, err := svc.GetStatus(context.Background(), owner, base.ID)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusError, report.Status)
		assert.Equal(t, "embedding backend unavailable", report.ErrorMessage)
	})

	t.Run("完了", func(t *testing.T) {
		svc := NewService(&stubTrackerRepo{
			protocol: withStatus(protocol.StatusCompleted, ""),
			events:   []*protocol.ProgressEvent{ev(protocol.StepDone, "", nil, nil)},
		})

		report, err := svc.GetStatus(context.Background(), owner, base.ID)
		require.NoError(t, err)
		assert.True(t, report.IsTerminal())
		assert.Equal(t, 100, *report.Percent)
	})

	t.Run("他の施術者", func(t *testing.T) {
		svc := NewService(&stubTrackerRepo{protocol: withStatus(protocol.StatusCompleted, "")})

		_, err := svc.GetStatus(context.Background(), uuid.New(), base.ID)
		assert.ErrorIs(t, err, protocol.ErrNotFound)
	})
}

type sequenceSource struct {
	reports []*Report
	calls   int
	err     error
}

func (s *sequenceSource) GetStatus(ctx context.Context, ownerID, protocolID uuid.UUID) (*Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := s.reports[min(s.calls, len(s.reports)-1)]
	s.calls++
	return r, nil
}

func TestPollerWait(t *testing.T) {
	running := &Report{Status: protocol.StatusProcessing}
	done := &Report{Status: protocol.StatusCompleted}

	t.Run("終了まで待つ", func(t *testing.T) {
		src := &sequenceSource{reports: []*Report{running, running, done}}
		var seen int
		p := &Poller{Source: src, Interval: time.Millisecond, Timeout: time.Second, OnReport: func(*Report) { seen++ }}

		report, err := p.Wait(context.Background(), uuid.New(), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusCompleted, report.Status)
		assert.Equal(t, 3, src.calls)
		assert.Equal(t, 3, seen)
	})

	t.Run("タイムアウト時は最後のレポートを返す", func(t *testing.T) {
		src := &sequenceSource{reports: []*Report{running}}
		p := &Poller{Source: src, Interval: 5 * time.Millisecond, Timeout: 20 * time.Millisecond}

		report, err := p.Wait(context.Background(), uuid.New(), uuid.New())
		assert.ErrorIs(t, err, ErrPollTimeout)
		require.NotNil(t, report)
		assert.Equal(t, protocol.StatusProcessing, report.Status)
	})

	t.Run("取得エラー", func(t *testing.T) {
		src := &sequenceSource{err: errors.New("boom")}
		p := &Poller{Source: src, Interval: time.Millisecond, Timeout: time.Second}

		_, err := p.Wait(context.Background(), uuid.New(), uuid.New())
		assert.Error(t, err)
	})
}
