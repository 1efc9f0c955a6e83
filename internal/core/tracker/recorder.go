package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/samber/mo"
)

// timestampResolution はイベント時刻の精度（PostgreSQL の timestamptz と同じ）
const timestampResolution = time.Microsecond

// EventStore はイベントの追記と最終時刻の取得
type EventStore interface {
	AppendEvent(ctx context.Context, event *protocol.ProgressEvent) error
	LastEventTime(ctx context.Context, protocolID uuid.UUID) (mo.Option[time.Time], error)
}

// Recorder はプロトコルごとに時刻が厳密に増加する進捗イベントを生成する
type Recorder struct {
	store EventStore
	now   func() time.Time

	mu   sync.Mutex
	last map[uuid.UUID]time.Time
}

// RecorderOption は Recorder のオプション設定
type RecorderOption func(*Recorder)

// WithRecorderClock は現在時刻の取得関数を差し替える
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder は新しい Recorder を作成する
func NewRecorder(store EventStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store: store,
		now:   time.Now,
		last:  make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EventParams はイベント生成のパラメータ
type EventParams struct {
	ProtocolID uuid.UUID
	RunID      uuid.UUID
	Step       protocol.Step
	Message    string
	Progress   *int
	Total      *int
}

// NewEvent は保存せずにイベントを生成する
// 生成した時刻は以降のイベントの下限となる
func (r *Recorder) NewEvent(ctx context.Context, params EventParams) (*protocol.ProgressEvent, error) {
	ts, err := r.nextTimestamp(ctx, params.ProtocolID)
	if err != nil {
		return nil, err
	}
	return &protocol.ProgressEvent{
		ID:         uuid.New(),
		ProtocolID: params.ProtocolID,
		RunID:      params.RunID,
		Step:       params.Step,
		Message:    params.Message,
		Progress:   params.Progress,
		Total:      params.Total,
		CreatedAt:  ts,
	}, nil
}

// Record はイベントを生成して追記する
func (r *Recorder) Record(ctx context.Context, params EventParams) (*protocol.ProgressEvent, error) {
	event, err := r.NewEvent(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return event, nil
}

// Forget はプロトコルの時刻キャッシュを破棄する（削除時など）
func (r *Recorder) Forget(protocolID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, protocolID)
}

func (r *Recorder) nextTimestamp(ctx context.Context, protocolID uuid.UUID) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.last[protocolID]
	if !ok {
		stored, err := r.store.LastEventTime(ctx, protocolID)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to get last event time: %w", err)
		}
		last = stored.OrEmpty()
	}

	ts := r.now().UTC().Truncate(timestampResolution)
	if !ts.After(last) {
		ts = last.Add(timestampResolution)
	}
	r.last[protocolID] = ts
	return ts, nil
}

// Int は進捗値用のポインタを返す
func Int(v int) *int {
	return &v
}
