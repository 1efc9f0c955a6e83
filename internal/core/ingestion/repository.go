package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/samber/mo"
)

// Repository はチャンク化・埋め込み処理に必要なデータアクセス
// テスト時のモック用に消費者側で定義
type Repository interface {
	GetProtocol(ctx context.Context, id uuid.UUID) (mo.Option[*protocol.Protocol], error)
	ListPages(ctx context.Context, protocolID uuid.UUID) ([]*protocol.Page, error)
	ListChunks(ctx context.Context, protocolID uuid.UUID) ([]*protocol.Chunk, error)

	ClaimRun(ctx context.Context, protocolID uuid.UUID, runID uuid.UUID, started *protocol.ProgressEvent) (*protocol.ClaimResult, error)
	TransitionRun(ctx context.Context, protocolID, runID uuid.UUID, from, to protocol.Status) error
	CompleteRun(ctx context.Context, protocolID uuid.UUID, completion protocol.RunCompletion) error
	FailRun(ctx context.Context, protocolID uuid.UUID, failure protocol.RunFailure) error
	MarkInterruptedRuns(ctx context.Context, message string) (int, error)

	AppendEvent(ctx context.Context, event *protocol.ProgressEvent) error
	LastEventTime(ctx context.Context, protocolID uuid.UUID) (mo.Option[time.Time], error)
}
