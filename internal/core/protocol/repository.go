package protocol

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// ClaimResult は ClaimRun の結果
type ClaimResult struct {
	Protocol *Protocol // 更新後（または現在）のレコード
	RunID    uuid.UUID // 新しい実行、または進行中の実行
	Claimed  bool      // false の場合は既に実行中
}

// Repository はプロトコル関連の全データアクセスを統合するインターフェース
// テスト時のモック用に消費者側で定義
type Repository interface {
	// Protocol
	CreateProtocol(ctx context.Context, p *Protocol, pages []*Page) error
	GetProtocol(ctx context.Context, id uuid.UUID) (mo.Option[*Protocol], error)
	ListProtocols(ctx context.Context, ownerID uuid.UUID) ([]*Protocol, error)
	UpdateMetadata(ctx context.Context, id uuid.UUID, update MetadataUpdate) (*Protocol, error)
	DeleteProtocol(ctx context.Context, id uuid.UUID) error

	// Page
	ListPages(ctx context.Context, protocolID uuid.UUID) ([]*Page, error)

	// Run
	// ClaimRun は実行中でなければ analyzing に遷移させ新しい実行 ID を割り当てる（原子的）
	ClaimRun(ctx context.Context, protocolID uuid.UUID, runID uuid.UUID, started *ProgressEvent) (*ClaimResult, error)
	// TransitionRun は runID が現在の実行である場合のみ状態を遷移させる
	TransitionRun(ctx context.Context, protocolID, runID uuid.UUID, from, to Status) error
	// CompleteRun はチャンクの入れ替えと completed への遷移を1トランザクションで行う
	CompleteRun(ctx context.Context, protocolID uuid.UUID, completion RunCompletion) error
	// FailRun は error への遷移とエラーイベントの追記を1トランザクションで行う
	FailRun(ctx context.Context, protocolID uuid.UUID, failure RunFailure) error
	// MarkInterruptedRuns は実行中のまま残った実行を error にする（起動時の復旧用）
	MarkInterruptedRuns(ctx context.Context, message string) (int, error)

	// Event
	AppendEvent(ctx context.Context, event *ProgressEvent) error
	ListEvents(ctx context.Context, protocolID, runID uuid.UUID, limit int) ([]*ProgressEvent, error)
	LastEventTime(ctx context.Context, protocolID uuid.UUID) (mo.Option[time.Time], error)

	// Chunk
	ListChunks(ctx context.Context, protocolID uuid.UUID) ([]*Chunk, error)
}

// FileStore はアップロードファイルの保存先を抽象化するインターフェース
type FileStore interface {
	// Read はキーに対応するファイル内容を返す
	Read(ctx context.Context, key string) ([]byte, error)
	// Promote はステージング中のファイルを永続領域へ移し、新しいキーを返す
	Promote(ctx context.Context, stagedKey string) (string, error)
	// Open は配信用にファイルを開く
	Open(ctx context.Context, key string) (File, error)
	// Remove はファイルを削除する（存在しない場合はエラーにしない）
	Remove(ctx context.Context, key string) error
}

// File は配信用に開かれたファイル
type File interface {
	io.ReadSeekCloser
	ModTime() time.Time
}
