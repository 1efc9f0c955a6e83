package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Protocol は施術者がアップロードした臨床プロトコル文書を表す
type Protocol struct {
	ID               uuid.UUID
	OwnerID          uuid.UUID // 所有する施術者
	Name             string
	Category         string
	Description      string
	OriginalFilename string
	StoredFile       string // ファイルストアのキー
	PageCount        int
	Status           Status
	ErrorMessage     string
	ActiveRunID      *uuid.UUID // 検索対象となるチャンクを生成した実行
	CurrentRunID     *uuid.UUID // 実行中または直近の実行
	ChunkCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsSearchable は検索対象になり得るかを返す
func (p *Protocol) IsSearchable() bool {
	return p.Status == StatusCompleted && p.ActiveRunID != nil
}

// Page は抽出されたページ単位のテキスト
type Page struct {
	ProtocolID uuid.UUID
	Number     int // 1始まり
	Text       string
}

// Chunk は埋め込み済みの本文断片
type Chunk struct {
	ID             uuid.UUID
	ProtocolID     uuid.UUID
	RunID          uuid.UUID
	Sequence       int // 0始まり、文書内の順序
	PageNumber     int // 先頭文字のページ
	PageEnd        int // 末尾文字のページ
	StartOffset    int // 正規化済み文書内のバイトオフセット
	EndOffset      int
	Text           string
	Embedding      []float32
	EmbeddingModel string
	ContentHash    string
	TokenCount     int
	CreatedAt      time.Time
}

// Step は進捗イベントの種別
type Step string

const (
	StepStarted   Step = "started"
	StepAnalyzing Step = "analyzing"
	StepChunking  Step = "chunking"
	StepProgress  Step = "progress"
	StepSaving    Step = "saving"
	StepDone      Step = "done"
	StepError     Step = "error"
)

// IsTerminal は実行の終了を表すステップかを返す
func (s Step) IsTerminal() bool {
	return s == StepDone || s == StepError
}

// ProgressEvent は処理の進捗を表す追記専用のイベント
type ProgressEvent struct {
	ID         uuid.UUID
	ProtocolID uuid.UUID
	RunID      uuid.UUID
	Step       Step
	Message    string
	Progress   *int
	Total      *int
	CreatedAt  time.Time
}

// MetadataUpdate は施術者が編集できる項目（nil は変更なし）
type MetadataUpdate struct {
	Name        *string
	Category    *string
	Description *string
}

// IsEmpty は変更項目がないかを返す
func (u MetadataUpdate) IsEmpty() bool {
	return u.Name == nil && u.Category == nil && u.Description == nil
}

// RunCompletion は実行完了時に一括で書き込む内容
type RunCompletion struct {
	RunID  uuid.UUID
	Chunks []*Chunk
	Event  *ProgressEvent // done イベント
}

// RunFailure は実行失敗時に一括で書き込む内容
type RunFailure struct {
	RunID   uuid.UUID
	Message string
	Event   *ProgressEvent // error イベント
}
