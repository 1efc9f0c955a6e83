package ask

import (
	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/search"
)

// NoRelevantAnswer は関連する抜粋がない場合に返す固定の回答
const NoRelevantAnswer = "Aucun protocole pertinent n'a été trouvé pour cette question. " +
	"Reformulez la question ou vérifiez que les protocoles concernés ont bien été traités."

// Params は質問応答のパラメータ
type Params struct {
	OwnerID  uuid.UUID
	Question string
	Scope    search.Scope
	K        int
}

// Answer は質問応答の結果
type Answer struct {
	Text              string
	Structured        *Structured
	Sources           []SourceGroup // 引用された抜粋のみ
	NoRelevantContent bool
}

// Structured は回答に付随する要点と注意事項
type Structured struct {
	KeyPoints []string `json:"keyPoints"`
	Warnings  []string `json:"warnings"`
}

// SourceGroup はプロトコルごとの引用元
type SourceGroup struct {
	ProtocolID   uuid.UUID       `json:"protocolId"`
	ProtocolName string          `json:"protocolName"`
	FileURL      string          `json:"fileUrl"`
	Results      []SourceExcerpt `json:"results"`
}

// SourceExcerpt は引用された抜粋
type SourceExcerpt struct {
	ChunkID    uuid.UUID `json:"chunkId"`
	Excerpt    string    `json:"excerpt"`
	PageNumber int       `json:"pageNumber"`
	Score      float64   `json:"score"`
	Citation   int       `json:"citation"` // 回答中の [n] に対応する番号
}

// modelResponse は LLM に要求する JSON 応答
type modelResponse struct {
	Found     bool     `json:"found"`
	Answer    string   `json:"answer"`
	Citations []int    `json:"citations"`
	KeyPoints []string `json:"keyPoints"`
	Warnings  []string `json:"warnings"`
}

func noRelevantContent() *Answer {
	return &Answer{
		Text:              NoRelevantAnswer,
		Sources:           []SourceGroup{},
		NoRelevantContent: true,
	}
}
