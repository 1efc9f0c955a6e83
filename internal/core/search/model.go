package search

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope は検索対象のプロトコル範囲（ProtocolIDs が空なら全件）
type Scope struct {
	ProtocolIDs []uuid.UUID
}

// IsAll は全プロトコルが対象かを返す
func (s Scope) IsAll() bool {
	return len(s.ProtocolIDs) == 0
}

// Params は検索パラメータ
type Params struct {
	OwnerID  uuid.UUID
	Query    string
	Scope    Scope
	K        int      // 返すヒット数の上限（0 ならデフォルト）
	MinScore *float64 // 類似度の下限（nil ならデフォルト）
}

// Hit はベクトル検索でヒットしたチャンク
type Hit struct {
	ChunkID      uuid.UUID `json:"chunkId"`
	ProtocolID   uuid.UUID `json:"protocolId"`
	ProtocolName string    `json:"protocolName"`
	Sequence     int       `json:"sequence"`
	PageNumber   int       `json:"pageNumber"`
	PageEnd      int       `json:"pageEnd"`
	Excerpt      string    `json:"excerpt"`
	Score        float64   `json:"score"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Group はプロトコル単位にまとめたヒット
type Group struct {
	ProtocolID   uuid.UUID `json:"protocolId"`
	ProtocolName string    `json:"protocolName"`
	FileURL      string    `json:"fileUrl"`
	Results      []*Hit    `json:"results"`
}

// BestScore はグループ内の最高スコアを返す
func (g *Group) BestScore() float64 {
	if len(g.Results) == 0 {
		return 0
	}
	return g.Results[0].Score
}

// Result は検索結果
type Result struct {
	Hits   []*Hit   // スコア順のヒット
	Groups []*Group // 最良ヒットの順に並んだプロトコルごとのグループ
}

// IsEmpty はヒットがないかを返す
func (r *Result) IsEmpty() bool {
	return r == nil || len(r.Hits) == 0
}

// Query はリポジトリに渡すベクトル検索条件
type Query struct {
	OwnerID     uuid.UUID
	Vector      []float32
	ProtocolIDs []uuid.UUID // 空なら全件
	MinScore    float64
	Limit       int
}

// FileURL はプロトコルの元ファイルの URL を返す
func FileURL(protocolID uuid.UUID) string {
	return fmt.Sprintf("/protocols/%s/file", protocolID)
}
