package intake

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Upload はアップロードされたファイルを表す
type Upload struct {
	OriginalName string // 元のファイル名
	MimeType     string // 宣言された MIME タイプ
	Data         []byte // ファイル本体
}

// FileInfo はアップロードファイルの検証結果を表す
type FileInfo struct {
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	SizeHuman    string `json:"sizeHuman"`
	IsValidPDF   bool   `json:"isValidPdf"`
}

// PageText は抽出された1ページ分のテキスト
type PageText struct {
	Number int    // 1始まりのページ番号
	Text   string // 抽出テキスト
}

// Document は PDF から抽出されたテキストをページ単位で保持する
type Document struct {
	Pages []PageText
}

// PageCount はページ数を返す
func (d *Document) PageCount() int {
	if d == nil {
		return 0
	}
	return len(d.Pages)
}

// Text は全ページのテキストを連結して返す
func (d *Document) Text() string {
	if d == nil {
		return ""
	}
	parts := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

// TextLength は空白を除いた抽出テキストの文字数を返す
func (d *Document) TextLength() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, p := range d.Pages {
		n += utf8.RuneCountInString(strings.TrimSpace(p.Text))
	}
	return n
}

// HasText はいずれかのページにテキストがあるかを返す
func (d *Document) HasText() bool {
	if d == nil {
		return false
	}
	for _, p := range d.Pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// Classification は分類バックエンドからの提案
type Classification struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

// StepTiming は解析ステップごとの所要時間
type StepTiming struct {
	Step     string
	Duration time.Duration
}

// AnalysisResult は Analyze の結果（永続化前）
type AnalysisResult struct {
	File          FileInfo
	Category      string
	Description   string
	PageCount     int
	TextLength    int
	Timings       []StepTiming
	TotalDuration time.Duration

	// Document は抽出済みテキスト（呼び出し側が保存前レビューやステージングに利用する）
	Document *Document
}

// 解析ステップ名
const (
	StepValidation     = "validation"
	StepExtraction     = "extraction"
	StepClassification = "classification"
)
