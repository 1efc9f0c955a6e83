package chunk

import (
	"regexp"
	"strings"
)

// Page は分割対象のページ
type Page struct {
	Number int
	Text   string
}

// PageSpan は正規化済み文書内でのページの範囲 [Start, End)
type PageSpan struct {
	Number int
	Start  int
	End    int
}

// Document はページを正規化して連結した文書
type Document struct {
	Text  string
	Spans []PageSpan
}

// PageSeparator はページ間の区切り
const PageSeparator = "\n\n"

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00A0}\x{2000}-\x{200A}\x{202F}\x{3000}]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
	anySpace        = regexp.MustCompile(`\s+`)
)

// normalizePage は改行コードを統一し、連続する空白を1つにまとめる
func normalizePage(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = horizontalSpace.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, PageSeparator)

	return strings.TrimSpace(text)
}

// BuildDocument はページを正規化して1つの文書にまとめる
// テキストのないページは範囲を持たない
func BuildDocument(pages []Page) Document {
	var sb strings.Builder
	spans := make([]PageSpan, 0, len(pages))

	for _, p := range pages {
		text := normalizePage(p.Text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(PageSeparator)
		}
		start := sb.Len()
		sb.WriteString(text)
		spans = append(spans, PageSpan{Number: p.Number, Start: start, End: sb.Len()})
	}

	return Document{Text: sb.String(), Spans: spans}
}

// PageAt はオフセットを含むページ番号を返す
// ページ区切り上のオフセットは直後のページに属する
func (d Document) PageAt(offset int) int {
	if len(d.Spans) == 0 {
		return 0
	}
	for _, s := range d.Spans {
		if offset < s.End {
			return s.Number
		}
	}
	return d.Spans[len(d.Spans)-1].Number
}

// NormalizeWhitespace は全ての空白の連続を1つのスペースにまとめる
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(anySpace.ReplaceAllString(s, " "))
}
