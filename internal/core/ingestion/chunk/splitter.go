package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Segment は分割後の本文断片
type Segment struct {
	Sequence    int
	Text        string
	StartOffset int // 正規化済み文書内のバイトオフセット
	EndOffset   int
	PageNumber  int // 先頭文字のページ
	PageEnd     int // 末尾文字のページ
	TokenCount  int
	ContentHash string
}

// unit は分割の最小単位（行、または長すぎる行を語境界で分けたもの）
type unit struct {
	start, end int
	tokens     int
}

// Splitter は文書をトークン数に基づいて重なりのある断片に分割する
type Splitter struct {
	counter TokenCounter
	cfg     Config
}

// NewSplitter は新しい Splitter を作成する
func NewSplitter(counter TokenCounter, cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{counter: counter, cfg: cfg}, nil
}

// Config は設定を返す
func (s *Splitter) Config() Config {
	return s.cfg
}

// Split はページ群を断片に分割する
// 断片は読み順に連続し、直前との重なりは OverlapTokens 以内に収まる
func (s *Splitter) Split(pages []Page) (Document, []Segment) {
	doc := BuildDocument(pages)
	units := s.buildUnits(doc.Text)
	if len(units) == 0 {
		return doc, nil
	}

	type span struct{ first, last int }
	var spans []span

	first := 0
	prevLast := -1
	for first < len(units) {
		// 新しい単位を少なくとも1つ含める
		last := max(first, prevLast+1)
		if first < last && s.sumTokens(units, first, last) > s.cfg.MaxTokens {
			first = last
		}
		tokens := s.sumTokens(units, first, last)
		for last+1 < len(units) && tokens+units[last+1].tokens <= s.cfg.TargetTokens {
			last++
			tokens += units[last].tokens
		}
		spans = append(spans, span{first: first, last: last})

		if last == len(units)-1 {
			break
		}

		// 末尾から OverlapTokens に収まる範囲を次の断片の先頭に含める
		next := last + 1
		overlap := 0
		for k := last; k > first; k-- {
			overlap += units[k].tokens
			if overlap > s.cfg.OverlapTokens {
				break
			}
			next = k
		}
		prevLast = last
		first = next
	}

	// 小さすぎる末尾は直前の断片に統合する
	if n := len(spans); n >= 2 {
		tail := spans[n-1]
		if s.sumTokens(units, tail.first, tail.last) < s.cfg.MinTokens &&
			s.sumTokens(units, spans[n-2].first, tail.last) <= s.cfg.MaxTokens {
			spans[n-2].last = tail.last
			spans = spans[:n-1]
		}
	}

	segments := make([]Segment, 0, len(spans))
	for i, sp := range spans {
		start := units[sp.first].start
		end := units[sp.last].end
		text := doc.Text[start:end]
		segments = append(segments, Segment{
			Sequence:    i,
			Text:        text,
			StartOffset: start,
			EndOffset:   end,
			PageNumber:  doc.PageAt(start),
			PageEnd:     doc.PageAt(end - 1),
			TokenCount:  s.counter.Count(text),
			ContentHash: ContentHash(text),
		})
	}

	return doc, segments
}

func (s *Splitter) sumTokens(units []unit, first, last int) int {
	total := 0
	for i := first; i <= last; i++ {
		total += units[i].tokens
	}
	return total
}

// buildUnits は文書を行単位に分け、TargetTokens を超える行は語境界で分割する
func (s *Splitter) buildUnits(text string) []unit {
	var units []unit

	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		lineStart := offset
		offset += len(line)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		start := lineStart + strings.Index(line, trimmed)
		end := start + len(trimmed)

		tokens := s.counter.Count(trimmed)
		if tokens <= s.cfg.TargetTokens {
			units = append(units, unit{start: start, end: end, tokens: tokens})
			continue
		}
		units = append(units, s.splitLongLine(text, start, end)...)
	}

	return units
}

// splitLongLine は長い行を語の境界で TargetTokens 以下の単位に分割する
// 1語で TargetTokens を超える場合はその語を単独の単位とする
func (s *Splitter) splitLongLine(text string, start, end int) []unit {
	type word struct{ start, end, tokens int }
	var words []word

	i := start
	for i < end {
		for i < end && text[i] == ' ' {
			i++
		}
		if i >= end {
			break
		}
		j := i
		for j < end && text[j] != ' ' {
			j++
		}
		words = append(words, word{start: i, end: j, tokens: s.counter.Count(text[i:j])})
		i = j
	}

	var units []unit
	cur := unit{start: -1}
	for _, w := range words {
		if cur.start >= 0 && cur.tokens+w.tokens > s.cfg.TargetTokens {
			units = append(units, cur)
			cur = unit{start: -1}
		}
		if cur.start < 0 {
			cur.start = w.start
		}
		cur.end = w.end
		cur.tokens += w.tokens
	}
	if cur.start >= 0 {
		units = append(units, cur)
	}
	return units
}

// ContentHash はテキストの SHA-256 ハッシュを16進文字列で返す
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Reassemble は断片をオフセットに基づいて重なりを除いて連結する
// 結果は NormalizeWhitespace を適用した元の文書と一致する
func Reassemble(segments []Segment) string {
	var parts []string
	covered := 0
	for _, seg := range segments {
		text := seg.Text
		if seg.StartOffset < covered {
			skip := covered - seg.StartOffset
			if skip >= len(text) {
				continue
			}
			text = text[skip:]
		}
		parts = append(parts, text)
		if seg.EndOffset > covered {
			covered = seg.EndOffset
		}
	}
	return NormalizeWhitespace(strings.Join(parts, " "))
}
