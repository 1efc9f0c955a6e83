package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSplitter(t *testing.T, cfg Config) *Splitter {
	t.Helper()
	s, err := NewSplitter(WordCounter{}, cfg)
	require.NoError(t, err)
	return s
}

// linesOf は words 語ずつの行を n 行生成する
func linesOf(prefix string, n, words int) string {
	lines := make([]string, 0, n)
	w := 0
	for i := 0; i < n; i++ {
		parts := make([]string, 0, words)
		for j := 0; j < words; j++ {
			parts = append(parts, fmt.Sprintf("%s%d", prefix, w))
			w++
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	return strings.Join(lines, "\n")
}

func TestSplitter_OverlapBoundedAndContiguous(t *testing.T) {
	cfg := Config{TargetTokens: 10, OverlapTokens: 3, MaxTokens: 20, MinTokens: 2}
	s := newTestSplitter(t, cfg)

	pages := []Page{
		{Number: 1, Text: linesOf("a", 10, 2)},
		{Number: 2, Text: linesOf("b", 6, 2)},
	}
	doc, segments := s.Split(pages)
	require.Greater(t, len(segments), 2)

	for i, seg := range segments {
		assert.Equal(t, i, seg.Sequence)
		assert.Equal(t, doc.Text[seg.StartOffset:seg.EndOffset], seg.Text)
		assert.LessOrEqual(t, seg.TokenCount, cfg.MaxTokens)
		assert.NotEmpty(t, seg.ContentHash)

		if i == 0 {
			assert.Equal(t, 0, seg.StartOffset)
			continue
		}
		prev := segments[i-1]
		assert.Greater(t, seg.StartOffset, prev.StartOffset)
		assert.Greater(t, seg.EndOffset, prev.EndOffset)
		// 隙間なく、重なりは OverlapTokens 以内
		require.LessOrEqual(t, seg.StartOffset, prev.EndOffset)
		overlap := WordCounter{}.Count(doc.Text[seg.StartOffset:prev.EndOffset])
		assert.LessOrEqual(t, overlap, cfg.OverlapTokens)
	}

	// 2語の行のため1行分（2トークン）が重なる
	assert.Equal(t, 2, WordCounter{}.Count(doc.Text[segments[1].StartOffset:segments[0].EndOffset]))
	assert.Equal(t, len(doc.Text), segments[len(segments)-1].EndOffset)
}

func TestSplitter_PageAttribution(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: "alpha beta"},
		{Number: 2, Text: "gamma delta"},
	}

	t.Run("ページごとに分割", func(t *testing.T) {
		s := newTestSplitter(t, Config{TargetTokens: 3, OverlapTokens: 0, MaxTokens: 6, MinTokens: 0})
		_, segments := s.Split(pages)
		require.Len(t, segments, 2)
		assert.Equal(t, 1, segments[0].PageNumber)
		assert.Equal(t, 1, segments[0].PageEnd)
		assert.Equal(t, 2, segments[1].PageNumber)
		assert.Equal(t, 2, segments[1].PageEnd)
	})

	t.Run("ページをまたぐ断片", func(t *testing.T) {
		s := newTestSplitter(t, Config{TargetTokens: 10, OverlapTokens: 0, MaxTokens: 10, MinTokens: 0})
		_, segments := s.Split(pages)
		require.Len(t, segments, 1)
		assert.Equal(t, 1, segments[0].PageNumber)
		assert.Equal(t, 2, segments[0].PageEnd)
		assert.Equal(t, "alpha beta\n\ngamma delta", segments[0].Text)
	})

	t.Run("空ページは飛ばす", func(t *testing.T) {
		s := newTestSplitter(t, Config{TargetTokens: 3, OverlapTokens: 0, MaxTokens: 6, MinTokens: 0})
		_, segments := s.Split([]Page{
			{Number: 1, Text: "  "},
			{Number: 2, Text: "alpha beta"},
			{Number: 3, Text: ""},
			{Number: 4, Text: "gamma delta"},
		})
		require.Len(t, segments, 2)
		assert.Equal(t, 2, segments[0].PageNumber)
		assert.Equal(t, 4, segments[1].PageNumber)
	})
}

func TestSplitter_LongLineSplitAtWords(t *testing.T) {
	s := newTestSplitter(t, Config{TargetTokens: 10, OverlapTokens: 0, MaxTokens: 20, MinTokens: 2})

	_, segments := s.Split([]Page{{Number: 1, Text: linesOf("w", 1, 25)}})
	require.Len(t, segments, 3)
	assert.Equal(t, 10, segments[0].TokenCount)
	assert.Equal(t, 10, segments[1].TokenCount)
	assert.Equal(t, 5, segments[2].TokenCount)
	assert.True(t, strings.HasPrefix(segments[1].Text, "w10 "))
}

func TestSplitter_SmallTailMerged(t *testing.T) {
	s := newTestSplitter(t, Config{TargetTokens: 10, OverlapTokens: 0, MaxTokens: 20, MinTokens: 3})

	_, segments := s.Split([]Page{{Number: 1, Text: linesOf("w", 11, 1)}})
	require.Len(t, segments, 1)
	assert.Equal(t, 11, segments[0].TokenCount)
}

func TestSplitter_EmptyDocument(t *testing.T) {
	s := newTestSplitter(t, DefaultConfig())

	doc, segments := s.Split([]Page{{Number: 1, Text: " \n\t "}})
	assert.Empty(t, doc.Text)
	assert.Empty(t, segments)
}

func TestSplitter_Deterministic(t *testing.T) {
	s := newTestSplitter(t, Config{TargetTokens: 7, OverlapTokens: 2, MaxTokens: 14, MinTokens: 2})
	pages := []Page{{Number: 1, Text: linesOf("x", 9, 3)}, {Number: 2, Text: linesOf("y", 4, 5)}}

	_, first := s.Split(pages)
	_, second := s.Split(pages)
	assert.Equal(t, first, second)
}

func TestSplitter_RoundTrip(t *testing.T) {
	configs := []Config{
		{TargetTokens: 5, OverlapTokens: 0, MaxTokens: 5, MinTokens: 0},
		{TargetTokens: 8, OverlapTokens: 3, MaxTokens: 16, MinTokens: 2},
		{TargetTokens: 20, OverlapTokens: 6, MaxTokens: 40, MinTokens: 5},
		DefaultConfig(),
	}
	documents := [][]Page{
		{{Number: 1, Text: linesOf("p", 30, 3)}},
		{{Number: 1, Text: linesOf("a", 7, 1)}, {Number: 2, Text: linesOf("b", 3, 12)}, {Number: 3, Text: linesOf("c", 2, 40)}},
		{{Number: 1, Text: "Sage-femme :\tsurveillance\r\n\r\n\r\ntension  artérielle"}, {Number: 2, Text: "Post-partum\n immédiat"}},
	}

	for ci, cfg := range configs {
		for di, pages := range documents {
			t.Run(fmt.Sprintf("config%d/doc%d", ci, di), func(t *testing.T) {
				s := newTestSplitter(t, cfg)
				doc, segments := s.Split(pages)
				require.NotEmpty(t, segments)

				assert.Equal(t, NormalizeWhitespace(doc.Text), Reassemble(segments))
				for _, seg := range segments {
					assert.GreaterOrEqual(t, seg.PageNumber, 1)
					assert.LessOrEqual(t, seg.PageNumber, seg.PageEnd)
					assert.LessOrEqual(t, seg.PageEnd, len(pages))
				}
			})
		}
	}
}

func TestBuildDocument_Normalizes(t *testing.T) {
	doc := BuildDocument([]Page{
		{Number: 1, Text: "  a\t\tb \r\nc  d\n\n\n\ne  "},
		{Number: 2, Text: "f"},
	})

	assert.Equal(t, "a b\nc d\n\ne\n\nf", doc.Text)
	require.Len(t, doc.Spans, 2)
	assert.Equal(t, 1, doc.PageAt(0))
	assert.Equal(t, 2, doc.PageAt(len(doc.Text)-1))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "デフォルト", cfg: DefaultConfig()},
		{name: "目標が0", cfg: Config{TargetTokens: 0, MaxTokens: 10}, wantErr: true},
		{name: "オーバーラップが目標以上", cfg: Config{TargetTokens: 10, OverlapTokens: 10, MaxTokens: 20}, wantErr: true},
		{name: "最大が目標未満", cfg: Config{TargetTokens: 10, OverlapTokens: 2, MaxTokens: 5}, wantErr: true},
		{name: "最小が目標以上", cfg: Config{TargetTokens: 10, OverlapTokens: 2, MaxTokens: 20, MinTokens: 10}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
