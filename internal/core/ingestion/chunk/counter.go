package chunk

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter はテキストのトークン数を数える
type TokenCounter interface {
	Count(text string) int
}

// DefaultEncoding は OpenAI の text-embedding-3 系と互換のエンコーディング
const DefaultEncoding = "cl100k_base"

// TiktokenCounter は tiktoken によるトークンカウンタ
type TiktokenCounter struct {
	encoder *tiktoken.Tiktoken
}

// NewTiktokenCounter は指定エンコーディングの TiktokenCounter を作成する
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	encoder, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}
	return &TiktokenCounter{encoder: encoder}, nil
}

// Count はトークン数を返す
func (c *TiktokenCounter) Count(text string) int {
	return len(c.encoder.Encode(text, nil, nil))
}

// WordCounter は空白区切りの語数をトークン数とみなす簡易カウンタ
type WordCounter struct{}

// Count は語数を返す
func (WordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

var (
	_ TokenCounter = (*TiktokenCounter)(nil)
	_ TokenCounter = WordCounter{}
)
