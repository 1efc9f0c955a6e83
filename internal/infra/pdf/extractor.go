// Package pdf は PDF からページ単位のテキストを抽出するアダプタを提供する
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/ledongthuc/pdf"
)

// Extractor は github.com/ledongthuc/pdf を使用した intake.Extractor 実装
// ネットワークを使わず、同じ入力に対して常に同じ結果を返す
type Extractor struct {
	logger *slog.Logger
}

// Option は Extractor のオプション設定
type Option func(*Extractor)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExtractor は新しい Extractor を作成する
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract は PDF の各ページからテキストを抽出する
// 壊れた PDF や暗号化された PDF は intake.ErrExtractionFailed を返す
func (e *Extractor) Extract(ctx context.Context, data []byte) (doc *intake.Document, err error) {
	// パーサーは不正な入力で panic することがある
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("%w: pdf parser panic: %v", intake.ErrExtractionFailed, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", intake.ErrExtractionFailed, err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", intake.ErrExtractionFailed)
	}

	pages := make([]intake.PageText, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, intake.PageText{Number: i})
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", intake.ErrExtractionFailed, i, err)
		}

		pages = append(pages, intake.PageText{Number: i, Text: strings.TrimSpace(text)})
	}

	doc = &intake.Document{Pages: pages}
	e.logger.Debug("PDFからテキストを抽出しました",
		"pages", doc.PageCount(),
		"textLength", doc.TextLength(),
	)

	return doc, nil
}

// インターフェース実装の確認
var _ intake.Extractor = (*Extractor)(nil)
