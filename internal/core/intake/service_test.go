package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	doc    *Document
	err    error
	called bool
}

func (e *stubExtractor) Extract(ctx context.Context, data []byte) (*Document, error) {
	e.called = true
	return e.doc, e.err
}

type stubClassifier struct {
	result   Classification
	err      error
	lastText string
}

func (c *stubClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	c.lastText = text
	return c.result, c.err
}

func newTestService(ext Extractor, cls Classifier, opts ...Option) *Service {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewService(ext, cls, opts...)
}

func validUpload() Upload {
	return Upload{OriginalName: "protocole.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.4 body")}
}

func TestServiceAnalyze_Success(t *testing.T) {
	ext := &stubExtractor{doc: &Document{Pages: []PageText{
		{Number: 1, Text: "Hémorragie du post-partum"},
		{Number: 2, Text: "Conduite à tenir"},
	}}}
	cls := &stubClassifier{result: Classification{Category: "Post-partum", Description: "Prise en charge de l'HPP"}}

	res, err := newTestService(ext, cls).Analyze(context.Background(), validUpload())
	require.NoError(t, err)

	assert.Equal(t, "Post-partum", res.Category)
	assert.Equal(t, "Prise en charge de l'HPP", res.Description)
	assert.Equal(t, 2, res.PageCount)
	assert.Greater(t, res.TextLength, 0)
	assert.True(t, res.File.IsValidPDF)
	require.Len(t, res.Timings, 3)
	assert.Equal(t, StepValidation, res.Timings[0].Step)
	assert.Equal(t, StepExtraction, res.Timings[1].Step)
	assert.Equal(t, StepClassification, res.Timings[2].Step)
	assert.NotNil(t, res.Document)
}

func TestServiceAnalyze_InvalidDocumentSkipsExtraction(t *testing.T) {
	ext := &stubExtractor{}
	upload := validUpload()
	upload.MimeType = "image/png"

	_, err := newTestService(ext, &stubClassifier{}).Analyze(context.Background(), upload)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDocument)
	assert.False(t, ext.called)
}

func TestServiceAnalyze_ExtractionFailures(t *testing.T) {
	tests := []struct {
		name string
		ext  *stubExtractor
	}{
		{name: "抽出エラー", ext: &stubExtractor{err: errors.New("corrupt xref")}},
		{name: "ページなし", ext: &stubExtractor{doc: &Document{}}},
		{name: "テキストなし", ext: &stubExtractor{doc: &Document{Pages: []PageText{{Number: 1, Text: "  \n"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestService(tt.ext, &stubClassifier{}).Analyze(context.Background(), validUpload())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExtractionFailed)
		})
	}
}

func TestServiceAnalyze_ClassifierErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "レート制限", err: fmt.Errorf("wrap: %w", llm.ErrRateLimited), wantErr: ErrQuotaExceeded},
		{name: "一時障害", err: fmt.Errorf("wrap: %w", llm.ErrUnavailable), wantErr: ErrClassifierUnavailable},
		{name: "不正応答", err: fmt.Errorf("wrap: %w", llm.ErrInvalidResponse), wantErr: ErrClassifierUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := &stubExtractor{doc: &Document{Pages: []PageText{{Number: 1, Text: "texte"}}}}
			_, err := newTestService(ext, &stubClassifier{err: tt.err}).Analyze(context.Background(), validUpload())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestServiceAnalyze_DefaultsAndTruncation(t *testing.T) {
	ext := &stubExtractor{doc: &Document{Pages: []PageText{{Number: 1, Text: "éééééééééé"}}}}
	cls := &stubClassifier{result: Classification{Category: ""}}

	res, err := newTestService(ext, cls, WithClassifierMaxChars(4)).Analyze(context.Background(), validUpload())
	require.NoError(t, err)

	assert.Equal(t, DefaultCategory, res.Category)
	assert.Equal(t, "éééé", cls.lastText)
}
