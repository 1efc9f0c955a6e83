package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/protocol-rag/internal/core/llm"
)

// DefaultClassifierMaxChars は分類に渡すテキストの最大文字数
const DefaultClassifierMaxChars = 12000

// Service はアップロードの検証・抽出・分類を行う
// 永続化は行わない
type Service struct {
	extractor  Extractor
	classifier Classifier
	maxBytes   int64
	maxChars   int
	logger     *slog.Logger
	now        func() time.Time
}

// Option は Service のオプション設定
type Option func(*Service)

// WithMaxUploadBytes はアップロードサイズ上限を設定する
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithClassifierMaxChars は分類に渡すテキストの最大文字数を設定する
func WithClassifierMaxChars(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService は新しい Service を作成する
func NewService(extractor Extractor, classifier Classifier, opts ...Option) *Service {
	s := &Service{
		extractor:  extractor,
		classifier: classifier,
		maxBytes:   DefaultMaxUploadBytes,
		maxChars:   DefaultClassifierMaxChars,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze はアップロードを検証し、テキスト抽出と分類を行う
func (s *Service) Analyze(ctx context.Context, upload Upload) (*AnalysisResult, error) {
	start := s.now()
	result := &AnalysisResult{}

	// 1. 検証（抽出より前に失敗させる）
	stepStart := s.now()
	info, err := Validate(upload, s.maxBytes)
	result.File = info
	if err != nil {
		s.logger.Warn("アップロードの検証に失敗しました", "file", upload.OriginalName, "error", err)
		return nil, err
	}
	result.Timings = append(result.Timings, StepTiming{Step: StepValidation, Duration: s.now().Sub(stepStart)})

	// 2. テキスト抽出
	stepStart = s.now()
	doc, err := s.extractor.Extract(ctx, upload.Data)
	if err != nil {
		s.logger.Warn("テキスト抽出に失敗しました", "file", upload.OriginalName, "error", err)
		if errors.Is(err, ErrExtractionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if doc.PageCount() == 0 || !doc.HasText() {
		return nil, fmt.Errorf("%w: no extractable text", ErrExtractionFailed)
	}
	result.Document = doc
	result.PageCount = doc.PageCount()
	result.TextLength = doc.TextLength()
	result.Timings = append(result.Timings, StepTiming{Step: StepExtraction, Duration: s.now().Sub(stepStart)})

	// 3. 分類
	stepStart = s.now()
	classification, err := s.classifier.Classify(ctx, truncateRunes(doc.Text(), s.maxChars))
	if err != nil {
		s.logger.Warn("分類に失敗しました", "file", upload.OriginalName, "error", err)
		return nil, classifyError(err)
	}
	result.Category = classification.Category
	if result.Category == "" {
		result.Category = DefaultCategory
	}
	result.Description = classification.Description
	result.Timings = append(result.Timings, StepTiming{Step: StepClassification, Duration: s.now().Sub(stepStart)})

	result.TotalDuration = s.now().Sub(start)

	s.logger.Info("アップロードの解析が完了しました",
		"file", upload.OriginalName,
		"pages", result.PageCount,
		"textLength", result.TextLength,
		"category", result.Category,
		"duration", result.TotalDuration,
	)
	for _, t := range result.Timings {
		s.logger.Debug("解析ステップ", "step", t.Step, "duration", t.Duration)
	}

	return result, nil
}

// classifyError は分類バックエンドのエラーを呼び出し側向けのエラーに変換する
func classifyError(err error) error {
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		// 一時障害・不正応答はいずれもファイルを変えずに再試行できる
		return fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
}
