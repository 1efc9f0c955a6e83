package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/samber/mo"
)

// DefaultCategory はカテゴリ未指定時の値
const DefaultCategory = intake.DefaultCategory

// CreateParams はプロトコル作成のパラメータ
type CreateParams struct {
	OwnerID          uuid.UUID
	Name             string
	Category         string
	Description      string
	StoredFile       string // ステージング済みファイルのキー
	OriginalFilename string
}

// Service はプロトコルレコードの作成・参照・編集・削除を提供する
type Service struct {
	repo      Repository
	files     FileStore
	extractor intake.Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService は新しい Service を作成する
func NewService(repo Repository, files FileStore, extractor intake.Extractor, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		files:     files,
		extractor: extractor,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Getter は ID によるプロトコル取得
type Getter interface {
	GetProtocol(ctx context.Context, id uuid.UUID) (mo.Option[*Protocol], error)
}

// FindOwned は施術者が所有するプロトコルを返す
// 他の施術者のプロトコルは存在しないものとして扱う
func FindOwned(ctx context.Context, repo Getter, ownerID, id uuid.UUID) (*Protocol, error) {
	opt, err := repo.GetProtocol(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get protocol: %w", err)
	}
	p, ok := opt.Get()
	if !ok || p.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Create はステージング済みファイルからプロトコルを作成する
// ページは同じ抽出器で再抽出し、レコードと同一トランザクションで保存する
func (s *Service) Create(ctx context.Context, params CreateParams) (*Protocol, error) {
	name := strings.TrimSpace(params.Name)
	switch {
	case params.OwnerID == uuid.Nil:
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	case name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	case params.StoredFile == "":
		return nil, fmt.Errorf("%w: stored file is required", ErrInvalidInput)
	}

	data, err := s.files.Read(ctx, params.StoredFile)
	if err != nil {
		return nil, fmt.Errorf("%w: staged file %q not readable: %v", ErrInvalidInput, params.StoredFile, err)
	}

	doc, err := s.extractor.Extract(ctx, data)
	if err != nil {
		if errors.Is(err, intake.ErrExtractionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", intake.ErrExtractionFailed, err)
	}
	if !doc.HasText() {
		return nil, fmt.Errorf("%w: no extractable text", intake.ErrExtractionFailed)
	}

	key, err := s.files.Promote(ctx, params.StoredFile)
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	category := strings.TrimSpace(params.Category)
	if category == "" {
		category = DefaultCategory
	}

	now := s.now().UTC()
	p := &Protocol{
		ID:               uuid.New(),
		OwnerID:          params.OwnerID,
		Name:             name,
		Category:         category,
		Description:      strings.TrimSpace(params.Description),
		OriginalFilename: params.OriginalFilename,
		StoredFile:       key,
		PageCount:        doc.PageCount(),
		Status:           StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	pages := make([]*Page, 0, len(doc.Pages))
	for _, pt := range doc.Pages {
		pages = append(pages, &Page{ProtocolID: p.ID, Number: pt.Number, Text: pt.Text})
	}

	if err := s.repo.CreateProtocol(ctx, p, pages); err != nil {
		if rmErr := s.files.Remove(ctx, key); rmErr != nil {
			s.logger.Warn("保存済みファイルの削除に失敗しました", "key", key, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to create protocol: %w", err)
	}

	s.logger.Info("プロトコルを作成しました",
		"protocolID", p.ID,
		"owner", p.OwnerID,
		"pages", p.PageCount,
	)

	return p, nil
}

// Get は施術者が所有するプロトコルを返す
func (s *Service) Get(ctx context.Context, ownerID, id uuid.UUID) (*Protocol, error) {
	return FindOwned(ctx, s.repo, ownerID, id)
}

// List は施術者のプロトコル一覧を返す
func (s *Service) List(ctx context.Context, ownerID uuid.UUID) ([]*Protocol, error) {
	protocols, err := s.repo.ListProtocols(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	return protocols, nil
}

// UpdateMetadata は名前・カテゴリ・説明を更新する（状態は変更しない）
func (s *Service) UpdateMetadata(ctx context.Context, ownerID, id uuid.UUID, update MetadataUpdate) (*Protocol, error) {
	current, err := FindOwned(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		return current, nil
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
		}
		update.Name = &name
	}
	if update.Category != nil {
		category := strings.TrimSpace(*update.Category)
		if category == "" {
			category = DefaultCategory
		}
		update.Category = &category
	}

	updated, err := s.repo.UpdateMetadata(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update protocol: %w", err)
	}
	return updated, nil
}

// Delete はプロトコルと関連データ、保存ファイルを削除する
func (s *Service) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	p, err := FindOwned(ctx, s.repo, ownerID, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteProtocol(ctx, id); err != nil {
		return fmt.Errorf("failed to delete protocol: %w", err)
	}

	if err := s.files.Remove(ctx, p.StoredFile); err != nil {
		// レコードは削除済みのためファイルの削除失敗はログのみ
		s.logger.Warn("保存ファイルの削除に失敗しました", "protocolID", id, "key", p.StoredFile, "error", err)
	}

	s.logger.Info("プロトコルを削除しました", "protocolID", id)
	return nil
}

// OpenFile は保存済みの元ファイルを開く
func (s *Service) OpenFile(ctx context.Context, ownerID, id uuid.UUID) (*Protocol, File, error) {
	p, err := FindOwned(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, nil, err
	}

	f, err := s.files.Open(ctx, p.StoredFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open protocol file: %w", err)
	}
	return p, f, nil
}

// ListChunks は検索対象となっているチャンクを順序通りに返す
func (s *Service) ListChunks(ctx context.Context, ownerID, id uuid.UUID) ([]*Chunk, error) {
	if _, err := FindOwned(ctx, s.repo, ownerID, id); err != nil {
		return nil, err
	}

	chunks, err := s.repo.ListChunks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}
