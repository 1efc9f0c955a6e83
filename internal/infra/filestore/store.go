// Package filestore はアップロードされた PDF をローカルディスクに保存する
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/protocol"
)

const (
	stagingDir   = "staging"
	protocolsDir = "protocols"
	fileExt      = ".pdf"
)

var (
	// ErrNotFound はキーに対応するファイルが存在しない場合のエラー
	ErrNotFound = errors.New("file not found")

	// ErrInvalidKey はキーの形式が不正な場合のエラー
	// 呼び出し元の入力誤りとして protocol.ErrInvalidInput を包む
	ErrInvalidKey = fmt.Errorf("%w: invalid file key", protocol.ErrInvalidInput)
)

// Store はルートディレクトリ配下にステージング領域と永続領域を持つファイルストア
//
//	<root>/staging/<uuid>.pdf    解析済み・未登録のアップロード
//	<root>/protocols/<uuid>.pdf  プロトコルとして登録済みのファイル
type Store struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// Option は Store のオプション設定
type Option func(*Store)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New はルートディレクトリを作成して Store を返す
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}

	s := &Store{root: root, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{stagingDir, protocolsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	return s, nil
}

// Stage はアップロードをステージング領域に書き込み、キーを返す
func (s *Store) Stage(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := stagingDir + "/" + uuid.NewString() + fileExt
	if err := writeAtomic(s.path(key), data); err != nil {
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}

	s.logger.Debug("アップロードをステージングしました", "key", key, "size", len(data))
	return key, nil
}

// Read はキーに対応するファイル内容を返す
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, wrapNotExist(key, err)
	}
	return data, nil
}

// Promote はステージング中のファイルを永続領域へ移動し、新しいキーを返す
func (s *Store) Promote(ctx context.Context, stagedKey string) (string, error) {
	if err := validateKey(stagedKey); err != nil {
		return "", err
	}
	if !strings.HasPrefix(stagedKey, stagingDir+"/") {
		return "", fmt.Errorf("%w: %q is not a staged file", ErrInvalidKey, stagedKey)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := protocolsDir + "/" + strings.TrimPrefix(stagedKey, stagingDir+"/")
	if err := os.Rename(s.path(stagedKey), s.path(key)); err != nil {
		return "", wrapNotExist(stagedKey, err)
	}

	s.logger.Debug("ステージングファイルを確定しました", "from", stagedKey, "to", key)
	return key, nil
}

// Open は配信用にファイルを開く
func (s *Store) Open(ctx context.Context, key string) (protocol.File, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, wrapNotExist(key, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	return &localFile{File: f, modTime: info.ModTime()}, nil
}

// Remove はファイルを削除する（存在しない場合はエラーにしない）
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// PurgeStaging は ttl より古いステージングファイルを削除し、削除件数を返す
func (s *Store) PurgeStaging(ctx context.Context, ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	if err != nil {
		return 0, fmt.Errorf("failed to list staging directory: %w", err)
	}

	cutoff := s.now().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("failed to stat staged file %s: %w", entry.Name(), err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.root, stagingDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove staged file %s: %w", entry.Name(), err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("期限切れのステージングファイルを削除しました", "count", removed, "ttl", ttl)
	}
	return removed, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// validateKey はキーが "<staging|protocols>/<uuid>.pdf" 形式であることを確認する
func validateKey(key string) error {
	dir, name, ok := strings.Cut(key, "/")
	if !ok || (dir != stagingDir && dir != protocolsDir) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	id, ok := strings.CutSuffix(name, fileExt)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func wrapNotExist(key string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("file %s: %w", key, err)
}

// writeAtomic は一時ファイルに書き込んでからリネームする
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

type localFile struct {
	*os.File
	modTime time.Time
}

func (f *localFile) ModTime() time.Time {
	return f.modTime
}

// インターフェース実装の確認
var _ protocol.FileStore = (*Store)(nil)
