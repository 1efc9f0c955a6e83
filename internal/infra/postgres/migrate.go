package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dimensionPlaceholder はマイグレーション内でベクトル次元に置換される
const dimensionPlaceholder = "{{EMBEDDING_DIMENSION}}"

// ErrSchemaDimensionMismatch は既存スキーマのベクトル次元が設定と異なる場合のエラー
var ErrSchemaDimensionMismatch = errors.New("schema embedding dimension mismatch")

// Migrate は未適用のマイグレーションを順番に適用し、適用件数を返す
// 複数プロセスからの同時実行はアドバイザリロックで直列化する
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimension int, logger *slog.Logger) (int, error) {
	if dimension <= 0 {
		return 0, fmt.Errorf("embedding dimension must be positive: %d", dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}

	files, err := upMigrations(migrationsFS)
	if err != nil {
		return 0, err
	}

	applied, err := Transact(ctx, pool, func(tx pgx.Tx) (int, error) {
		if err := acquireLock(ctx, tx, "schema_migrations"); err != nil {
			return 0, err
		}

		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version    INTEGER PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`); err != nil {
			return 0, fmt.Errorf("creating schema_migrations table: %w", err)
		}

		var current int
		if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
			return 0, fmt.Errorf("getting current version: %w", err)
		}

		count := 0
		for _, m := range files {
			if m.version <= current {
				continue
			}

			content, err := fs.ReadFile(migrationsFS, m.path)
			if err != nil {
				return count, fmt.Errorf("reading migration %s: %w", m.path, err)
			}
			sql := strings.ReplaceAll(string(content), dimensionPlaceholder, strconv.Itoa(dimension))

			if _, err := tx.Exec(ctx, sql); err != nil {
				return count, fmt.Errorf("executing migration %s: %w", m.path, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
				return count, fmt.Errorf("recording migration %s: %w", m.path, err)
			}

			logger.Info("マイグレーションを適用しました", "version", m.version, "file", m.path)
			count++
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}

	if err := CheckDimension(ctx, pool, dimension); err != nil {
		return applied, err
	}
	return applied, nil
}

// CheckDimension は protocol_chunks.embedding の次元が dimension と一致するか確認する
func CheckDimension(ctx context.Context, db DBTX, dimension int) error {
	var typmod int
	err := db.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		WHERE a.attrelid = 'protocol_chunks'::regclass AND a.attname = 'embedding'`).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("failed to read embedding column type: %w", err)
	}
	if typmod != dimension {
		return fmt.Errorf("%w: schema has %d, configured %d", ErrSchemaDimensionMismatch, typmod, dimension)
	}
	return nil
}

type migrationFile struct {
	version int
	path    string
}

// upMigrations は "NNN_name.up.sql" 形式のファイルをバージョン順に返す
func upMigrations(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		files = append(files, migrationFile{version: version, path: "migrations/" + name})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
