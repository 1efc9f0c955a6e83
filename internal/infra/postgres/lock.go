package postgres

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GenerateLockID は文字列からアドバイザリロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// acquireLock はトランザクションスコープのアドバイザリロックを取得します
// ロックはコミットまたはロールバック時に自動的に解放されます
func acquireLock(ctx context.Context, tx pgx.Tx, parts ...string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", GenerateLockID(parts...)); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}
