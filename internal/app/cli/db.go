package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/protocol-rag/internal/infra/postgres"
	"github.com/jinford/protocol-rag/internal/platform/container"
)

// DBMigrateAction はスキーマのマイグレーションを適用するコマンドのアクション
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := LoadConfig(cmd.String("env"))
	if err != nil {
		return err
	}

	pool, err := container.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := postgres.Migrate(ctx, pool, cfg.OpenAI.EmbeddingDimension, logger)
	if err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	fmt.Printf("適用したマイグレーション: %d\n", applied)
	return nil
}
