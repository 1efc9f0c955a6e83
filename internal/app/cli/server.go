package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	logger := appCtx.Logger()
	cont := appCtx.Container

	// 前回のプロセスで中断された実行を error にする
	recovered, err := cont.Worker.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("中断された実行の復旧に失敗: %w", err)
	}
	if recovered > 0 {
		logger.Warn("中断された実行を error にしました", "count", recovered)
	}

	purged, err := cont.Files.PurgeStaging(ctx, appCtx.Config.Storage.StagingTTL)
	if err != nil {
		logger.Warn("ステージングファイルの削除に失敗しました", "error", err)
	} else if purged > 0 {
		logger.Info("古いステージングファイルを削除しました", "count", purged)
	}

	addr := appCtx.Config.Server.Addr()
	if port := cmd.Int("port"); port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	if err := cont.HTTPServer().ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("HTTPサーバの実行に失敗: %w", err)
	}

	logger.Info("HTTPサーバを停止しました")
	return nil
}
