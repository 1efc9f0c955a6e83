package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrPollTimeout はポーリングが時間内に終了状態に達しなかった場合のエラー
// 処理自体は継続しており、再度ポーリングすれば観測を再開できる
var ErrPollTimeout = errors.New("polling timed out before the job finished")

// 呼び出し側のポーリング間隔のデフォルト値
const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultPollTimeout  = 5 * time.Minute
)

// StatusSource はステータスの取得元
type StatusSource interface {
	GetStatus(ctx context.Context, ownerID, protocolID uuid.UUID) (*Report, error)
}

// Poller は一定間隔でステータスを取得し、終了状態かタイムアウトまで待つ
type Poller struct {
	Source   StatusSource
	Interval time.Duration
	Timeout  time.Duration

	// OnReport は取得したレポートごとに呼ばれる（省略可）
	OnReport func(*Report)
}

// Wait は終了状態に達したレポートを返す
// タイムアウト時は最後に取得したレポートと ErrPollTimeout を返す
func (p *Poller) Wait(ctx context.Context, ownerID, protocolID uuid.UUID) (*Report, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := p.Source.GetStatus(ctx, ownerID, protocolID)
		if err != nil {
			return nil, err
		}
		if p.OnReport != nil {
			p.OnReport(report)
		}
		if report.IsTerminal() {
			return report, nil
		}

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-deadline.C:
			return report, ErrPollTimeout
		case <-ticker.C:
		}
	}
}
