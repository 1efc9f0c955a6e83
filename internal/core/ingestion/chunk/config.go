package chunk

import "fmt"

// Config はチャンクサイズの設定
type Config struct {
	TargetTokens  int // 目標トークン数
	OverlapTokens int // 直前チャンクとのオーバーラップ上限
	MaxTokens     int // 最大トークン数
	MinTokens     int // これ未満の末尾チャンクは直前に統合する
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		TargetTokens:  400,
		OverlapTokens: 60,
		MaxTokens:     800,
		MinTokens:     40,
	}
}

// Validate は設定値の整合性を検証する
func (c Config) Validate() error {
	if c.TargetTokens <= 0 {
		return fmt.Errorf("target tokens must be positive: %d", c.TargetTokens)
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.TargetTokens {
		return fmt.Errorf("overlap tokens must be in [0, %d): %d", c.TargetTokens, c.OverlapTokens)
	}
	if c.MaxTokens < c.TargetTokens {
		return fmt.Errorf("max tokens (%d) must be >= target tokens (%d)", c.MaxTokens, c.TargetTokens)
	}
	if c.MinTokens < 0 || c.MinTokens >= c.TargetTokens {
		return fmt.Errorf("min tokens must be in [0, %d): %d", c.TargetTokens, c.MinTokens)
	}
	return nil
}
