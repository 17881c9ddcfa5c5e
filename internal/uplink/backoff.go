package uplink

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig 重连退避配置
type BackoffConfig struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int // 连续失败重试上限，<=0 表示不限
}

// DefaultBackoffConfig 返回默认配置
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       500 * time.Millisecond,
		Factor:     2,
		Cap:        30 * time.Second,
		MaxRetries: 10,
	}
}

// FullJitter 全抖动指数退避：第 n 次延迟在 [0, min(Cap, Base*Factor^n)) 内均匀分布
type FullJitter struct {
	exp     *backoff.ExponentialBackOff
	random  func() float64
	ceiling time.Duration
}

var _ backoff.BackOff = (*FullJitter)(nil)

// NewFullJitter 创建全抖动退避
func NewFullJitter(cfg BackoffConfig) *FullJitter {
	defaults := DefaultBackoffConfig()
	if cfg.Base <= 0 {
		cfg.Base = defaults.Base
	}
	if cfg.Factor < 1 {
		cfg.Factor = defaults.Factor
	}
	if cfg.Cap < cfg.Base {
		cfg.Cap = cfg.Base
	}

	// 指数部分只负责计算上限，抖动由 FullJitter 完成
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.Base
	exp.Multiplier = cfg.Factor
	exp.MaxInterval = cfg.Cap
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &FullJitter{
		exp:    exp,
		random: rand.Float64,
	}
}

// NextBackOff 返回下一次延迟
func (f *FullJitter) NextBackOff() time.Duration {
	ceiling := f.exp.NextBackOff()
	if ceiling == backoff.Stop {
		return backoff.Stop
	}
	f.ceiling = ceiling
	return time.Duration(f.random() * float64(ceiling))
}

// Reset 连接成功后重置
func (f *FullJitter) Reset() {
	f.exp.Reset()
	f.ceiling = 0
}

// Ceiling 返回最近一次延迟的上限
func (f *FullJitter) Ceiling() time.Duration {
	return f.ceiling
}

// newRetryPolicy 组合全抖动退避与重试上限
func newRetryPolicy(cfg BackoffConfig) (backoff.BackOff, *FullJitter) {
	jitter := NewFullJitter(cfg)
	if cfg.MaxRetries <= 0 {
		return jitter, jitter
	}
	return backoff.WithMaxRetries(jitter, uint64(cfg.MaxRetries)), jitter
}
