package utils

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// NewBackOff 第 n 次重试等待 base * 2^(n-1)，jitter 为 0 时序列精确；
// 间隔上限为第 maxAttempts+1 次的值
func NewBackOff(base time.Duration, jitter float64, maxAttempts int) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxInterval = 24 * time.Hour
	if maxAttempts < 30 {
		b.MaxInterval = base << uint(maxAttempts)
	}
	b.Reset()
	return b
}
