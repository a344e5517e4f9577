package util

import (
	"sync/atomic"
	"time"
)

// LogLimiter suppresses repeated log statements so a hot path emits at most
// one line per interval. The zero value is ready to use and allows the first
// call immediately.
type LogLimiter struct {
	lastNanos atomic.Int64
}

// Allow reports whether a log line may be emitted now. Safe for concurrent
// use; under contention at the interval boundary more than one caller may be
// allowed, which is acceptable for diagnostics.
func (l *LogLimiter) Allow(interval time.Duration) bool {
	now := time.Now().UnixNano()
	last := l.lastNanos.Load()
	if now-last < int64(interval) {
		return false
	}
	return l.lastNanos.CompareAndSwap(last, now)
}
