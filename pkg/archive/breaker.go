package archive

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxConsecutiveFailures = 10
	DefaultBreakerCooldown        = 10 * time.Minute
)

// Breaker stops uploads after too many consecutive failures and lets them
// through again after a cool-down. While it is tripped the recorder drops
// events at the source.
type Breaker struct {
	maxFailures int64
	cooldown    time.Duration
	logger      *slog.Logger

	failures atomic.Int64
	tripped  atomic.Bool
	trips    atomic.Int64

	mu    sync.Mutex
	timer *time.Timer
}

func NewBreaker(maxFailures int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		maxFailures: int64(maxFailures),
		cooldown:    cooldown,
		logger:      logger.With("component", "upload-breaker"),
	}
}

// Tripped reports whether uploads are currently suspended.
func (b *Breaker) Tripped() bool {
	return b.tripped.Load()
}

// Success resets the consecutive failure count.
func (b *Breaker) Success() {
	b.failures.Store(0)
}

// Failure counts a failed upload and reports whether it tripped the breaker.
func (b *Breaker) Failure() bool {
	n := b.failures.Add(1)
	if n < b.maxFailures {
		return false
	}
	if !b.tripped.CompareAndSwap(false, true) {
		return false
	}
	b.trips.Add(1)
	b.logger.Error("too many consecutive upload failures, suspending capture",
		"failures", n,
		"cooldown", b.cooldown,
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cooldown, b.reset)
	return true
}

func (b *Breaker) reset() {
	b.failures.Store(0)
	if b.tripped.CompareAndSwap(true, false) {
		b.logger.Info("upload cool-down elapsed, resuming capture")
	}
}

// Trips returns how many times the breaker has tripped.
func (b *Breaker) Trips() int64 {
	return b.trips.Load()
}

// Stop cancels a pending reset.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
