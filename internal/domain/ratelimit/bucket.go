package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter manages per-key dual-dimension token buckets. Acquire
// suspends the caller until both dimensions have credit, serving
// waiters strictly first-in first-out per key.
type Limiter struct {
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	buckets map[string]*bucket
	configs map[string]BucketConfig
	def     BucketConfig
}

type waiter struct {
	ready chan struct{}
}

type bucket struct {
	mu            sync.Mutex
	cfg           BucketConfig
	requestCredit float64
	tokenCredit   float64
	lastRefill    time.Time
	queue         []*waiter
}

// NewLimiter creates a limiter with the given default config.
func NewLimiter(def BucketConfig) *Limiter {
	return &Limiter{
		clock:   time.Now,
		sleep:   defaultSleep,
		buckets: make(map[string]*bucket),
		configs: make(map[string]BucketConfig),
		def:     def.normalized(),
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetConfig installs a per-key config, applied on the key's next
// bucket access.
func (l *Limiter) SetConfig(key string, cfg BucketConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[key] = cfg.normalized()
	if b, ok := l.buckets[key]; ok {
		b.mu.Lock()
		b.cfg = cfg.normalized()
		b.mu.Unlock()
	}
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		cfg, has := l.configs[key]
		if !has {
			cfg = l.def
		}
		b = &bucket{
			cfg:           cfg,
			requestCredit: float64(cfg.MaxBurstRequests),
			tokenCredit:   float64(cfg.MaxBurstTokens),
			lastRefill:    l.clock(),
		}
		l.buckets[key] = b
	}
	return b
}

// refillLocked applies continuous refill:
// credit += elapsed_ms * rate/60000, capped at burst. Caller holds
// b.mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	ms := float64(elapsed.Milliseconds())
	b.requestCredit += ms * float64(b.cfg.RequestsPerMinute) / 60000
	if max := float64(b.cfg.MaxBurstRequests); b.requestCredit > max {
		b.requestCredit = max
	}
	b.tokenCredit += ms * float64(b.cfg.TokensPerMinute) / 60000
	if max := float64(b.cfg.MaxBurstTokens); b.tokenCredit > max {
		b.tokenCredit = max
	}
	b.lastRefill = now
}

// CanProceed reports whether one request with the given token
// estimate would be admitted right now, without consuming credit.
func (l *Limiter) CanProceed(key string, estimatedTokens int) bool {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(l.clock())
	return len(b.queue) == 0 && b.requestCredit >= 1 && b.tokenCredit >= float64(estimatedTokens)
}

// Acquire consumes one request and estimatedTokens of credit,
// suspending until enough refill has accumulated. Waiters for the
// same key are served in FIFO order. Returns the context error if
// cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, key string, estimatedTokens int) error {
	b := l.bucketFor(key)

	w := &waiter{ready: make(chan struct{})}
	b.mu.Lock()
	b.queue = append(b.queue, w)
	first := len(b.queue) == 1
	b.mu.Unlock()

	if !first {
		select {
		case <-ctx.Done():
			b.remove(w)
			return ctx.Err()
		case <-w.ready:
		}
	}

	// Head of the queue: spin on refill until both dimensions fit.
	for {
		b.mu.Lock()
		now := l.clock()
		b.refillLocked(now)
		need := float64(estimatedTokens)
		if b.requestCredit >= 1 && b.tokenCredit >= need {
			b.requestCredit -= 1
			b.tokenCredit -= need
			b.popHeadLocked(w)
			b.mu.Unlock()
			return nil
		}
		wait := b.waitForLocked(need)
		b.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			b.remove(w)
			return err
		}
	}
}

// waitForLocked computes the minimum time until both dimensions have
// the needed credit. Caller holds b.mu.
func (b *bucket) waitForLocked(needTokens float64) time.Duration {
	wait := time.Duration(0)
	if b.requestCredit < 1 {
		deficit := 1 - b.requestCredit
		wait = msToWait(deficit, b.cfg.RequestsPerMinute)
	}
	if b.tokenCredit < needTokens {
		deficit := needTokens - b.tokenCredit
		if w := msToWait(deficit, b.cfg.TokensPerMinute); w > wait {
			wait = w
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func msToWait(deficit float64, ratePerMinute int) time.Duration {
	ms := deficit * 60000 / float64(ratePerMinute)
	return time.Duration(ms * float64(time.Millisecond))
}

// popHeadLocked removes w (which must be the head) and wakes the next
// waiter. Caller holds b.mu.
func (b *bucket) popHeadLocked(w *waiter) {
	if len(b.queue) > 0 && b.queue[0] == w {
		b.queue = b.queue[1:]
		if len(b.queue) > 0 {
			close(b.queue[0].ready)
		}
	}
}

// remove deletes a waiter that gave up, waking the next head if the
// departed waiter was at the front.
func (b *bucket) remove(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.queue {
		if q == w {
			wasHead := i == 0
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			if wasHead && len(b.queue) > 0 {
				close(b.queue[0].ready)
			}
			return
		}
	}
}

// ReportUsage reconciles an estimate with the actual token usage:
// over-estimates are refunded, under-estimates draw the budget
// further down (possibly below zero, delaying future admissions).
func (l *Limiter) ReportUsage(key string, estimatedTokens, actualTokens int) {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(l.clock())
	b.tokenCredit += float64(estimatedTokens - actualTokens)
	if max := float64(b.cfg.MaxBurstTokens); b.tokenCredit > max {
		b.tokenCredit = max
	}
}

// State snapshots one bucket.
func (l *Limiter) State(key string) State {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(l.clock())
	return State{
		Key:           key,
		RequestTokens: b.requestCredit,
		TokenBudget:   b.tokenCredit,
		Pending:       len(b.queue),
		LastRefill:    b.lastRefill,
		Config:        b.cfg,
	}
}

// Reset restores a bucket to full burst credit.
func (l *Limiter) Reset(key string) {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCredit = float64(b.cfg.MaxBurstRequests)
	b.tokenCredit = float64(b.cfg.MaxBurstTokens)
	b.lastRefill = l.clock()
}
