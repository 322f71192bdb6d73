package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// GCRAConfig parameterizes the flow limiter: Rate events per Period
// with Burst headroom.
type GCRAConfig struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// GCRAResult is the outcome of one admission check.
type GCRAResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// GCRA is an in-memory Generic Cell Rate Algorithm limiter, used for
// per-connection frame admission where smooth behavior at window
// boundaries matters more than token accounting. Safe for concurrent
// use; idle keys are dropped by the background cleanup.
type GCRA struct {
	cells           map[string]time.Time // Theoretical Arrival Time per key
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	clock           func() time.Time
}

// NewGCRA creates a limiter with default cleanup settings: sweep
// every 5 minutes, drop keys idle for an hour.
func NewGCRA() *GCRA {
	return NewGCRAWithConfig(5*time.Minute, time.Hour)
}

// NewGCRAWithConfig creates a limiter with custom cleanup settings.
func NewGCRAWithConfig(cleanupInterval, maxTTL time.Duration) *GCRA {
	return &GCRA{
		cells:           make(map[string]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
		clock:           time.Now,
	}
}

// Allow checks whether one event for key is admitted under config.
func (g *GCRA) Allow(key string, config GCRAConfig) GCRAResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()

	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	emission := config.Period / time.Duration(config.Rate)
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	burstOffset := time.Duration(config.Burst) * emission

	tat, exists := g.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-burstOffset)
	if now.Before(allowAt) {
		return GCRAResult{Allowed: false, RetryAfter: allowAt.Sub(now)}
	}

	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	g.cells[key] = newTAT

	remaining := int((burstOffset - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > config.Burst {
		remaining = config.Burst
	}
	return GCRAResult{Allowed: true, Remaining: remaining}
}

// StartCleanup starts the background sweep goroutine. It stops when
// Stop is called.
func (g *GCRA) StartCleanup() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopChan:
				return
			case <-ticker.C:
				g.cleanup()
			}
		}
	}()
}

func (g *GCRA) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock().Add(-g.maxTTL)
	cleaned := 0
	for key, tat := range g.cells {
		if tat.Before(cutoff) {
			delete(g.cells, key)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("gcra cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(g.cells))
	}
}

// Stop halts the cleanup goroutine and waits for it to exit. Safe to
// call multiple times.
func (g *GCRA) Stop() {
	g.once.Do(func() { close(g.stopChan) })
	g.wg.Wait()
}

// Size returns the number of tracked keys.
func (g *GCRA) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cells)
}
