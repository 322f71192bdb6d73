package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Agent-Gate/agentgate/internal/port/outbound"
)

// RetryConfig tunes the retry decorator.
type RetryConfig struct {
	// MaxAttempts counts the first try (default 3).
	MaxAttempts int
	// BaseBackoff is the initial delay, doubled per attempt with up
	// to 50% jitter (default 500ms).
	BaseBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	return c
}

// Retrying wraps a provider with bounded retries on transient
// failures. Streams are never retried once a delta was emitted.
type Retrying struct {
	inner  outbound.ChatProvider
	cfg    RetryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry decorates a provider.
func WithRetry(inner outbound.ChatProvider, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: inner, cfg: cfg.withDefaults(), logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) Chat(ctx context.Context, req outbound.ChatRequest) (outbound.ChatResponse, error) {
	backoff := r.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		res, err := r.inner.Chat(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, outbound.ErrProviderUnavailable) {
			return outbound.ChatResponse{}, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		r.logger.Warn("provider call failed, retrying",
			"provider", r.inner.Name(),
			"attempt", attempt,
			"backoff_ms", delay.Milliseconds(),
			"error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return outbound.ChatResponse{}, err
		}
		backoff *= 2
	}
	return outbound.ChatResponse{}, lastErr
}

func (r *Retrying) ChatStream(ctx context.Context, req outbound.ChatRequest, emit func(outbound.ChatDelta) error) error {
	emitted := false
	wrapped := func(d outbound.ChatDelta) error {
		emitted = true
		return emit(d)
	}

	backoff := r.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := r.inner.ChatStream(ctx, req, wrapped)
		if err == nil {
			return nil
		}
		lastErr = err
		// A partially delivered stream cannot be replayed.
		if emitted || !errors.Is(err, outbound.ErrProviderUnavailable) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		backoff *= 2
	}
	return lastErr
}

var _ outbound.ChatProvider = (*Retrying)(nil)
