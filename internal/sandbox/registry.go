package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyExists is returned when an agent already has a live
	// sandbox.
	ErrAlreadyExists = errors.New("sandbox: agent already has a sandbox")
	// ErrUnknownAgent is returned for lookups of agents without a
	// sandbox.
	ErrUnknownAgent = errors.New("sandbox: no sandbox for agent")
	// ErrRespawnBudget is returned when a dead worker has been
	// respawned too many times without a successful task in between.
	ErrRespawnBudget = errors.New("sandbox: respawn budget exhausted")
)

// RegistryConfig tunes retry behavior for failed executions.
type RegistryConfig struct {
	// MaxRetries caps per-task retries before the failure is
	// surfaced (default 2).
	MaxRetries int
	// RetryBackoff is the initial backoff, doubled per attempt
	// (default 250ms).
	RetryBackoff time.Duration
	// MaxRespawns caps how often a dead worker is replaced before
	// executions fail outright (default 3). The count resets on a
	// successful task.
	MaxRespawns int
	// ErrorThreshold is the consecutive-failure count after which
	// OnThreshold fires (default 5).
	ErrorThreshold int
	// OnThreshold is invoked (outside locks) when an agent crosses
	// the error threshold; the caller typically transitions the
	// agent to its error state.
	OnThreshold func(agentID string, errorCount int)
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.MaxRespawns <= 0 {
		c.MaxRespawns = 3
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	return c
}

// Registry maps agent ids to their sandboxes, enforcing at most one
// sandbox per agent.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	sandboxes   map[string]*Sandbox
	errCounts   map[string]int
	restarts    map[string]int
	lastBackoff map[string]time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		sleep:       sleepCtx,
		sandboxes:   make(map[string]*Sandbox),
		errCounts:   make(map[string]int),
		restarts:    make(map[string]int),
		lastBackoff: make(map[string]time.Duration),
	}
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

// Create spawns a sandbox for the agent and registers it. Fails if
// the agent already has one.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Sandbox, error) {
	r.mu.Lock()
	if _, exists := r.sandboxes[cfg.AgentID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.AgentID)
	}
	// Reserve the slot before the slow spawn so concurrent creates
	// for the same agent fail fast.
	r.sandboxes[cfg.AgentID] = nil
	r.mu.Unlock()

	sb := New(cfg)
	if err := sb.Spawn(ctx); err != nil {
		r.mu.Lock()
		delete(r.sandboxes, cfg.AgentID)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.sandboxes[cfg.AgentID] = sb
	r.errCounts[cfg.AgentID] = 0
	r.mu.Unlock()
	return sb, nil
}

// Get returns the agent's sandbox.
func (r *Registry) Get(agentID string) (*Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[agentID]
	if !ok || sb == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return sb, nil
}

// Execute runs a task in the agent's sandbox with retry and
// exponential backoff. Timeouts are surfaced immediately; other
// failures retry up to the configured cap, and consecutive failures
// feed the error threshold. A worker killed by an earlier timeout is
// replaced before the task runs, within the respawn budget.
func (r *Registry) Execute(ctx context.Context, agentID string, req ExecuteRequest) (ExecuteResult, error) {
	sb, err := r.Get(agentID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if sb.Terminated() {
		if sb, err = r.respawn(ctx, agentID, sb); err != nil {
			return ExecuteResult{}, err
		}
	}

	backoff := r.cfg.RetryBackoff
	var res ExecuteResult
	for attempt := 0; ; attempt++ {
		res, err = sb.Execute(ctx, req)
		if errors.Is(err, ErrTerminated) {
			// Killed between admission and dispatch; bring up a fresh
			// worker and run on it.
			if sb, err = r.respawn(ctx, agentID, sb); err != nil {
				return ExecuteResult{}, err
			}
			res, err = sb.Execute(ctx, req)
		}
		if err != nil {
			r.recordFailure(agentID)
			return res, err
		}
		if res.Success || res.TimedOut {
			break
		}
		if attempt >= r.cfg.MaxRetries {
			break
		}
		r.logger.Warn("task failed, retrying",
			"agent_id", agentID,
			"attempt", attempt+1,
			"backoff_ms", backoff.Milliseconds(),
			"error", res.Error)
		if err := r.sleep(ctx, backoff); err != nil {
			return res, err
		}
		backoff *= 2
	}

	if res.Success {
		r.mu.Lock()
		r.errCounts[agentID] = 0
		r.restarts[agentID] = 0
		r.mu.Unlock()
	} else {
		r.recordFailure(agentID)
	}
	return res, nil
}

// respawn replaces a dead sandbox with a fresh one built from the
// same config, applying exponential backoff and the respawn cap.
func (r *Registry) respawn(ctx context.Context, agentID string, old *Sandbox) (*Sandbox, error) {
	r.mu.Lock()
	if cur, ok := r.sandboxes[agentID]; ok && cur != nil && cur != old && !cur.Terminated() {
		// Another caller already replaced it.
		r.mu.Unlock()
		return cur, nil
	}
	r.restarts[agentID]++
	attempt := r.restarts[agentID]
	r.mu.Unlock()

	if attempt > r.cfg.MaxRespawns {
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrRespawnBudget, agentID, attempt-1)
	}
	backoff := r.cfg.RetryBackoff << (attempt - 1)
	r.logger.Warn("respawning worker",
		"agent_id", agentID,
		"attempt", attempt,
		"backoff_ms", backoff.Milliseconds())
	if err := r.sleep(ctx, backoff); err != nil {
		return nil, err
	}
	// The old instance's teardown removes its workdir; the replacement
	// reuses the same path, so spawn only after the release.
	if err := old.AwaitCleanup(ctx); err != nil {
		return nil, err
	}

	sb := New(old.cfg)
	if err := sb.Spawn(ctx); err != nil {
		r.recordFailure(agentID)
		return nil, err
	}
	r.mu.Lock()
	r.sandboxes[agentID] = sb
	r.lastBackoff[agentID] = backoff
	r.mu.Unlock()
	return sb, nil
}

// RestartInfo reports how many times the agent's worker has been
// respawned since its last successful task, and the backoff applied
// on the most recent respawn.
func (r *Registry) RestartInfo(agentID string) (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := r.restarts[agentID]
	if attempts == 0 {
		return 0, 0
	}
	return attempts, r.lastBackoff[agentID]
}

func (r *Registry) recordFailure(agentID string) {
	r.mu.Lock()
	r.errCounts[agentID]++
	count := r.errCounts[agentID]
	crossed := count == r.cfg.ErrorThreshold
	r.mu.Unlock()

	if crossed && r.cfg.OnThreshold != nil {
		r.cfg.OnThreshold(agentID, count)
	}
}

// ErrorCount returns the agent's consecutive failure count.
func (r *Registry) ErrorCount(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errCounts[agentID]
}

// Terminate shuts down and removes one agent's sandbox.
func (r *Registry) Terminate(ctx context.Context, agentID string) error {
	r.mu.Lock()
	sb, ok := r.sandboxes[agentID]
	if ok {
		delete(r.sandboxes, agentID)
		delete(r.errCounts, agentID)
		delete(r.restarts, agentID)
		delete(r.lastBackoff, agentID)
	}
	r.mu.Unlock()

	if !ok || sb == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return sb.Terminate(ctx)
}

// TerminateAll shuts down every sandbox concurrently and returns the
// first error.
func (r *Registry) TerminateAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Sandbox, 0, len(r.sandboxes))
	for id, sb := range r.sandboxes {
		if sb != nil {
			all = append(all, sb)
		}
		delete(r.sandboxes, id)
		delete(r.errCounts, id)
		delete(r.restarts, id)
		delete(r.lastBackoff, id)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sb := range all {
		g.Go(func() error { return sb.Terminate(ctx) })
	}
	return g.Wait()
}

// Len returns the number of registered sandboxes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sandboxes)
}
