// Package scheduler runs named background jobs on fixed intervals or
// cron expressions: retention cleanup, archival, agent monitoring
// sweeps. Runs never overlap per job, and an optional distributed
// lock provider gates ticks across cluster nodes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
)

// Handler is one job execution. The context is cancelled on shutdown.
type Handler func(ctx context.Context) error

// LockProvider acquires a distributed lock for a job tick. Returning
// ok=false skips the tick; release is invoked when the run finishes.
type LockProvider func(jobID string) (release func(), ok bool)

var (
	// ErrDuplicateJob is returned when a job id is already registered.
	ErrDuplicateJob = errors.New("scheduler: job already registered")
	// ErrUnknownJob is returned for operations on unregistered jobs.
	ErrUnknownJob = errors.New("scheduler: unknown job")
)

type job struct {
	id       string
	interval time.Duration
	cronExpr string
	handler  Handler

	paused  atomic.Bool
	running atomic.Bool
	skips   atomic.Int64
	runs    atomic.Int64

	cancel context.CancelFunc
}

// Scheduler owns registered jobs. Start launches one goroutine per
// job; Shutdown stops ticking and grants in-flight runs a grace
// period.
type Scheduler struct {
	logger *slog.Logger
	locks  LockProvider

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithLockProvider installs a distributed lock consulted before every
// tick.
func WithLockProvider(lp LockProvider) Option {
	return func(s *Scheduler) { s.locks = lp }
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		jobs:   make(map[string]*job),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a fixed-interval job. If the scheduler is running the
// job starts ticking immediately.
func (s *Scheduler) Register(id string, interval time.Duration, handler Handler) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %s: interval must be positive", id)
	}
	return s.add(&job{id: id, interval: interval, handler: handler})
}

// RegisterCron adds a cron-expression job.
func (s *Scheduler) RegisterCron(id, expr string, handler Handler) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("scheduler: job %s: invalid cron expression %q", id, expr)
	}
	return s.add(&job{id: id, cronExpr: expr, handler: handler})
}

func (s *Scheduler) add(j *job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.id)
	}
	s.jobs[j.id] = j
	if s.started {
		s.launchLocked(j)
	}
	return nil
}

// Start begins ticking all registered jobs. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, j := range s.jobs {
		s.launchLocked(j)
	}
}

// launchLocked starts one job's tick loop. Caller holds s.mu.
func (s *Scheduler) launchLocked(j *job) {
	jobCtx, cancel := context.WithCancel(s.ctx)
	j.cancel = cancel
	s.wg.Add(1)
	go s.loop(jobCtx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		wait := j.interval
		if j.cronExpr != "" {
			next, err := gronx.NextTick(j.cronExpr, false)
			if err != nil {
				s.logger.Error("cron schedule failed", "job_id", j.id, "error", err)
				return
			}
			wait = time.Until(next)
			if wait < 0 {
				wait = time.Second
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, j)
		}
	}
}

// runOnce executes a tick with overlap, pause, and lock checks.
func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	if j.paused.Load() {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		s.logger.Warn("job still running, skipping tick", "job_id", j.id)
		return
	}
	defer j.running.Store(false)

	if s.locks != nil {
		release, ok := s.locks(j.id)
		if !ok {
			j.skips.Add(1)
			s.logger.Debug("job lock not acquired, skipping tick", "job_id", j.id)
			return
		}
		defer release()
	}

	j.runs.Add(1)
	start := time.Now()
	if err := j.handler(ctx); err != nil {
		s.logger.Error("job failed",
			"job_id", j.id,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return
	}
	s.logger.Debug("job completed",
		"job_id", j.id,
		"duration_ms", time.Since(start).Milliseconds())
}

// Pause stops future ticks for a job; in-flight runs finish.
func (s *Scheduler) Pause(id string) error {
	j, err := s.get(id)
	if err != nil {
		return err
	}
	j.paused.Store(true)
	return nil
}

// Resume re-enables a paused job.
func (s *Scheduler) Resume(id string) error {
	j, err := s.get(id)
	if err != nil {
		return err
	}
	j.paused.Store(false)
	return nil
}

// Trigger runs a job immediately, subject to the same overlap and
// lock rules as a tick. It blocks until the run completes.
func (s *Scheduler) Trigger(id string) error {
	j, err := s.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.runOnce(ctx, j)
	return nil
}

// Unregister stops and removes a job.
func (s *Scheduler) Unregister(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

// Runs returns how many times a job has executed.
func (s *Scheduler) Runs(id string) int64 {
	j, err := s.get(id)
	if err != nil {
		return 0
	}
	return j.runs.Load()
}

// Skips returns how many ticks were skipped for overlap or lock
// contention.
func (s *Scheduler) Skips(id string) int64 {
	j, err := s.get(id)
	if err != nil {
		return 0
	}
	return j.skips.Load()
}

func (s *Scheduler) get(id string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return j, nil
}

// Shutdown stops all tick loops and waits up to grace for in-flight
// runs. Returns an error when the grace period expires first.
func (s *Scheduler) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return errors.New("scheduler: shutdown grace period expired")
	}
}
