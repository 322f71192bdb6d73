package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Defaults applied when Config leaves the corresponding field zero.
const (
	DefaultStartupTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultTerminateGrace    = 5 * time.Second

	// maxMissedHeartbeats force-kills the worker once this many
	// consecutive acks are missing.
	maxMissedHeartbeats = 3
)

var (
	// ErrNotReady is returned by Execute before Spawn completed.
	ErrNotReady = errors.New("sandbox: worker not ready")
	// ErrTerminated is returned once the sandbox has been shut down.
	ErrTerminated = errors.New("sandbox: terminated")
	// ErrStartupTimeout is returned when the worker misses its ready
	// deadline.
	ErrStartupTimeout = errors.New("sandbox: worker startup timed out")
)

// Config describes one worker sandbox.
type Config struct {
	AgentID      string
	Command      string
	Args         []string
	WorkdirRoot  string
	Capabilities string
	Mode         string

	StartupTimeout    time.Duration
	HeartbeatInterval time.Duration
	TerminateGrace    time.Duration

	// MemoryMB caps the worker address space; StackMB caps its stack.
	// Applied with prlimit when running unconfined; the container
	// runtime enforces its own limits.
	MemoryMB int
	StackMB  int

	Container *ContainerConfig
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.Mode == "" {
		c.Mode = "sandbox"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ExecuteRequest is one unit of work for the worker.
type ExecuteRequest struct {
	Code    string          `json:"code,omitempty"`
	Task    string          `json:"task,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// DeadlineMS is the worker-visible budget; the host also enforces
	// it and terminates the worker on expiry.
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

// ExecuteResult is the worker's answer, or the host's synthesized
// timeout/failure outcome.
type ExecuteResult struct {
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	TimedOut   bool            `json:"timed_out,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	MemoryMB   float64         `json:"memory_mb,omitempty"`
}

// Sandbox hosts one agent's worker process. At most one Execute runs
// at a time; Terminate is graceful (terminate IPC, SIGTERM, SIGKILL),
// ForceKill immediate.
type Sandbox struct {
	cfg     Config
	workdir string
	logger  *slog.Logger

	cmd  *exec.Cmd
	conn *ipcConn

	execMu sync.Mutex // serializes Execute

	mu         sync.Mutex
	pending    map[string]chan ExecuteResult
	terminated bool

	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{} // closed when the process exits
	cleanOnce  sync.Once
	cleaned    chan struct{} // closed once the workdir is released
	missedAcks atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a sandbox; Spawn starts it.
func New(cfg Config) *Sandbox {
	cfg = cfg.withDefaults()
	return &Sandbox{
		cfg:     cfg,
		logger:  cfg.Logger.With("agent_id", cfg.AgentID),
		pending: make(map[string]chan ExecuteResult),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		cleaned: make(chan struct{}),
	}
}

// Workdir returns the isolated working directory, valid after Spawn.
func (s *Sandbox) Workdir() string { return s.workdir }

// Spawn starts the worker process and waits for its ready message
// within the startup timeout. On timeout the process is killed and
// ErrStartupTimeout returned.
func (s *Sandbox) Spawn(ctx context.Context) error {
	workdir, err := CreateWorkdir(s.cfg.WorkdirRoot, s.cfg.AgentID)
	if err != nil {
		return err
	}
	s.workdir = workdir

	env := SanitizeEnv(os.Environ(), s.cfg.AgentID, s.cfg.Capabilities, s.cfg.Mode)

	var cmd *exec.Cmd
	if s.cfg.Container.Enabled() {
		args := s.cfg.Container.BuildArgs(
			"agentgate-worker-"+sanitizeSegment(s.cfg.AgentID),
			workdir, env, s.cfg.Command, s.cfg.Args)
		cmd = exec.Command(s.cfg.Container.Runtime, args...)
	} else {
		cmd = exec.Command(s.cfg.Command, s.cfg.Args...)
		cmd.Dir = workdir
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.removeWorkdir()
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.removeWorkdir()
		return fmt.Errorf("worker stdout: %w", err)
	}
	cmd.Stderr = &logWriter{logger: s.logger}

	if err := cmd.Start(); err != nil {
		s.removeWorkdir()
		return fmt.Errorf("start worker: %w", err)
	}
	s.cmd = cmd
	s.conn = newIPCConn(stdin, stdout)

	if !s.cfg.Container.Enabled() {
		s.applyRlimits(cmd.Process.Pid)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.recvLoop()
	go s.heartbeatLoop(loopCtx)
	go func() {
		_ = cmd.Wait()
		close(s.done)
		s.failPending("worker exited")
	}()

	select {
	case <-s.ready:
		s.logger.Info("worker ready", "pid", cmd.Process.Pid, "workdir", workdir)
		return nil
	case <-s.done:
		s.cleanup()
		return fmt.Errorf("sandbox: worker exited before ready")
	case <-time.After(s.cfg.StartupTimeout):
		s.ForceKill()
		return ErrStartupTimeout
	case <-ctx.Done():
		s.ForceKill()
		return ctx.Err()
	}
}

// applyRlimits caps the worker's address space and stack with
// prlimit, so limits land even though the child is already running.
func (s *Sandbox) applyRlimits(pid int) {
	if s.cfg.MemoryMB > 0 {
		lim := uint64(s.cfg.MemoryMB) * 1024 * 1024
		rl := unix.Rlimit{Cur: lim, Max: lim}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil); err != nil {
			s.logger.Warn("set memory limit failed", "error", err)
		}
	}
	if s.cfg.StackMB > 0 {
		lim := uint64(s.cfg.StackMB) * 1024 * 1024
		rl := unix.Rlimit{Cur: lim, Max: lim}
		if err := unix.Prlimit(pid, unix.RLIMIT_STACK, &rl, nil); err != nil {
			s.logger.Warn("set stack limit failed", "error", err)
		}
	}
}

func (s *Sandbox) recvLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.conn.recv()
		if err != nil {
			return
		}
		switch msg.Type {
		case MsgReady:
			s.readyOnce.Do(func() { close(s.ready) })
		case MsgHeartbeatAck:
			s.missedAcks.Store(0)
		case MsgExecuteResult:
			var res ExecuteResult
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				res = ExecuteResult{Success: false, Error: "malformed execute_result"}
			}
			s.deliver(msg.ID, res)
		case MsgError:
			s.logger.Warn("worker error", "payload", string(msg.Payload))
			if msg.ID != "" {
				s.deliver(msg.ID, ExecuteResult{Success: false, Error: string(msg.Payload)})
			}
		default:
			// Unknown types are ignored for forward compatibility.
		}
	}
}

func (s *Sandbox) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if missed := s.missedAcks.Add(1); missed > maxMissedHeartbeats {
				s.logger.Error("worker unresponsive, force killing",
					"missed_heartbeats", missed-1)
				s.ForceKill()
				return
			}
			if err := s.conn.send(MsgHeartbeat, uuid.NewString(), nil); err != nil {
				s.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

func (s *Sandbox) deliver(id string, res ExecuteResult) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (s *Sandbox) failPending(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- ExecuteResult{Success: false, Error: reason}
	}
}

// Execute runs one request in the worker. Executions are serial per
// sandbox. When the context deadline expires first, the sandbox is
// terminated and the result is a timeout.
func (s *Sandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ExecuteResult{}, ErrTerminated
	}
	select {
	case <-s.ready:
	default:
		s.mu.Unlock()
		return ExecuteResult{}, ErrNotReady
	}

	id := uuid.NewString()
	ch := make(chan ExecuteResult, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineMS = time.Until(deadline).Milliseconds()
	}

	start := time.Now()
	if err := s.conn.send(MsgExecute, id, req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ExecuteResult{}, fmt.Errorf("send execute: %w", err)
	}

	select {
	case res := <-ch:
		if res.DurationMS == 0 {
			res.DurationMS = time.Since(start).Milliseconds()
		}
		return res, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		go s.Terminate(context.Background())
		return ExecuteResult{
			Success:    false,
			TimedOut:   true,
			Error:      "timeout",
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	case <-s.done:
		return ExecuteResult{
			Success:    false,
			Error:      "worker exited",
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}
}

// Terminate shuts the worker down gracefully: terminate IPC, then
// SIGTERM, then SIGKILL after the grace period. Idempotent.
func (s *Sandbox) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.send(MsgTerminate, "", nil)
	}

	grace := s.cfg.TerminateGrace
	if !s.waitExit(grace / 2) {
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
		if !s.waitExit(grace / 2) {
			if s.cmd != nil && s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			s.waitExit(grace)
		}
	}

	s.cleanup()
	return nil
}

// ForceKill kills the worker immediately and cleans up.
func (s *Sandbox) ForceKill() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.waitExit(s.cfg.TerminateGrace)
	s.cleanup()
}

func (s *Sandbox) waitExit(d time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (s *Sandbox) cleanup() {
	s.cleanOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.failPending("sandbox terminated")
		s.removeWorkdir()
		close(s.cleaned)
	})
}

// AwaitCleanup blocks until the sandbox has released its process and
// workdir. The workdir path is deterministic per agent, so a
// replacement must not spawn before the old instance finishes.
func (s *Sandbox) AwaitCleanup(ctx context.Context) error {
	select {
	case <-s.cleaned:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sandbox) removeWorkdir() {
	if s.workdir == "" {
		return
	}
	if err := RemoveWorkdir(s.cfg.WorkdirRoot, s.workdir); err != nil {
		s.logger.Warn("workdir cleanup failed", "error", err)
	}
}

// Terminated reports whether the sandbox has been shut down.
func (s *Sandbox) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// logWriter forwards worker stderr lines to the structured logger.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug("worker stderr", "output", string(p))
	return len(p), nil
}
