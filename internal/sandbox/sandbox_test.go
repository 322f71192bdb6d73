package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// echoWorker speaks the worker protocol in POSIX sh: announces ready,
// acks heartbeats, answers every execute with a success result, and
// exits on terminate.
const echoWorker = `#!/bin/sh
echo '{"type":"ready","ts":0}'
while IFS= read -r line; do
  case "$line" in
    *'"type":"execute"'*)
      id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
      printf '{"type":"execute_result","id":"%s","payload":{"success":true,"result":{"ok":true},"memory_mb":12.5},"ts":0}\n' "$id"
      ;;
    *'"type":"heartbeat"'*)
      echo '{"type":"heartbeat_ack","ts":0}'
      ;;
    *'"type":"terminate"'*)
      exit 0
      ;;
  esac
done
`

// silentWorker becomes ready but never answers execute requests.
const silentWorker = `#!/bin/sh
echo '{"type":"ready","ts":0}'
while IFS= read -r line; do :; done
`

// stuckWorker never reports ready.
const stuckWorker = `#!/bin/sh
sleep 30
`

func writeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func spawnWorker(t *testing.T, script string, cfg Config) *Sandbox {
	t.Helper()
	cfg.Command = "sh"
	cfg.Args = []string{writeWorker(t, script)}
	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = t.TempDir()
	}
	sb := New(cfg)
	if err := sb.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn error = %v", err)
	}
	t.Cleanup(func() { _ = sb.Terminate(context.Background()) })
	return sb
}

func TestSandbox_SpawnAndExecute(t *testing.T) {
	sb := spawnWorker(t, echoWorker, Config{AgentID: "a1"})

	res, err := sb.Execute(context.Background(), ExecuteRequest{Task: "hello"})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if res.MemoryMB != 12.5 {
		t.Errorf("MemoryMB = %v, want worker-reported 12.5", res.MemoryMB)
	}
}

func TestSandbox_StartupTimeout(t *testing.T) {
	cfg := Config{
		AgentID:        "slow",
		Command:        "sh",
		Args:           []string{writeWorker(t, stuckWorker)},
		WorkdirRoot:    t.TempDir(),
		StartupTimeout: 200 * time.Millisecond,
	}
	sb := New(cfg)
	if err := sb.Spawn(context.Background()); err != ErrStartupTimeout {
		t.Errorf("Spawn error = %v, want ErrStartupTimeout", err)
	}
}

func TestSandbox_ExecuteTimeoutTerminates(t *testing.T) {
	sb := spawnWorker(t, silentWorker, Config{AgentID: "hang", TerminateGrace: 300 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := sb.Execute(ctx, ExecuteRequest{Task: "never answered"})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if !res.TimedOut || res.Error != "timeout" {
		t.Errorf("result = %+v, want timed out", res)
	}

	deadline := time.After(3 * time.Second)
	for !sb.Terminated() {
		select {
		case <-deadline:
			t.Fatal("sandbox not terminated after execute timeout")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSandbox_WorkdirRemovedOnTerminate(t *testing.T) {
	root := t.TempDir()
	sb := spawnWorker(t, echoWorker, Config{AgentID: "wd", WorkdirRoot: root})
	dir := sb.Workdir()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workdir missing while running: %v", err)
	}

	if err := sb.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workdir still present after terminate")
	}
}

func TestSandbox_ExecuteAfterTerminate(t *testing.T) {
	sb := spawnWorker(t, echoWorker, Config{AgentID: "done"})
	_ = sb.Terminate(context.Background())

	if _, err := sb.Execute(context.Background(), ExecuteRequest{Task: "x"}); err != ErrTerminated {
		t.Errorf("Execute after terminate error = %v, want ErrTerminated", err)
	}
}

func TestSandbox_ForceKill(t *testing.T) {
	sb := spawnWorker(t, silentWorker, Config{AgentID: "fk"})
	sb.ForceKill()
	if !sb.Terminated() {
		t.Error("Terminated() = false after ForceKill")
	}
}

func TestRegistry_AtMostOnePerAgent(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil)
	cfg := Config{
		AgentID:     "dup",
		Command:     "sh",
		Args:        []string{writeWorker(t, echoWorker)},
		WorkdirRoot: t.TempDir(),
	}
	if _, err := r.Create(context.Background(), cfg); err != nil {
		t.Fatalf("first Create error = %v", err)
	}
	t.Cleanup(func() { _ = r.TerminateAll(context.Background()) })

	if _, err := r.Create(context.Background(), cfg); err == nil {
		t.Error("second Create for same agent succeeded")
	}
}

func TestRegistry_TerminateRemoves(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil)
	cfg := Config{
		AgentID:     "tr",
		Command:     "sh",
		Args:        []string{writeWorker(t, echoWorker)},
		WorkdirRoot: t.TempDir(),
	}
	if _, err := r.Create(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if err := r.Terminate(context.Background(), "tr"); err != nil {
		t.Fatalf("Terminate error = %v", err)
	}
	if _, err := r.Get("tr"); err == nil {
		t.Error("sandbox still registered after Terminate")
	}
	if err := r.Terminate(context.Background(), "tr"); err == nil {
		t.Error("second Terminate succeeded, want unknown agent error")
	}
}

// flakyWorker hangs on its first execute and touches a marker file;
// once the marker exists (a fresh worker after a respawn) it answers
// normally.
const flakyWorker = `#!/bin/sh
echo '{"type":"ready","ts":0}'
while IFS= read -r line; do
  case "$line" in
    *'"type":"execute"'*)
      id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
      if [ -e MARKER ]; then
        printf '{"type":"execute_result","id":"%s","payload":{"success":true,"result":{"ok":true}},"ts":0}\n' "$id"
      else
        touch MARKER
      fi
      ;;
    *'"type":"heartbeat"'*)
      echo '{"type":"heartbeat_ack","ts":0}'
      ;;
    *'"type":"terminate"'*)
      exit 0
      ;;
  esac
done
`

func waitTerminated(t *testing.T, sb *Sandbox) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !sb.Terminated() {
		select {
		case <-deadline:
			t.Fatal("sandbox not terminated after execute timeout")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRegistry_RespawnAfterTimeoutKill(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "respawned")
	script := strings.ReplaceAll(flakyWorker, "MARKER", marker)

	r := NewRegistry(RegistryConfig{RetryBackoff: 10 * time.Millisecond}, nil)
	cfg := Config{
		AgentID:        "flaky",
		Command:        "sh",
		Args:           []string{writeWorker(t, script)},
		WorkdirRoot:    t.TempDir(),
		TerminateGrace: 300 * time.Millisecond,
	}
	first, err := r.Create(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.TerminateAll(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	res, err := r.Execute(ctx, "flaky", ExecuteRequest{Task: "t1"})
	cancel()
	if err != nil {
		t.Fatalf("first Execute error = %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("first result = %+v, want timed out", res)
	}
	waitTerminated(t, first)

	res, err = r.Execute(context.Background(), "flaky", ExecuteRequest{Task: "t2"})
	if err != nil {
		t.Fatalf("Execute after kill error = %v", err)
	}
	if !res.Success {
		t.Errorf("result after respawn = %+v, want success", res)
	}
	replacement, err := r.Get("flaky")
	if err != nil {
		t.Fatal(err)
	}
	if replacement == first {
		t.Error("registry still holds the killed sandbox")
	}
}

func TestRegistry_RespawnBudgetAndRestartInfo(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		RetryBackoff: 5 * time.Millisecond,
		MaxRespawns:  2,
	}, nil)
	cfg := Config{
		AgentID:        "hang",
		Command:        "sh",
		Args:           []string{writeWorker(t, silentWorker)},
		WorkdirRoot:    t.TempDir(),
		TerminateGrace: 100 * time.Millisecond,
	}
	if _, err := r.Create(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.TerminateAll(context.Background()) })

	timedOutExecute := func() {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
		defer cancel()
		res, err := r.Execute(ctx, "hang", ExecuteRequest{Task: "t"})
		if err != nil {
			t.Fatalf("Execute error = %v", err)
		}
		if !res.TimedOut {
			t.Fatalf("result = %+v, want timed out", res)
		}
		sb, err := r.Get("hang")
		if err != nil {
			t.Fatal(err)
		}
		waitTerminated(t, sb)
	}

	timedOutExecute()
	if attempts, _ := r.RestartInfo("hang"); attempts != 0 {
		t.Errorf("RestartInfo before any respawn = %d, want 0", attempts)
	}

	timedOutExecute()
	attempts, backoff := r.RestartInfo("hang")
	if attempts != 1 || backoff != 5*time.Millisecond {
		t.Errorf("RestartInfo = %d, %v, want 1 and 5ms", attempts, backoff)
	}

	timedOutExecute()
	attempts, backoff = r.RestartInfo("hang")
	if attempts != 2 || backoff != 10*time.Millisecond {
		t.Errorf("RestartInfo = %d, %v, want 2 and doubled backoff", attempts, backoff)
	}

	if _, err := r.Execute(context.Background(), "hang", ExecuteRequest{Task: "t"}); !errors.Is(err, ErrRespawnBudget) {
		t.Errorf("Execute past budget error = %v, want ErrRespawnBudget", err)
	}
}

func TestSandbox_SpawnFailureLeavesNoWorkdir(t *testing.T) {
	root := t.TempDir()
	sb := New(Config{
		AgentID:     "missing",
		Command:     filepath.Join(t.TempDir(), "no-such-binary"),
		WorkdirRoot: root,
	})
	if err := sb.Spawn(context.Background()); err == nil {
		t.Fatal("Spawn with a missing command succeeded")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workdir root has %d leftover entries after failed spawn", len(entries))
	}
}

func TestRegistry_ErrorThreshold(t *testing.T) {
	var thresholdAgent string
	r := NewRegistry(RegistryConfig{ErrorThreshold: 3, OnThreshold: func(agentID string, count int) {
		thresholdAgent = agentID
	}}, nil)

	for i := 0; i < 3; i++ {
		r.recordFailure("bad")
	}
	if thresholdAgent != "bad" {
		t.Errorf("threshold callback agent = %q, want bad", thresholdAgent)
	}
	if r.ErrorCount("bad") != 3 {
		t.Errorf("ErrorCount = %d, want 3", r.ErrorCount("bad"))
	}
}
