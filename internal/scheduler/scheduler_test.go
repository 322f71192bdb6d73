package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestScheduler_IntervalTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	var runs atomic.Int32
	if err := s.Register("tick", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register error = %v", err)
	}

	s.Start()
	time.Sleep(110 * time.Millisecond)
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}

	if got := runs.Load(); got < 3 {
		t.Errorf("job ran %d times in ~100ms at 20ms interval, want >= 3", got)
	}
}

func TestScheduler_NoOverlap(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	var concurrent, maxConcurrent atomic.Int32
	if err := s.Register("slow", 10*time.Millisecond, func(ctx context.Context) error {
		cur := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			prev := maxConcurrent.Load()
			if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.Start()
	time.Sleep(150 * time.Millisecond)
	_ = s.Shutdown(time.Second)

	if maxConcurrent.Load() > 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxConcurrent.Load())
	}
	if s.Skips("slow") == 0 {
		t.Error("overlapping ticks were not skipped")
	}
}

func TestScheduler_LockProviderSkips(t *testing.T) {
	defer goleak.VerifyNone(t)

	released := 0
	grant := true
	s := New(WithLockProvider(func(jobID string) (func(), bool) {
		if !grant {
			return nil, false
		}
		return func() { released++ }, true
	}))

	ran := 0
	if err := s.Register("locked", time.Hour, func(ctx context.Context) error {
		ran++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Trigger("locked"); err != nil {
		t.Fatalf("Trigger error = %v", err)
	}
	if ran != 1 || released != 1 {
		t.Errorf("ran = %d released = %d, want 1/1", ran, released)
	}

	grant = false
	_ = s.Trigger("locked")
	if ran != 1 {
		t.Errorf("job ran without the lock")
	}
	if s.Skips("locked") != 1 {
		t.Errorf("Skips = %d, want 1", s.Skips("locked"))
	}
}

func TestScheduler_PauseResume(t *testing.T) {
	s := New()
	ran := 0
	_ = s.Register("p", time.Hour, func(ctx context.Context) error {
		ran++
		return nil
	})

	if err := s.Pause("p"); err != nil {
		t.Fatal(err)
	}
	_ = s.Trigger("p")
	if ran != 0 {
		t.Error("paused job ran")
	}

	if err := s.Resume("p"); err != nil {
		t.Fatal(err)
	}
	_ = s.Trigger("p")
	if ran != 1 {
		t.Error("resumed job did not run")
	}
}

func TestScheduler_TriggerHandlerError(t *testing.T) {
	s := New()
	_ = s.Register("bad", time.Hour, func(ctx context.Context) error {
		return errors.New("boom")
	})
	// Errors are logged, not propagated.
	if err := s.Trigger("bad"); err != nil {
		t.Errorf("Trigger error = %v, want nil", err)
	}
	if s.Runs("bad") != 1 {
		t.Errorf("Runs = %d, want 1", s.Runs("bad"))
	}
}

func TestScheduler_DuplicateAndUnknown(t *testing.T) {
	s := New()
	h := func(ctx context.Context) error { return nil }
	if err := s.Register("j", time.Second, h); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("j", time.Second, h); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("duplicate Register error = %v", err)
	}
	if err := s.Trigger("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Trigger unknown error = %v", err)
	}
	if err := s.Unregister("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Unregister unknown error = %v", err)
	}
}

func TestScheduler_RegisterCron(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	if err := s.RegisterCron("daily", "0 3 * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("RegisterCron error = %v", err)
	}
	if err := s.RegisterCron("bad", "not a cron", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("invalid cron expression accepted")
	}

	s.Start()
	_ = s.Shutdown(time.Second)
}

func TestScheduler_UnregisterStopsTicking(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New()
	var runs atomic.Int32
	_ = s.Register("gone", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start()
	time.Sleep(35 * time.Millisecond)
	if err := s.Unregister("gone"); err != nil {
		t.Fatal(err)
	}
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() > after+1 {
		t.Errorf("job kept ticking after Unregister: %d -> %d", after, runs.Load())
	}
	_ = s.Shutdown(time.Second)
}

func TestScheduler_ShutdownGraceExpired(t *testing.T) {
	s := New()
	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.Register("stuck", 10*time.Millisecond, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	s.Start()
	<-started

	if err := s.Shutdown(30 * time.Millisecond); err == nil {
		t.Error("Shutdown with stuck job returned nil, want grace expired error")
	}
	close(release)
}
