package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunOnce(t *testing.T) {
	var called atomic.Int32
	s := New("test-run-once", func(_ context.Context) error {
		called.Add(1)
		return nil
	}, 0)
	defer s.Shutdown()

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if called.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", called.Load())
	}
}

func TestScheduler_RunOnceReturnsError(t *testing.T) {
	boom := errors.New("boom")
	s := New("test-error", func(_ context.Context) error { return boom }, 0)
	defer s.Shutdown()

	if err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestScheduler_PeriodicTick(t *testing.T) {
	var called atomic.Int32
	s := New("test-tick", func(_ context.Context) error {
		called.Add(1)
		return nil
	}, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for called.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Shutdown()

	if n := called.Load(); n < 2 {
		t.Fatalf("expected at least 2 calls, got %d", n)
	}
}

func TestScheduler_ShutdownStopsTicker(t *testing.T) {
	var called atomic.Int32
	s := New("test-stop", func(_ context.Context) error {
		called.Add(1)
		return nil
	}, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s.Shutdown()

	atShutdown := called.Load()
	time.Sleep(80 * time.Millisecond)
	if called.Load() != atShutdown {
		t.Fatal("scheduler continued after shutdown")
	}
}

func TestScheduler_ShutdownIdempotent(t *testing.T) {
	s := New("test-idempotent", func(_ context.Context) error { return nil }, 0)
	s.Shutdown()
	s.Shutdown()

	t2 := New("test-idempotent-tick", func(_ context.Context) error { return nil }, time.Hour)
	t2.Shutdown()
	t2.Shutdown()
}
