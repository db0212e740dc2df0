package egress

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNopSchedulerYieldReturnsImmediately(t *testing.T) {
	NopScheduler{}.Yield() // must not block or panic
}

func TestWorkerSchedulerYieldRunsOnAnotherGoroutine(t *testing.T) {
	s := NewWorkerScheduler(2)
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		s.Yield()
		calls.Add(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Yield never returned")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
