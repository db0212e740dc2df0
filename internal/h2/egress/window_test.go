package egress

import (
	"testing"
	"time"
)

func TestFlowWindowTryReserve(t *testing.T) {
	w := newFlowWindow(100)
	if got := w.tryReserve(40); got != 40 {
		t.Fatalf("tryReserve(40) = %d, want 40", got)
	}
	if got := w.tryReserve(1000); got != 60 {
		t.Fatalf("tryReserve(1000) = %d, want 60 (remaining credit)", got)
	}
	if got := w.tryReserve(1); got != 0 {
		t.Fatalf("tryReserve(1) on exhausted window = %d, want 0", got)
	}
}

func TestFlowWindowReserveBlocksUntilCredit(t *testing.T) {
	w := newFlowWindow(0)
	done := make(chan int32, 1)
	go func() {
		granted, err := w.reserve(10)
		if err != nil {
			t.Errorf("reserve: %v", err)
		}
		done <- granted
	}()

	select {
	case <-done:
		t.Fatal("reserve returned before any credit was available")
	case <-time.After(20 * time.Millisecond):
	}

	if err := w.increase(5); err != nil {
		t.Fatalf("increase: %v", err)
	}

	select {
	case granted := <-done:
		if granted != 5 {
			t.Fatalf("granted = %d, want 5", granted)
		}
	case <-time.After(time.Second):
		t.Fatal("reserve did not wake after increase")
	}
}

func TestFlowWindowReserveFIFOOrder(t *testing.T) {
	w := newFlowWindow(0)
	order := make(chan int, 3)

	for i := 0; i < 3; i++ {
		idx := i
		go func() {
			if _, err := w.reserve(1); err != nil {
				return
			}
			order <- idx
		}()
		time.Sleep(5 * time.Millisecond) // ensure registration order
	}

	for i := 0; i < 3; i++ {
		if err := w.increase(1); err != nil {
			t.Fatalf("increase: %v", err)
		}
		select {
		case got := <-order:
			if got != i {
				t.Fatalf("waiter woken out of order: got %d, want %d", got, i)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for FIFO waiter")
		}
	}
}

func TestFlowWindowOverflow(t *testing.T) {
	w := newFlowWindow(maxWindowSize)
	if err := w.increase(1); err != errWindowOverflow {
		t.Fatalf("increase past max: err = %v, want errWindowOverflow", err)
	}
}

func TestFlowWindowApplyInitialWindowDeltaGoesNegative(t *testing.T) {
	w := newFlowWindow(10)
	w.applyInitialWindowDelta(-20)
	if got := w.snapshot(); got != -10 {
		t.Fatalf("snapshot after negative delta = %d, want -10", got)
	}
	if got := w.tryReserve(1); got != 0 {
		t.Fatalf("tryReserve on negative window = %d, want 0", got)
	}
}

func TestFlowWindowAbortWakesBlockedReserve(t *testing.T) {
	w := newFlowWindow(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := w.reserve(1)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	w.abort()

	select {
	case err := <-errCh:
		if err != errWindowAborted {
			t.Fatalf("reserve after abort: err = %v, want errWindowAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reserve did not wake after abort")
	}

	if _, err := w.reserve(1); err != errWindowAborted {
		t.Fatalf("reserve on aborted window: err = %v, want errWindowAborted", err)
	}
}

func TestFlowWindowRelease(t *testing.T) {
	w := newFlowWindow(10)
	w.tryReserve(10)
	if got := w.snapshot(); got != 0 {
		t.Fatalf("snapshot = %d, want 0", got)
	}
	w.release(4)
	if got := w.snapshot(); got != 4 {
		t.Fatalf("snapshot after release = %d, want 4", got)
	}
}
