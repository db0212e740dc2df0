package egress

import (
	"fmt"
	"sync"
)

// maxWindowSize is the largest value a flow-control window may hold, per
// RFC 7540 ยง6.9: 2^31-1.
const maxWindowSize = 1<<31 - 1

// errWindowOverflow is returned when a WINDOW_UPDATE increment would push a
// window's available credit above maxWindowSize.
var errWindowOverflow = fmt.Errorf("egress: flow control window overflow")

// windowWaiter is a single FIFO entry blocked waiting for send credit.
type windowWaiter struct {
	want  int32
	ready chan struct{}
}

// flowWindow is a single HTTP/2 flow-control window: either the connection
// window or one stream's send window. available may go negative after a
// SETTINGS_INITIAL_WINDOW_SIZE decrease lands while data is already
// in flight for streams opened under the old value (RFC 7540 ยง6.9.2).
//
// Waiters queue in FIFO order. A waiter is only woken once nonzero credit
// is available for it; it still only receives min(available, want), so a
// single large WINDOW_UPDATE may satisfy several waiters in sequence.
type flowWindow struct {
	mu        sync.Mutex
	available int64
	aborted   bool
	waiters   []*windowWaiter
}

func newFlowWindow(initial int32) *flowWindow {
	return &flowWindow{available: int64(initial)}
}

// increase applies a WINDOW_UPDATE increment. It returns errWindowOverflow
// if the result would exceed maxWindowSize, leaving available unchanged.
func (w *flowWindow) increase(delta int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.available + int64(delta)
	if next > maxWindowSize {
		return errWindowOverflow
	}
	w.available = next
	w.wakeLocked()
	return nil
}

// applyInitialWindowDelta adjusts available by delta without the
// maxWindowSize bound check; used when SETTINGS_INITIAL_WINDOW_SIZE changes
// and every stream's window is shifted by the same signed delta, which may
// legitimately drive available negative (RFC 7540 ยง6.9.2) but never above
// maxWindowSize since the delta itself is bounded by the setting's range.
func (w *flowWindow) applyInitialWindowDelta(delta int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.available += int64(delta)
	w.wakeLocked()
}

// wakeLocked must be called with w.mu held. When credit is available it
// wakes only the head waiter by closing its ready channel; that waiter
// calls wakeLocked again after taking its grant, so the next waiter is
// woken only if credit remains.
func (w *flowWindow) wakeLocked() {
	if len(w.waiters) == 0 || (w.available <= 0 && !w.aborted) {
		return
	}
	head := w.waiters[0]
	w.waiters = w.waiters[1:]
	close(head.ready)
}

// reserve blocks until at least 1 byte of credit is available (or the
// window is aborted) and returns up to want bytes of credit, decrementing
// available by the granted amount. Waiters are served strictly in the
// order they called reserve (FIFO), matching the cooperative scheduling
// model: nothing else may consume this window's credit between a waiter
// being woken and it retrying.
func (w *flowWindow) reserve(want int32) (granted int32, err error) {
	if want <= 0 {
		return 0, nil
	}
	for {
		w.mu.Lock()
		if w.aborted {
			w.mu.Unlock()
			return 0, errWindowAborted
		}
		if w.available > 0 && len(w.waiters) == 0 {
			granted = want
			if int64(granted) > w.available {
				granted = int32(w.available)
			}
			w.available -= int64(granted)
			w.mu.Unlock()
			return granted, nil
		}
		waiter := &windowWaiter{want: want, ready: make(chan struct{})}
		w.waiters = append(w.waiters, waiter)
		w.mu.Unlock()

		<-waiter.ready

		w.mu.Lock()
		if w.aborted {
			w.mu.Unlock()
			return 0, errWindowAborted
		}
		if w.available <= 0 {
			// Woken by abort race or a zero-delta settle; loop and re-queue.
			w.mu.Unlock()
			continue
		}
		granted = waiter.want
		if int64(granted) > w.available {
			granted = int32(w.available)
		}
		w.available -= int64(granted)
		w.wakeLocked()
		w.mu.Unlock()
		return granted, nil
	}
}

// tryReserve returns immediately with whatever credit (possibly zero) is
// available without joining the FIFO wait queue. Used by the coordinator's
// "force-flush on first zero-credit write" rule, which must not block.
func (w *flowWindow) tryReserve(want int32) (granted int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.available <= 0 || len(w.waiters) > 0 {
		return 0
	}
	granted = want
	if int64(granted) > w.available {
		granted = int32(w.available)
	}
	w.available -= int64(granted)
	return granted
}

// release returns previously reserved credit, used when a reserved chunk
// could not be written (e.g. the engine aborted mid-write).
func (w *flowWindow) release(n int32) {
	if n == 0 {
		return
	}
	w.mu.Lock()
	w.available += int64(n)
	w.wakeLocked()
	w.mu.Unlock()
}

// abort marks the window terminal and wakes every queued waiter with an
// error. Used by abortPendingStreamDataWrites and connection-level abort.
func (w *flowWindow) abort() {
	w.mu.Lock()
	w.aborted = true
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, waiter := range waiters {
		close(waiter.ready)
	}
}

// snapshot returns the current available credit without reserving any of
// it, used to size DATA chunks before calling reserve on two windows at
// once (connection + stream).
func (w *flowWindow) snapshot() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}
