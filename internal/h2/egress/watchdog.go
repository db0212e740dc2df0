package egress

import (
	"sync"
	"time"
)

// rateWatchdog enforces a minimum sustained output rate across flushes.
// It is armed when a flush begins and disarmed when that flush's result
// resolves; time spent blocked on flow-control credit never counts against
// the deadline because the watchdog is only ever running between Flush()
// and that flush's completion, never while a DATA write loop is parked in
// flowWindow.reserve.
type rateWatchdog struct {
	minBytesPerSecond int64
	graceInterval     time.Duration
	aborter           func(error)

	mu    sync.Mutex
	timer *time.Timer
}

// newRateWatchdog builds a watchdog. minBytesPerSecond <= 0 disables it
// entirely (watch becomes a no-op), matching servers that never configure
// a minimum data rate.
func newRateWatchdog(minBytesPerSecond int64, grace time.Duration, aborter func(error)) *rateWatchdog {
	return &rateWatchdog{minBytesPerSecond: minBytesPerSecond, graceInterval: grace, aborter: aborter}
}

// arm starts the deadline for flushing n bytes of the given in-flight
// result. It must be called right after the sink's Flush is invoked (so
// result is already the one the caller is about to wait on), and disarm
// must be called once that flush resolves, regardless of outcome. On trip,
// the watchdog forces result itself to resolve with errRateTooSlow before
// invoking aborter, so a caller blocked in result.wait() is released even
// if the underlying transport never confirms the write.
func (w *rateWatchdog) arm(n int, result *flushResult) {
	if w.minBytesPerSecond <= 0 || n <= 0 {
		return
	}
	deadline := time.Duration(float64(n)/float64(w.minBytesPerSecond)*float64(time.Second)) + w.graceInterval

	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer = time.AfterFunc(deadline, func() {
		result.resolve(errRateTooSlow)
		if w.aborter != nil {
			w.aborter(errRateTooSlow)
		}
	})
}

// disarm cancels the pending deadline, if any. Safe to call even if arm
// was a no-op.
func (w *rateWatchdog) disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
