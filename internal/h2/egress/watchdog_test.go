package egress

import (
	"sync"
	"testing"
	"time"
)

func TestRateWatchdogDisabledWhenMinRateZero(t *testing.T) {
	w := newRateWatchdog(0, 0, func(error) { t.Fatal("aborter must not fire when disabled") })
	result := newFlushResult()
	w.arm(1<<20, result)
	time.Sleep(20 * time.Millisecond)
	w.disarm()
	result.resolve(nil)
}

func TestRateWatchdogDoesNotTripIfDisarmedInTime(t *testing.T) {
	var fired bool
	var mu sync.Mutex
	w := newRateWatchdog(1<<20, time.Millisecond, func(error) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	result := newFlushResult()
	w.arm(10, result)
	w.disarm()
	result.resolve(nil)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("aborter fired after disarm")
	}
}

func TestRateWatchdogTripsWhenFlushTooSlow(t *testing.T) {
	done := make(chan error, 1)
	w := newRateWatchdog(1<<20, time.Millisecond, func(err error) { done <- err })
	result := newFlushResult()

	// 1 MiB/s minimum with a 1ms grace period: arming for a (hypothetical)
	// 50KB flush gives roughly a 48ms deadline, well under the one-second
	// timeout below.
	w.arm(50_000, result)
	select {
	case err := <-done:
		if err != errRateTooSlow {
			t.Fatalf("aborter err = %v, want errRateTooSlow", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not trip")
	}
	w.disarm()
	if err := result.wait(); err != errRateTooSlow {
		t.Fatalf("result.wait() = %v, want errRateTooSlow", err)
	}
}
