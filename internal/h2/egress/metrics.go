package egress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics tracks per-process counters for the egress write pipeline,
// registered once per binary and shared by every Engine instance (one per
// connection), the same pattern the framework's HTTP metrics middleware
// uses for request counters.
type engineMetrics struct {
	framesWritten   *prometheus.CounterVec
	bytesFlushed    prometheus.Counter
	windowSuspended prometheus.Counter
	watchdogAborts  prometheus.Counter
}

var defaultMetrics = newEngineMetrics(prometheus.DefaultRegisterer)

// newEngineMetrics registers the egress counters against reg. Tests that
// want isolated metrics pass prometheus.NewRegistry(); production code
// uses the package-level defaultMetrics.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	return &engineMetrics{
		framesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "h2_egress_frames_written_total",
			Help: "HTTP/2 frames written by this process, by frame type.",
		}, []string{"type"}),
		bytesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "h2_egress_bytes_flushed_total",
			Help: "Bytes handed to the transport sink's Flush by this process.",
		}),
		windowSuspended: factory.NewCounter(prometheus.CounterOpts{
			Name: "h2_egress_window_suspensions_total",
			Help: "Number of times a DATA write suspended waiting for flow control credit.",
		}),
		watchdogAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "h2_egress_watchdog_aborts_total",
			Help: "Number of connections aborted by the minimum data rate watchdog.",
		}),
	}
}

// EngineMetrics is a connection-scoped summary shape (frame counts, bytes
// flushed, suspensions). No Engine method fills or returns it; the live
// counters are the Prometheus ones in engineMetrics.
type EngineMetrics struct {
	FramesWritten   map[string]uint64
	BytesFlushed    uint64
	WindowSuspended uint64
}
