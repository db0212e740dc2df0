package egress

import "errors"

var (
	// errWindowAborted is returned by flowWindow.reserve when the window
	// was aborted (stream reset, or connection-level abort) while a writer
	// was blocked waiting for credit.
	errWindowAborted = errors.New("egress: flow control window aborted")

	// ErrEngineCompleted is returned by every write operation called after
	// Complete has already run.
	ErrEngineCompleted = errors.New("egress: engine already completed")

	// ErrEngineAborted is returned by every write operation called after
	// Abort has already run.
	ErrEngineAborted = errors.New("egress: engine aborted")

	// ErrHeaderBlockCorrupt marks the HPACK encoder's dynamic table as
	// permanently unusable after a failed WriteField call. Once returned,
	// every subsequent header write on the connection must fail the same
	// way, because the peer's decoder state can no longer be trusted to
	// match ours.
	ErrHeaderBlockCorrupt = errors.New("egress: hpack encoder corrupted, connection must close")

	// ErrUnknownStream is returned when a per-stream operation references
	// a stream the engine has no record of (never opened, or already
	// reaped after completion).
	ErrUnknownStream = errors.New("egress: unknown stream")

	// errRateTooSlow is the internal error recorded on an engine aborted
	// by the minimum-data-rate watchdog.
	errRateTooSlow = errors.New("egress: output rate below configured minimum, flush cancelled")
)
