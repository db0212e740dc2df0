package egress

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// defaultMaxFrameSize is RFC 7540 ยง6.5.2's SETTINGS_MAX_FRAME_SIZE default.
const defaultMaxFrameSize = 16384

// defaultMaxHeaderTableSize is RFC 7541 ยง4.2's default dynamic table size.
const defaultMaxHeaderTableSize = 4096

// defaultInitialWindowSize is RFC 7540 ยง6.9.2's default flow-control
// window size for both the connection and any stream.
const defaultInitialWindowSize = 65535

// streamState is the egress-side bookkeeping for one HTTP/2 stream: its
// send window and the flags that drive the first-write-forces-flush and
// end-stream/trailer sequencing rules.
type streamState struct {
	id             uint32
	window         *flowWindow
	headersSent    bool
	firstDataWrite bool
	closed         bool
}

// EngineOptions configures a new Engine. Zero-value fields fall back to
// RFC 7540 defaults.
type EngineOptions struct {
	InitialConnectionWindow int32
	InitialStreamWindow     int32
	MaxFrameSize            uint32
	MaxHeaderTableSize      uint32
	MinBytesPerSecond       int64
	RateGraceInterval       time.Duration
	Scheduler               Scheduler
	Metrics                 *engineMetrics
	// OutputAborter is invoked when the rate watchdog trips or an
	// unrecoverable transport error surfaces from Flush. It runs on
	// whatever goroutine detected the failure.
	OutputAborter func(error)
}

// Engine is the egress framing coordinator for a single HTTP/2 connection:
// it owns HPACK compression, both flow-control windows, frame
// serialization and the connection's Sink. Every exported method is safe
// for concurrent use by multiple stream-handling goroutines.
type Engine struct {
	sink Sink

	// mu serializes all frame emission and engine state mutation. It is
	// never held across a flow-control wait or a sink Flush; see
	// writeDataLoop and Flush.
	mu sync.Mutex

	comp               *compressor
	maxFrameSize       uint32
	maxHeaderTableSize uint32
	connWindow         *flowWindow
	initialStreamWin   int32

	streamsMu sync.Mutex
	streams   map[uint32]*streamState

	completed bool
	aborted   bool
	abortErr  error

	scheduler Scheduler
	watchdog  *rateWatchdog
	metrics   *engineMetrics

	outputAborter func(error)
}

// NewEngine builds an Engine writing onto sink.
func NewEngine(sink Sink, opts EngineOptions) *Engine {
	maxFrame := opts.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = defaultMaxFrameSize
	}
	maxTable := opts.MaxHeaderTableSize
	if maxTable == 0 {
		maxTable = defaultMaxHeaderTableSize
	}
	connWin := opts.InitialConnectionWindow
	if connWin == 0 {
		connWin = defaultInitialWindowSize
	}
	streamWin := opts.InitialStreamWindow
	if streamWin == 0 {
		streamWin = connWin
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = NopScheduler{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = defaultMetrics
	}

	e := &Engine{
		sink:               sink,
		comp:               newCompressor(maxTable),
		maxFrameSize:       maxFrame,
		maxHeaderTableSize: maxTable,
		connWindow:         newFlowWindow(connWin),
		initialStreamWin:   streamWin,
		streams:            make(map[uint32]*streamState),
		scheduler:          scheduler,
		metrics:            metrics,
		outputAborter:      opts.OutputAborter,
	}
	e.comp.setCompression(true)
	e.watchdog = newRateWatchdog(opts.MinBytesPerSecond, opts.RateGraceInterval, func(err error) {
		e.metrics.watchdogAborts.Inc()
		e.Abort(err)
	})
	return e
}

// DisableCompression switches the connection to never-indexed literal
// encoding for every header field (see compressor.setCompression).
func (e *Engine) DisableCompression() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.comp.setCompression(false)
}

// OpenStream registers a new stream with the connection's current initial
// send window. It must be called once per stream before any write
// operation targeting that stream ID.
func (e *Engine) OpenStream(streamID uint32) {
	e.streamsMu.Lock()
	defer e.streamsMu.Unlock()
	if _, ok := e.streams[streamID]; ok {
		return
	}
	e.streams[streamID] = &streamState{
		id:             streamID,
		window:         newFlowWindow(e.initialStreamWin),
		firstDataWrite: true,
	}
}

func (e *Engine) getStream(streamID uint32) (*streamState, error) {
	e.streamsMu.Lock()
	defer e.streamsMu.Unlock()
	st, ok := e.streams[streamID]
	if !ok {
		return nil, ErrUnknownStream
	}
	return st, nil
}

// lifecycleState returns the sentinel for the top of every write operation
// if the engine is no longer accepting writes: ErrEngineCompleted once
// Complete has run, ErrEngineAborted once Abort has run (the error that
// caused the abort itself was already surfaced to whichever call
// triggered it; every other write just gets the sentinel). Returns nil
// while the engine is still live.
func (e *Engine) lifecycleState() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return ErrEngineCompleted
	}
	if e.aborted {
		return ErrEngineAborted
	}
	return nil
}

// writeRawFrameLocked appends one complete frame to the sink. Caller must
// hold e.mu.
func (e *Engine) writeRawFrameLocked(typ http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) {
	var hdr [frameHeaderLen]byte
	encodeFrameHeader(hdr[:], frameHeader{length: uint32(len(payload)), typ: typ, flags: flags, streamID: streamID})
	e.sink.Write(hdr[:])
	if len(payload) > 0 {
		e.sink.Write(payload)
	}
	e.metrics.framesWritten.WithLabelValues(frameTypeName(typ)).Inc()
}

func frameTypeName(t http2.FrameType) string {
	switch t {
	case http2.FrameData:
		return "DATA"
	case http2.FrameHeaders:
		return "HEADERS"
	case http2.FramePriority:
		return "PRIORITY"
	case http2.FrameRSTStream:
		return "RST_STREAM"
	case http2.FrameSettings:
		return "SETTINGS"
	case http2.FramePushPromise:
		return "PUSH_PROMISE"
	case http2.FramePing:
		return "PING"
	case http2.FrameGoAway:
		return "GOAWAY"
	case http2.FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case http2.FrameContinuation:
		return "CONTINUATION"
	default:
		return "UNKNOWN"
	}
}

// writeHeaderBlockLocked fragments block into a HEADERS frame followed by
// however many CONTINUATION frames are needed to stay within maxFrameSize,
// and writes them all to the sink without releasing e.mu, so no other
// frame can land between them. Caller must hold e.mu.
func (e *Engine) writeHeaderBlockLocked(frameType http2.FrameType, streamID uint32, block []byte, endStream bool) {
	maxFrame := int(e.maxFrameSize)
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameSize
	}
	remaining := block
	first := true
	for {
		chunkLen := len(remaining)
		if chunkLen > maxFrame {
			chunkLen = maxFrame
		}
		chunk := remaining[:chunkLen]
		remaining = remaining[chunkLen:]
		last := len(remaining) == 0

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if last {
				flags |= http2.FlagHeadersEndHeaders
			}
			e.writeRawFrameLocked(frameType, flags, streamID, chunk)
			first = false
		} else {
			var flags http2.Flags
			if last {
				flags |= http2.FlagContinuationEndHeaders
			}
			e.writeRawFrameLocked(http2.FrameContinuation, flags, streamID, chunk)
		}
		if last {
			return
		}
	}
}

// WriteResponseHeaders encodes and writes status plus headers as a HEADERS
// block (fragmented into CONTINUATION frames as needed).
func (e *Engine) WriteResponseHeaders(streamID uint32, status int, headerPairs [][2]string, endStream bool) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	st, err := e.getStream(streamID)
	if err != nil {
		return err
	}
	headers := headerFieldsFromPairs(headerPairs)
	sortPseudoFirst(headers)

	e.mu.Lock()
	block, err := e.comp.encodeHeaders(status, headers)
	if err != nil {
		e.mu.Unlock()
		e.Abort(err)
		return err
	}
	e.writeHeaderBlockLocked(http2.FrameHeaders, streamID, block, endStream)
	st.headersSent = true
	e.mu.Unlock()
	return nil
}

// Write100Continue writes the interim 100-Continue HEADERS block: a
// single-pseudo-header, never-ending-stream response that precedes the
// stream's real response headers.
func (e *Engine) Write100Continue(streamID uint32) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	if _, err := e.getStream(streamID); err != nil {
		return err
	}
	e.mu.Lock()
	block, err := e.comp.encodeHeaders(100, nil)
	if err != nil {
		e.mu.Unlock()
		e.Abort(err)
		return err
	}
	e.writeHeaderBlockLocked(http2.FrameHeaders, streamID, block, false)
	e.mu.Unlock()
	return nil
}

// WriteResponseTrailers writes a trailing HEADERS block with END_STREAM
// set, as the final frame(s) on the stream.
func (e *Engine) WriteResponseTrailers(streamID uint32, trailerPairs [][2]string) error {
	return e.writeResponseTrailersFields(streamID, headerFieldsFromPairs(trailerPairs))
}

func (e *Engine) writeResponseTrailersFields(streamID uint32, trailers []headerField) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	if _, err := e.getStream(streamID); err != nil {
		return err
	}
	e.mu.Lock()
	block, err := e.comp.encodeTrailers(trailers)
	if err != nil {
		e.mu.Unlock()
		e.Abort(err)
		return err
	}
	e.writeHeaderBlockLocked(http2.FrameHeaders, streamID, block, true)
	e.mu.Unlock()
	return nil
}

// WriteData fragments data across DATA frames bounded by both flow-control
// windows and MAX_FRAME_SIZE, blocking (cooperatively) whenever credit runs
// out. If endStream is true the final frame carries END_STREAM.
func (e *Engine) WriteData(streamID uint32, data []byte, endStream bool) error {
	return e.writeDataAndMaybeTrailers(streamID, data, endStream, nil)
}

// WriteDataAndTrailers writes data followed by a trailers block, so the
// stream ends on the trailers rather than on the last DATA frame.
func (e *Engine) WriteDataAndTrailers(streamID uint32, data []byte, trailerPairs [][2]string) error {
	return e.writeDataAndMaybeTrailers(streamID, data, false, headerFieldsFromPairs(trailerPairs))
}

func (e *Engine) writeDataAndMaybeTrailers(streamID uint32, data []byte, endStream bool, trailers []headerField) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	st, err := e.getStream(streamID)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		if endStream && trailers == nil {
			e.mu.Lock()
			e.writeRawFrameLocked(http2.FrameData, http2.FlagDataEndStream, streamID, nil)
			e.mu.Unlock()
		}
	} else {
		remaining := data
		for len(remaining) > 0 {
			if err := e.lifecycleState(); err != nil {
				return err
			}

			e.mu.Lock()
			maxFrame := int(e.maxFrameSize)
			e.mu.Unlock()
			want := len(remaining)
			if want > maxFrame {
				want = maxFrame
			}

			if st.firstDataWrite {
				// The first write on a stream must not leave this stream's
				// HEADERS sitting unflushed in the sink while it blocks: flush
				// whenever either window's available credit can't satisfy the
				// write outright, not only when the connection window
				// specifically is the bottleneck.
				if e.connWindow.snapshot() < int64(want) || st.window.snapshot() < int64(want) {
					_ = e.Flush()
				}
				st.firstDataWrite = false
			}

			connGranted := e.connWindow.tryReserve(int32(want))
			if connGranted == 0 {
				e.metrics.windowSuspended.Inc()
				granted, werr := e.connWindow.reserve(int32(want))
				if werr != nil {
					return werr
				}
				connGranted = granted
				e.scheduler.Yield()
			}

			streamGranted := st.window.tryReserve(connGranted)
			if streamGranted == 0 {
				e.metrics.windowSuspended.Inc()
				granted, werr := st.window.reserve(connGranted)
				if werr != nil {
					e.connWindow.release(connGranted)
					return werr
				}
				streamGranted = granted
				e.scheduler.Yield()
			}
			if streamGranted < connGranted {
				e.connWindow.release(connGranted - streamGranted)
			}

			chunk := remaining[:streamGranted]
			remaining = remaining[streamGranted:]
			last := len(remaining) == 0

			var flags http2.Flags
			if last && endStream && trailers == nil {
				flags = http2.FlagDataEndStream
			}
			e.mu.Lock()
			e.writeRawFrameLocked(http2.FrameData, flags, streamID, chunk)
			e.mu.Unlock()
		}
	}

	if trailers != nil {
		return e.writeResponseTrailersFields(streamID, trailers)
	}
	return nil
}

// WriteWindowUpdate sends an outbound WINDOW_UPDATE, used to grant the
// peer more credit to send us request bodies (the inbound-receive side of
// flow control, which this connection also owns the wire encoding for).
func (e *Engine) WriteWindowUpdate(streamID uint32, increment uint32) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	var payload [4]byte
	payload[0] = byte(increment >> 24)
	payload[1] = byte(increment >> 16)
	payload[2] = byte(increment >> 8)
	payload[3] = byte(increment)
	e.mu.Lock()
	e.writeRawFrameLocked(http2.FrameWindowUpdate, 0, streamID, payload[:])
	e.mu.Unlock()
	return nil
}

// WriteRstStream writes an RST_STREAM and marks the stream's send window
// aborted so any writer still blocked on flow-control credit wakes with an
// error instead of hanging.
func (e *Engine) WriteRstStream(streamID uint32, code http2.ErrCode) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	var payload [4]byte
	payload[0] = byte(code >> 24)
	payload[1] = byte(code >> 16)
	payload[2] = byte(code >> 8)
	payload[3] = byte(code)
	e.mu.Lock()
	e.writeRawFrameLocked(http2.FrameRSTStream, 0, streamID, payload[:])
	e.mu.Unlock()
	e.AbortPendingStreamDataWrites(streamID)
	return nil
}

// WriteSettings writes a SETTINGS frame listing the given settings.
func (e *Engine) WriteSettings(settings ...http2.Setting) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	payload := make([]byte, 0, 6*len(settings))
	for _, s := range settings {
		var b [6]byte
		b[0] = byte(s.ID >> 8)
		b[1] = byte(s.ID)
		b[2] = byte(s.Val >> 24)
		b[3] = byte(s.Val >> 16)
		b[4] = byte(s.Val >> 8)
		b[5] = byte(s.Val)
		payload = append(payload, b[:]...)
	}
	e.mu.Lock()
	e.writeRawFrameLocked(http2.FrameSettings, 0, 0, payload)
	e.mu.Unlock()
	return nil
}

// WriteSettingsAck writes an empty SETTINGS frame with the ACK flag set.
func (e *Engine) WriteSettingsAck() error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	e.mu.Lock()
	e.writeRawFrameLocked(http2.FrameSettings, http2.FlagSettingsAck, 0, nil)
	e.mu.Unlock()
	return nil
}

// WritePing writes a PING frame carrying the given 8-byte opaque payload.
func (e *Engine) WritePing(ack bool, data [8]byte) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	var flags http2.Flags
	if ack {
		flags = http2.FlagPingAck
	}
	e.mu.Lock()
	e.writeRawFrameLocked(http2.FramePing, flags, 0, data[:])
	e.mu.Unlock()
	return nil
}

// WriteGoAway writes a GOAWAY frame and completes the engine: no further
// writes may follow a GOAWAY on this connection.
func (e *Engine) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	if err := e.lifecycleState(); err != nil {
		return err
	}
	payload := make([]byte, 8+len(debug))
	payload[0] = byte(lastStreamID >> 24)
	payload[1] = byte(lastStreamID >> 16)
	payload[2] = byte(lastStreamID >> 8)
	payload[3] = byte(lastStreamID)
	payload[4] = byte(code >> 24)
	payload[5] = byte(code >> 16)
	payload[6] = byte(code >> 8)
	payload[7] = byte(code)
	copy(payload[8:], debug)

	e.mu.Lock()
	e.writeRawFrameLocked(http2.FrameGoAway, 0, 0, payload)
	e.mu.Unlock()
	err := e.Flush()
	e.Complete()
	return err
}

// UpdateMaxHeaderTableSize applies a locally-decided (or peer-advertised,
// depending on direction) dynamic table size bound to the HPACK encoder.
func (e *Engine) UpdateMaxHeaderTableSize(size uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxHeaderTableSize = size
	e.comp.setMaxDynamicTableSize(size)
}

// UpdateMaxFrameSize changes the outbound fragmentation threshold for
// HEADERS/CONTINUATION and DATA frames. Frames already written are
// unaffected; only subsequent writes observe the new size.
func (e *Engine) UpdateMaxFrameSize(size uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if size == 0 {
		size = defaultMaxFrameSize
	}
	e.maxFrameSize = size
}

// Flush hands all pending sink output to the transport and waits for it to
// be confirmed sent (or to fail). The rate watchdog is armed for the
// duration of this call only, so time spent waiting on flow-control
// credit before Flush was even called never counts against the deadline.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	n := e.sink.Unflushed()
	result := e.sink.Flush()
	e.watchdog.arm(n, result)
	err := result.wait()
	e.watchdog.disarm()
	if n > 0 {
		e.metrics.bytesFlushed.Add(float64(n))
	}
	if err != nil {
		e.Abort(err)
	}
	return err
}

// TryUpdateConnectionWindow applies an inbound WINDOW_UPDATE's increment to
// the connection send window.
func (e *Engine) TryUpdateConnectionWindow(delta int32) error {
	return e.connWindow.increase(delta)
}

// TryUpdateStreamWindow applies an inbound WINDOW_UPDATE's increment to one
// stream's send window.
func (e *Engine) TryUpdateStreamWindow(streamID uint32, delta int32) error {
	st, err := e.getStream(streamID)
	if err != nil {
		return err
	}
	return st.window.increase(delta)
}

// ApplyInitialWindowSizeDelta shifts every currently open stream's window
// (and the default used for streams opened from now on) by delta, as
// required when a SETTINGS frame changes SETTINGS_INITIAL_WINDOW_SIZE
// (RFC 7540 ยง6.9.2). This may legitimately drive some streams' windows
// negative.
func (e *Engine) ApplyInitialWindowSizeDelta(delta int32) {
	e.mu.Lock()
	e.initialStreamWin += delta
	e.mu.Unlock()

	e.streamsMu.Lock()
	streams := make([]*streamState, 0, len(e.streams))
	for _, st := range e.streams {
		streams = append(streams, st)
	}
	e.streamsMu.Unlock()
	for _, st := range streams {
		st.window.applyInitialWindowDelta(delta)
	}
}

// AbortPendingStreamDataWrites wakes any writer currently blocked waiting
// for this stream's send-window credit with an error, and marks the
// stream's window so future reserve calls fail immediately. Used when a
// stream is reset (locally or by the peer) while a DATA write is still in
// flight.
func (e *Engine) AbortPendingStreamDataWrites(streamID uint32) {
	st, err := e.getStream(streamID)
	if err != nil {
		return
	}
	st.window.abort()
	e.streamsMu.Lock()
	st.closed = true
	e.streamsMu.Unlock()
}

// Complete marks the engine terminal: every subsequent write operation
// writes nothing to the sink and returns ErrEngineCompleted. Unlike Abort, Complete represents an orderly shutdown
// (e.g. GOAWAY fully drained) rather than a failure.
func (e *Engine) Complete() {
	e.mu.Lock()
	e.completed = true
	e.mu.Unlock()
}

// Abort transitions the engine to the aborted state, releases every
// blocked writer with an error, and invokes the configured output
// aborter, if any. err is recorded and reported by Err(); subsequent
// write operations return ErrEngineAborted. err is not returned to Abort's
// caller since Abort
// is often invoked from error-handling paths that already have their own
// error to return.
func (e *Engine) Abort(err error) {
	e.mu.Lock()
	if e.aborted || e.completed {
		e.mu.Unlock()
		return
	}
	e.aborted = true
	e.abortErr = err
	e.mu.Unlock()

	e.connWindow.abort()
	e.streamsMu.Lock()
	streams := make([]*streamState, 0, len(e.streams))
	for _, st := range e.streams {
		streams = append(streams, st)
	}
	e.streamsMu.Unlock()
	for _, st := range streams {
		st.window.abort()
	}

	e.sink.Abort()
	if e.outputAborter != nil {
		e.outputAborter(err)
	}
}

// Err returns the error that caused Abort, if the engine is aborted.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortErr
}

// IsCompleted reports whether Complete has been called.
func (e *Engine) IsCompleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// IsAborted reports whether Abort has been called.
func (e *Engine) IsAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// ValidateStatus rejects status codes outside the informational/success/
// redirect/error ranges HTTP/2 responses are restricted to, so a caller
// error surfaces before it corrupts the HPACK dynamic table.
func ValidateStatus(status int) error {
	if status < 100 || status > 599 {
		return fmt.Errorf("egress: invalid status code %d", status)
	}
	return nil
}
