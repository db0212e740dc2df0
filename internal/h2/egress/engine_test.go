package egress

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// testRegistry gives each test its own Prometheus registry so concurrent
// tests never collide registering the same counter names against the
// global DefaultRegisterer.
func testRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// decodedFrame is a test-only flattening of one frame's header plus payload,
// used to walk everything a BufferSink accumulated.
type decodedFrame struct {
	header  frameHeader
	payload []byte
}

func decodeFrames(t *testing.T, b []byte) []decodedFrame {
	t.Helper()
	var out []decodedFrame
	for len(b) > 0 {
		if len(b) < frameHeaderLen {
			t.Fatalf("trailing %d bytes too short for a frame header", len(b))
		}
		h := decodeFrameHeader(b)
		b = b[frameHeaderLen:]
		if uint32(len(b)) < h.length {
			t.Fatalf("frame declares length %d but only %d bytes remain", h.length, len(b))
		}
		out = append(out, decodedFrame{header: h, payload: b[:h.length]})
		b = b[h.length:]
	}
	return out
}

func decodeHeaderBlock(t *testing.T, block []byte) map[string]string {
	t.Helper()
	got := map[string]string{}
	dec := hpack.NewDecoder(defaultMaxHeaderTableSize, func(f hpack.HeaderField) {
		got[f.Name] = f.Value
	})
	if _, err := dec.Write(block); err != nil {
		t.Fatalf("hpack decode: %v", err)
	}
	return got
}

func newTestEngine(t *testing.T) (*Engine, *BufferSink) {
	t.Helper()
	sink := NewBufferSink()
	e := NewEngine(sink, EngineOptions{
		Scheduler: NopScheduler{},
		Metrics:   newEngineMetrics(testRegistry()),
	})
	return e, sink
}

// TestWriteResponseHeadersRoundTrip covers S2: a HEADERS frame whose decoded
// fields match what was requested.
func TestWriteResponseHeadersRoundTrip(t *testing.T) {
	e, sink := newTestEngine(t)
	e.OpenStream(1)

	if err := e.WriteResponseHeaders(1, 200, [][2]string{{"content-type", "text/plain"}}, true); err != nil {
		t.Fatalf("WriteResponseHeaders: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	frames := decodeFrames(t, sink.Bytes())
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.header.typ != http2.FrameHeaders {
		t.Fatalf("frame type = %v, want HEADERS", f.header.typ)
	}
	if f.header.flags&http2.FlagHeadersEndStream == 0 {
		t.Fatal("missing END_STREAM")
	}
	if f.header.flags&http2.FlagHeadersEndHeaders == 0 {
		t.Fatal("missing END_HEADERS")
	}
	got := decodeHeaderBlock(t, f.payload)
	if got[":status"] != "200" {
		t.Fatalf(":status = %q, want 200", got[":status"])
	}
	if got["content-type"] != "text/plain" {
		t.Fatalf("content-type = %q", got["content-type"])
	}
}

// TestWrite100ContinueThenRealHeaders covers S1's interim-response sequencing:
// a 100-Continue HEADERS block precedes the real response and never carries
// END_STREAM.
func TestWrite100ContinueThenRealHeaders(t *testing.T) {
	e, sink := newTestEngine(t)
	e.OpenStream(1)

	if err := e.Write100Continue(1); err != nil {
		t.Fatalf("Write100Continue: %v", err)
	}
	if err := e.WriteResponseHeaders(1, 200, nil, true); err != nil {
		t.Fatalf("WriteResponseHeaders: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	frames := decodeFrames(t, sink.Bytes())
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].header.flags&http2.FlagHeadersEndStream != 0 {
		t.Fatal("100-Continue must not carry END_STREAM")
	}
	first := decodeHeaderBlock(t, frames[0].payload)
	if first[":status"] != "100" {
		t.Fatalf(":status = %q, want 100", first[":status"])
	}
	second := decodeHeaderBlock(t, frames[1].payload)
	if second[":status"] != "200" {
		t.Fatalf(":status = %q, want 200", second[":status"])
	}
}

// TestHeaderBlockFragmentsIntoContinuation covers a HEADERS block larger
// than MAX_FRAME_SIZE being split across HEADERS + CONTINUATION frames with
// END_HEADERS only on the last one.
func TestHeaderBlockFragmentsIntoContinuation(t *testing.T) {
	e, sink := newTestEngine(t)
	e.UpdateMaxFrameSize(32)
	e.OpenStream(1)

	headers := make([][2]string, 0, 20)
	for i := 0; i < 20; i++ {
		headers = append(headers, [2]string{"x-custom-header-name", "some-fairly-long-header-value"})
	}
	if err := e.WriteResponseHeaders(1, 200, headers, true); err != nil {
		t.Fatalf("WriteResponseHeaders: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	frames := decodeFrames(t, sink.Bytes())
	if len(frames) < 2 {
		t.Fatalf("got %d frames, want at least 2 (HEADERS + CONTINUATION)", len(frames))
	}
	if frames[0].header.typ != http2.FrameHeaders {
		t.Fatalf("frames[0] type = %v, want HEADERS", frames[0].header.typ)
	}
	for _, f := range frames[1:] {
		if f.header.typ != http2.FrameContinuation {
			t.Fatalf("frame type = %v, want CONTINUATION", f.header.typ)
		}
	}
	for _, f := range frames[:len(frames)-1] {
		if f.header.flags&http2.FlagHeadersEndHeaders != 0 {
			t.Fatal("END_HEADERS set before the last fragment")
		}
	}
	last := frames[len(frames)-1]
	if last.header.flags&http2.FlagHeadersEndHeaders == 0 {
		t.Fatal("last fragment missing END_HEADERS")
	}
}

// TestWriteDataRespectsMaxFrameSize covers DATA fragmentation purely by
// MAX_FRAME_SIZE when flow control credit is abundant.
func TestWriteDataRespectsMaxFrameSize(t *testing.T) {
	e, sink := newTestEngine(t)
	e.UpdateMaxFrameSize(16)
	e.OpenStream(1)

	if err := e.WriteData(1, make([]byte, 40), true); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	frames := decodeFrames(t, sink.Bytes())
	if len(frames) != 3 {
		t.Fatalf("got %d DATA frames, want 3 (16+16+8)", len(frames))
	}
	total := 0
	for i, f := range frames {
		if f.header.typ != http2.FrameData {
			t.Fatalf("frame %d type = %v, want DATA", i, f.header.typ)
		}
		total += int(f.header.length)
		last := i == len(frames)-1
		if last && f.header.flags&http2.FlagDataEndStream == 0 {
			t.Fatal("last DATA frame missing END_STREAM")
		}
		if !last && f.header.flags&http2.FlagDataEndStream != 0 {
			t.Fatal("non-last DATA frame carries END_STREAM")
		}
	}
	if total != 40 {
		t.Fatalf("total DATA bytes = %d, want 40", total)
	}
}

// TestWriteDataBlocksOnStreamWindowAndResumes covers the suspend/resume
// path: a write larger than the stream's window blocks until a
// WINDOW_UPDATE lands, and then completes.
func TestWriteDataBlocksOnStreamWindowAndResumes(t *testing.T) {
	e, sink := newTestEngine(t)
	e.OpenStream(1)
	if err := getStreamWindow(t, e, 1).increase(-defaultInitialWindowSize + 10); err != nil {
		t.Fatalf("shrinking stream window: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.WriteData(1, make([]byte, 30), true) }()

	select {
	case <-done:
		t.Fatal("WriteData returned before enough credit was available")
	case <-time.After(20 * time.Millisecond):
	}

	if err := e.TryUpdateStreamWindow(1, 20); err != nil {
		t.Fatalf("TryUpdateStreamWindow: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WriteData: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WriteData did not resume after WINDOW_UPDATE")
	}

	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	frames := decodeFrames(t, sink.Bytes())
	total := 0
	for _, f := range frames {
		total += int(f.header.length)
	}
	if total != 30 {
		t.Fatalf("total bytes written = %d, want 30", total)
	}
}

// TestFirstDataWriteFlushesBufferedHeadersWhenStreamWindowInsufficient covers
// S6: a stream's first DATA write forces a flush of its buffered HEADERS
// whenever either window's credit (not only the connection window's) can't
// satisfy the write outright.
func TestFirstDataWriteFlushesBufferedHeadersWhenStreamWindowInsufficient(t *testing.T) {
	e, sink := newTestEngine(t)
	e.OpenStream(1)
	if err := e.WriteResponseHeaders(1, 200, nil, false); err != nil {
		t.Fatalf("WriteResponseHeaders: %v", err)
	}
	// Ample connection window, but a stream window that can only cover 40
	// of the upcoming 100-byte write.
	if err := getStreamWindow(t, e, 1).increase(-defaultInitialWindowSize + 40); err != nil {
		t.Fatalf("shrinking stream window: %v", err)
	}
	before := testutil.ToFloat64(e.metrics.bytesFlushed)

	done := make(chan error, 1)
	go func() { done <- e.WriteData(1, make([]byte, 100), true) }()

	select {
	case <-done:
		t.Fatal("WriteData returned before enough stream-window credit was available")
	case <-time.After(20 * time.Millisecond):
	}

	if got := testutil.ToFloat64(e.metrics.bytesFlushed); got <= before {
		t.Fatalf("bytesFlushed = %v, want an increase: HEADERS were never flushed ahead of the blocked write", got)
	}
	frames := decodeFrames(t, sink.Bytes())
	if len(frames) == 0 || frames[0].header.typ != http2.FrameHeaders {
		t.Fatalf("frames = %+v, want HEADERS flushed before DATA", frames)
	}

	if err := e.TryUpdateStreamWindow(1, 60); err != nil {
		t.Fatalf("TryUpdateStreamWindow: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WriteData: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WriteData did not resume after WINDOW_UPDATE")
	}
}

// getStreamWindow reaches into engine internals purely for test setup
// (shrinking a stream's window below what a normal SETTINGS delta could
// produce in one step, to keep the test fast).
func getStreamWindow(t *testing.T, e *Engine, streamID uint32) *flowWindow {
	t.Helper()
	st, err := e.getStream(streamID)
	if err != nil {
		t.Fatalf("getStream: %v", err)
	}
	return st.window
}

// TestWriteDataAndTrailersEndsOnTrailers covers the trailers sequencing
// invariant: DATA frames never carry END_STREAM when trailers follow; the
// trailers HEADERS frame does.
func TestWriteDataAndTrailersEndsOnTrailers(t *testing.T) {
	e, sink := newTestEngine(t)
	e.OpenStream(1)

	if err := e.WriteDataAndTrailers(1, []byte("payload"), [][2]string{{"x-checksum", "abc"}}); err != nil {
		t.Fatalf("WriteDataAndTrailers: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	frames := decodeFrames(t, sink.Bytes())
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (DATA, trailers HEADERS)", len(frames))
	}
	data, trailers := frames[0], frames[1]
	if data.header.typ != http2.FrameData {
		t.Fatalf("frames[0] type = %v, want DATA", data.header.typ)
	}
	if data.header.flags&http2.FlagDataEndStream != 0 {
		t.Fatal("DATA frame must not carry END_STREAM when trailers follow")
	}
	if trailers.header.typ != http2.FrameHeaders {
		t.Fatalf("frames[1] type = %v, want HEADERS", trailers.header.typ)
	}
	if trailers.header.flags&http2.FlagHeadersEndStream == 0 {
		t.Fatal("trailers HEADERS missing END_STREAM")
	}
	got := decodeHeaderBlock(t, trailers.payload)
	if got["x-checksum"] != "abc" {
		t.Fatalf("x-checksum = %q", got["x-checksum"])
	}
	if _, ok := got[":status"]; ok {
		t.Fatal("trailers must not carry a :status pseudo-header")
	}
}

// TestWriteRstStreamAbortsPendingDataWrite covers RST_STREAM waking a
// blocked DATA write with an error rather than hanging it forever.
func TestWriteRstStreamAbortsPendingDataWrite(t *testing.T) {
	e, _ := newTestEngine(t)
	e.OpenStream(1)
	getStreamWindow(t, e, 1).applyInitialWindowDelta(-defaultInitialWindowSize)

	done := make(chan error, 1)
	go func() { done <- e.WriteData(1, make([]byte, 10), true) }()
	time.Sleep(20 * time.Millisecond)

	if err := e.WriteRstStream(1, http2.ErrCodeCancel); err != nil {
		t.Fatalf("WriteRstStream: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected WriteData to fail after RST_STREAM, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("WriteData did not wake after RST_STREAM")
	}
}

// TestEngineAbortReleasesEveryBlockedWriter covers a connection-level abort
// waking every stream's blocked writer, not just one.
func TestEngineAbortReleasesEveryBlockedWriter(t *testing.T) {
	e, _ := newTestEngine(t)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := uint32(1); i <= 3; i++ {
		e.OpenStream(i)
		getStreamWindow(t, e, i).applyInitialWindowDelta(-defaultInitialWindowSize)
	}
	for i := uint32(1); i <= 3; i++ {
		wg.Add(1)
		go func(sid uint32) {
			defer wg.Done()
			errs[sid-1] = e.WriteData(sid, make([]byte, 10), true)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	e.Abort(errRateTooSlow)
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("stream %d: expected error after engine abort, got nil", i+1)
		}
	}
	if !e.IsAborted() {
		t.Fatal("IsAborted() = false after Abort")
	}
}

// TestWritesAfterCompleteReturnSentinelWithoutTouchingSink covers the
// lifecycle guard: once Complete has run, every write operation is a no-op
// on the sink but reports ErrEngineCompleted rather than succeeding
// silently.
func TestWritesAfterCompleteReturnSentinelWithoutTouchingSink(t *testing.T) {
	e, sink := newTestEngine(t)
	e.OpenStream(1)
	e.Complete()

	if err := e.WriteResponseHeaders(1, 200, nil, true); err != ErrEngineCompleted {
		t.Fatalf("WriteResponseHeaders after Complete: err = %v, want ErrEngineCompleted", err)
	}
	if err := e.WriteData(1, []byte("x"), true); err != ErrEngineCompleted {
		t.Fatalf("WriteData after Complete: err = %v, want ErrEngineCompleted", err)
	}
	if n := sink.Unflushed(); n != 0 {
		t.Fatalf("Unflushed = %d, want 0 (writes after Complete must not touch the sink)", n)
	}
}

// TestWritesAfterAbortReturnSentinel covers the same guard on the abort
// side: once Abort has run, every write operation reports ErrEngineAborted.
func TestWritesAfterAbortReturnSentinel(t *testing.T) {
	e, _ := newTestEngine(t)
	e.OpenStream(1)
	e.Abort(errRateTooSlow)

	if err := e.WriteResponseHeaders(1, 200, nil, true); err != ErrEngineAborted {
		t.Fatalf("WriteResponseHeaders after Abort: err = %v, want ErrEngineAborted", err)
	}
	if err := e.WriteData(1, []byte("x"), true); err != ErrEngineAborted {
		t.Fatalf("WriteData after Abort: err = %v, want ErrEngineAborted", err)
	}
}

// TestWriteGoAwayPayload covers GOAWAY emitting the correct payload layout
// (last-stream-id and debug data are checked).
func TestWriteGoAwayPayload(t *testing.T) {
	e, sink := newTestEngine(t)
	if err := e.WriteGoAway(41, http2.ErrCodeNoError, []byte("bye")); err != nil {
		t.Fatalf("WriteGoAway: %v", err)
	}
	frames := decodeFrames(t, sink.Bytes())
	if len(frames) != 1 || frames[0].header.typ != http2.FrameGoAway {
		t.Fatalf("frames = %+v, want single GOAWAY", frames)
	}
	p := frames[0].payload
	if len(p) != 8+3 {
		t.Fatalf("GOAWAY payload length = %d, want 11", len(p))
	}
	lastStreamID := uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	if lastStreamID != 41 {
		t.Fatalf("lastStreamID = %d, want 41", lastStreamID)
	}
	if string(p[8:]) != "bye" {
		t.Fatalf("debug data = %q, want %q", p[8:], "bye")
	}
	if !e.IsCompleted() {
		t.Fatal("IsCompleted() = false after WriteGoAway")
	}
}

// TestUnknownStreamOperationsFail covers ErrUnknownStream for any per-stream
// call that targets a stream never opened on this engine.
func TestUnknownStreamOperationsFail(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.WriteResponseHeaders(99, 200, nil, true); err != ErrUnknownStream {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
	if err := e.WriteData(99, []byte("x"), true); err != ErrUnknownStream {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
}

// TestValidateStatusRejectsOutOfRangeCodes covers ValidateStatus's bounds.
func TestValidateStatusRejectsOutOfRangeCodes(t *testing.T) {
	cases := []struct {
		status int
		wantOK bool
	}{
		{99, false}, {100, true}, {200, true}, {599, true}, {600, false},
	}
	for _, c := range cases {
		err := ValidateStatus(c.status)
		if (err == nil) != c.wantOK {
			t.Errorf("ValidateStatus(%d): err = %v, wantOK = %v", c.status, err, c.wantOK)
		}
	}
}

// slowSink wraps a BufferSink but its Flush's result only resolves once
// release is closed, simulating a transport whose write confirmation is
// slow to arrive. Flush itself still returns immediately, matching the
// Sink contract (only the returned flushResult may take time to resolve).
type slowSink struct {
	*BufferSink
	release chan struct{}
}

func (s *slowSink) Flush() *flushResult {
	r := newFlushResult()
	go func() {
		<-s.release
		r.resolve(s.BufferSink.Flush().wait())
	}()
	return r
}

// TestEngineAbortsOnRateWatchdogTrip covers S9: a flush that takes longer
// than the configured minimum data rate allows aborts the engine, invokes
// OutputAborter, and unblocks Flush itself with the cancellation rather
// than leaving it hanging on the slow transport.
func TestEngineAbortsOnRateWatchdogTrip(t *testing.T) {
	sink := &slowSink{BufferSink: NewBufferSink(), release: make(chan struct{})}
	defer close(sink.release)

	aborted := make(chan error, 1)
	e := NewEngine(sink, EngineOptions{
		Scheduler:         NopScheduler{},
		Metrics:           newEngineMetrics(testRegistry()),
		MinBytesPerSecond: 1 << 20,
		RateGraceInterval: time.Millisecond,
		OutputAborter:     func(err error) { aborted <- err },
	})
	e.OpenStream(1)
	if err := e.WriteData(1, make([]byte, 50_000), true); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	flushErr := make(chan error, 1)
	go func() { flushErr <- e.Flush() }()

	select {
	case err := <-aborted:
		if err != errRateTooSlow {
			t.Fatalf("OutputAborter err = %v, want errRateTooSlow", err)
		}
	case <-time.After(time.Second):
		t.Fatal("engine did not abort on a too-slow flush")
	}
	select {
	case err := <-flushErr:
		if err != errRateTooSlow {
			t.Fatalf("Flush() err = %v, want errRateTooSlow", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Flush() did not return after the watchdog tripped")
	}
	if !e.IsAborted() {
		t.Fatal("IsAborted() = false after watchdog trip")
	}
}

// TestNonIndexableStatusNeverIndexed covers the HPACK policy decision: a
// :status outside the statically-indexed set is encoded so it never enters
// the dynamic table (see DESIGN.md's resolved open question).
func TestNonIndexableStatusNeverIndexed(t *testing.T) {
	e, sink := newTestEngine(t)
	e.OpenStream(1)
	if err := e.WriteResponseHeaders(1, 418, nil, true); err != nil {
		t.Fatalf("WriteResponseHeaders: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	frames := decodeFrames(t, sink.Bytes())
	var sawSensitive bool
	dec := hpack.NewDecoder(defaultMaxHeaderTableSize, func(f hpack.HeaderField) {
		if f.Name == ":status" && f.Sensitive {
			sawSensitive = true
		}
	})
	if _, err := dec.Write(frames[0].payload); err != nil {
		t.Fatalf("hpack decode: %v", err)
	}
	if !sawSensitive {
		t.Fatal("status 418 was not encoded never-indexed")
	}
}
