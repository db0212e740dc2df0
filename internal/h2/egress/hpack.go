package egress

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2/hpack"
)

// headerBufPool reuses the scratch buffers HPACK encoding writes into,
// mirroring the header-encoding buffer pooling used elsewhere in this
// codebase's frame layer.
var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// statusIndexable is the set of :status values the HPACK static table
// (RFC 7541 Appendix A) carries a dedicated entry for. hpack.Encoder
// already performs this lookup internally; this set exists only so the
// compressor can decide, without inspecting encoder internals, whether
// :status is encoded as a never-indexed literal.
var statusIndexable = map[string]bool{
	"200": true, "204": true, "206": true,
	"304": true, "400": true, "404": true, "500": true,
}

// headerField is the wire-agnostic representation of one outbound header
// this package accepts from its caller. It mirrors the [2]string{name,
// value} pair convention used throughout this codebase's header handling.
type headerField struct {
	Name  string
	Value string
}

// headerFieldsFromPairs adapts the codebase's [][2]string header
// convention to this package's internal representation.
func headerFieldsFromPairs(pairs [][2]string) []headerField {
	if pairs == nil {
		return nil
	}
	out := make([]headerField, len(pairs))
	for i, p := range pairs {
		out[i] = headerField{Name: p[0], Value: p[1]}
	}
	return out
}

// compressor owns the connection's single HPACK encoding context. HPACK's
// dynamic table is a stream of side effects shared by every header block
// on the connection, so exactly one compressor exists per Engine and every
// writeResponseHeaders/writeResponseTrailers call runs under the engine's
// write lock.
//
// Per RFC 7541 ยง4.3.1, if an encoder ever fails to represent a header
// field, the dynamic table's state diverges from what a well-behaved
// encoder would have produced, and every subsequent header block on the
// connection becomes unrecoverable: corrupt is sticky.
type compressor struct {
	enc        *hpack.Encoder
	buf        *bytes.Buffer
	corrupt    bool
	compressOff bool
}

func newCompressor(maxDynamicTableSize uint32) *compressor {
	buf := headerBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	enc := hpack.NewEncoder(buf)
	enc.SetMaxDynamicTableSize(maxDynamicTableSize)
	return &compressor{enc: enc, buf: buf}
}

// setCompression toggles "compression disabled" mode. When disabled, every
// field is written as a never-indexed literal (hpack.HeaderField.Sensitive)
// and the dynamic table is capped at zero, so nothing the connection emits
// is added to the table at all. This is the closest behavior hpack.Encoder
// exposes to RFC 7541's literal-without-indexing representation; see
// DESIGN.md for why Sensitive (never-indexed) stands in for it.
func (c *compressor) setCompression(enabled bool) {
	c.compressOff = !enabled
	if !enabled {
		c.enc.SetMaxDynamicTableSize(0)
	}
}

// setMaxDynamicTableSize applies a peer-advertised SETTINGS_HEADER_TABLE_SIZE.
func (c *compressor) setMaxDynamicTableSize(size uint32) {
	if c.compressOff {
		return
	}
	c.enc.SetMaxDynamicTableSize(size)
}

// encodeHeaders writes a full HPACK header block for headers into a scratch
// buffer and returns it. The returned slice is only valid until the next
// call to encodeHeaders/encodeTrailers on this compressor; callers must
// copy or fully consume it (by fragmenting into frames) before encoding
// again.
//
// status, when non-negative, is emitted first as ":status" ahead of every
// other field, per RFC 7540 ยง8.1.2.4 (pseudo-headers precede regular
// headers) and this connection's policy of pseudo-headers-first.
func (c *compressor) encodeHeaders(status int, headers []headerField) ([]byte, error) {
	if c.corrupt {
		return nil, ErrHeaderBlockCorrupt
	}
	c.buf.Reset()

	if status >= 0 {
		statusStr := strconv.Itoa(status)
		// Only the seven status values the static table carries a
		// dedicated indexed entry for are worth letting into the dynamic
		// table; any other status (1xx interim responses, uncommon 4xx/5xx)
		// is written never-indexed so a one-off status never evicts more
		// useful entries from the shared table.
		if err := c.writeStatus(statusStr, !statusIndexable[statusStr]); err != nil {
			c.corrupt = true
			return nil, err
		}
	}
	for _, h := range headers {
		if strings.HasPrefix(h.Name, ":") {
			continue // pseudo-headers already emitted above
		}
		if err := c.write(strings.ToLower(h.Name), h.Value); err != nil {
			c.corrupt = true
			return nil, err
		}
	}
	return c.buf.Bytes(), nil
}

// encodeTrailers writes a header block containing only regular headers;
// trailers carry no pseudo-headers (RFC 7540 ยง8.1.3).
func (c *compressor) encodeTrailers(trailers []headerField) ([]byte, error) {
	if c.corrupt {
		return nil, ErrHeaderBlockCorrupt
	}
	c.buf.Reset()
	for _, h := range trailers {
		if err := c.write(strings.ToLower(h.Name), h.Value); err != nil {
			c.corrupt = true
			return nil, err
		}
	}
	return c.buf.Bytes(), nil
}

func (c *compressor) write(name, value string) error {
	return c.enc.WriteField(hpack.HeaderField{
		Name:      name,
		Value:     value,
		Sensitive: c.compressOff,
	})
}

// writeStatus writes the :status pseudo-header, optionally forcing
// never-indexed encoding regardless of the connection's global
// compression setting.
func (c *compressor) writeStatus(value string, neverIndex bool) error {
	return c.enc.WriteField(hpack.HeaderField{
		Name:      ":status",
		Value:     value,
		Sensitive: c.compressOff || neverIndex,
	})
}

// release returns the compressor's scratch buffer to the shared pool. The
// compressor must not be used after release.
func (c *compressor) release() {
	if c.buf != nil {
		c.buf.Reset()
		headerBufPool.Put(c.buf)
		c.buf = nil
	}
}

// sortPseudoFirst reorders headers in place so pseudo-headers (":"-prefixed)
// come first, preserving relative order within each group. Declared at
// package level (unexported) because both the headers path and
// the push-promise path that a future extension might add would need the
// same ordering guarantee.
func sortPseudoFirst(headers []headerField) {
	sort.SliceStable(headers, func(i, j int) bool {
		pi := strings.HasPrefix(headers[i].Name, ":")
		pj := strings.HasPrefix(headers[j].Name, ":")
		return pi && !pj
	})
}
