package egress

import (
	"testing"

	"golang.org/x/net/http2/hpack"
)

func decodeOne(t *testing.T, block []byte) []hpack.HeaderField {
	t.Helper()
	var got []hpack.HeaderField
	dec := hpack.NewDecoder(defaultMaxHeaderTableSize, func(f hpack.HeaderField) {
		got = append(got, f)
	})
	if _, err := dec.Write(block); err != nil {
		t.Fatalf("hpack decode: %v", err)
	}
	return got
}

func TestCompressorEncodeHeadersPseudoFirst(t *testing.T) {
	c := newCompressor(defaultMaxHeaderTableSize)
	defer c.release()

	block, err := c.encodeHeaders(200, []headerField{{Name: "content-type", Value: "text/plain"}})
	if err != nil {
		t.Fatalf("encodeHeaders: %v", err)
	}
	fields := decodeOne(t, block)
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	if fields[0].Name != ":status" || fields[0].Value != "200" {
		t.Fatalf("fields[0] = %+v, want :status=200 first", fields[0])
	}
}

func TestCompressorEncodeHeadersSkipsCallerPseudoHeaders(t *testing.T) {
	c := newCompressor(defaultMaxHeaderTableSize)
	defer c.release()

	// Caller-supplied pseudo-headers (here ":bogus") are dropped; the only
	// pseudo-header emitted is :status, derived from the status argument.
	block, err := c.encodeHeaders(404, []headerField{{Name: ":bogus", Value: "x"}, {Name: "x-a", Value: "1"}})
	if err != nil {
		t.Fatalf("encodeHeaders: %v", err)
	}
	fields := decodeOne(t, block)
	count := 0
	for _, f := range fields {
		if f.Name == ":status" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("saw %d :status fields, want 1", count)
	}
}

func TestCompressorEncodeTrailersCarriesNoPseudoHeaders(t *testing.T) {
	c := newCompressor(defaultMaxHeaderTableSize)
	defer c.release()

	block, err := c.encodeTrailers([]headerField{{Name: "x-checksum", Value: "abc"}})
	if err != nil {
		t.Fatalf("encodeTrailers: %v", err)
	}
	fields := decodeOne(t, block)
	for _, f := range fields {
		if f.Name == ":status" {
			t.Fatal("trailers must not carry :status")
		}
	}
}

func TestCompressorCorruptIsSticky(t *testing.T) {
	c := newCompressor(defaultMaxHeaderTableSize)
	defer c.release()
	c.corrupt = true

	if _, err := c.encodeHeaders(200, nil); err != ErrHeaderBlockCorrupt {
		t.Fatalf("encodeHeaders on corrupt compressor: err = %v, want ErrHeaderBlockCorrupt", err)
	}
	if _, err := c.encodeTrailers(nil); err != ErrHeaderBlockCorrupt {
		t.Fatalf("encodeTrailers on corrupt compressor: err = %v, want ErrHeaderBlockCorrupt", err)
	}
}

func TestCompressorDisabledCompressionNeverIndexesAnything(t *testing.T) {
	c := newCompressor(defaultMaxHeaderTableSize)
	defer c.release()
	c.setCompression(false)

	block, err := c.encodeHeaders(200, []headerField{{Name: "x-a", Value: "1"}})
	if err != nil {
		t.Fatalf("encodeHeaders: %v", err)
	}
	for _, f := range decodeOne(t, block) {
		if !f.Sensitive {
			t.Fatalf("field %+v not never-indexed with compression disabled", f)
		}
	}
}

func TestSortPseudoFirstPreservesRelativeOrder(t *testing.T) {
	headers := []headerField{
		{Name: "x-a", Value: "1"},
		{Name: ":path", Value: "/x"},
		{Name: "x-b", Value: "2"},
		{Name: ":method", Value: "GET"},
	}
	sortPseudoFirst(headers)
	if headers[0].Name != ":path" || headers[1].Name != ":method" {
		t.Fatalf("pseudo-headers not moved to front in order: %+v", headers)
	}
	if headers[2].Name != "x-a" || headers[3].Name != "x-b" {
		t.Fatalf("regular headers not preserved in order: %+v", headers)
	}
}

func TestHeaderFieldsFromPairs(t *testing.T) {
	out := headerFieldsFromPairs([][2]string{{"a", "1"}, {"b", "2"}})
	if len(out) != 2 || out[0] != (headerField{"a", "1"}) || out[1] != (headerField{"b", "2"}) {
		t.Fatalf("headerFieldsFromPairs = %+v", out)
	}
	if headerFieldsFromPairs(nil) != nil {
		t.Fatal("headerFieldsFromPairs(nil) should return nil")
	}
}
