package egress

import (
	"testing"

	"golang.org/x/net/http2"
)

func TestEncodeDecodeFrameHeaderRoundTrip(t *testing.T) {
	h := frameHeader{length: 1234, typ: http2.FrameHeaders, flags: http2.FlagHeadersEndStream, streamID: 7}
	var buf [frameHeaderLen]byte
	n := encodeFrameHeader(buf[:], h)
	if n != frameHeaderLen {
		t.Fatalf("encodeFrameHeader returned %d, want %d", n, frameHeaderLen)
	}

	got := decodeFrameHeader(buf[:])
	if got != h {
		t.Fatalf("decodeFrameHeader = %+v, want %+v", got, h)
	}
}

func TestEncodeFrameHeaderClearsReservedBit(t *testing.T) {
	h := frameHeader{streamID: 1<<31 | 5}
	var buf [frameHeaderLen]byte
	encodeFrameHeader(buf[:], h)

	got := decodeFrameHeader(buf[:])
	if got.streamID != 5 {
		t.Fatalf("streamID = %d, want 5 (reserved bit must be stripped)", got.streamID)
	}
}

func TestAppendFrame(t *testing.T) {
	dst := appendFrame(nil, http2.FrameData, http2.FlagDataEndStream, 3, []byte("hello"))
	if len(dst) != frameHeaderLen+5 {
		t.Fatalf("len(dst) = %d, want %d", len(dst), frameHeaderLen+5)
	}
	h := decodeFrameHeader(dst)
	if h.length != 5 || h.typ != http2.FrameData || h.flags != http2.FlagDataEndStream || h.streamID != 3 {
		t.Fatalf("decoded header = %+v", h)
	}
	if string(dst[frameHeaderLen:]) != "hello" {
		t.Fatalf("payload = %q, want %q", dst[frameHeaderLen:], "hello")
	}
}

func TestEncodeFrameHeaderPanicsOnOversizeLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for oversize frame length")
		}
	}()
	var buf [frameHeaderLen]byte
	encodeFrameHeader(buf[:], frameHeader{length: maxFramePayload + 1})
}
