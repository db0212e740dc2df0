// Package egress implements the outbound half of an HTTP/2 connection: header
// compression, frame serialization, flow control accounting and the buffered
// write pipeline that turns handler output into bytes on the wire.
package egress

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/http2"
)

// frameHeaderLen is the fixed size of an HTTP/2 frame header (RFC 7540 ยง4.1).
const frameHeaderLen = 9

// maxFramePayload is the largest payload length the 24-bit length field can
// represent, irrespective of any negotiated SETTINGS_MAX_FRAME_SIZE.
const maxFramePayload = 1<<24 - 1

// frameHeader is the decoded form of the 9-byte prefix in front of every
// HTTP/2 frame. It is kept separate from golang.org/x/net/http2's frame
// types because this package writes raw frames directly onto a Sink rather
// than through an http2.Framer.
type frameHeader struct {
	length   uint32 // 24 bits
	typ      http2.FrameType
	flags    http2.Flags
	streamID uint32 // 31 bits, high bit reserved and always zero on write
}

// encodeFrameHeader writes the 9-byte frame header described by h into dst,
// which must have length >= frameHeaderLen. It returns the number of bytes
// written, always frameHeaderLen.
func encodeFrameHeader(dst []byte, h frameHeader) int {
	if h.length > maxFramePayload {
		panic("egress: frame length exceeds 24-bit field")
	}
	dst[0] = byte(h.length >> 16)
	dst[1] = byte(h.length >> 8)
	dst[2] = byte(h.length)
	dst[3] = byte(h.typ)
	dst[4] = byte(h.flags)
	binary.BigEndian.PutUint32(dst[5:9], h.streamID&0x7fffffff)
	return frameHeaderLen
}

// decodeFrameHeader parses the 9-byte prefix in src, which must have length
// >= frameHeaderLen. It exists primarily so tests can decode what this
// package wrote without depending on http2.Framer.
func decodeFrameHeader(src []byte) frameHeader {
	return frameHeader{
		length:   uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2]),
		typ:      http2.FrameType(src[3]),
		flags:    http2.Flags(src[4]),
		streamID: binary.BigEndian.Uint32(src[5:9]) & 0x7fffffff,
	}
}

// appendFrame writes a complete frame (header + payload) to dst and returns
// the extended slice. payload is copied; dst's backing array may grow.
func appendFrame(dst []byte, typ http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) []byte {
	if len(payload) > maxFramePayload {
		panic("egress: frame payload exceeds 24-bit length field")
	}
	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderLen)...)
	encodeFrameHeader(dst[start:start+frameHeaderLen], frameHeader{
		length:   uint32(len(payload)),
		typ:      typ,
		flags:    flags,
		streamID: streamID,
	})
	return append(dst, payload...)
}

// errFrameTooLarge is returned when a caller asks this package to emit a
// single frame payload larger than the negotiated MAX_FRAME_SIZE allows.
func errFrameTooLarge(got, max uint32) error {
	return fmt.Errorf("egress: frame payload %d exceeds max frame size %d", got, max)
}
