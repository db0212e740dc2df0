package egress

import "testing"

func TestBufferSinkWriteFlushBytes(t *testing.T) {
	s := NewBufferSink()
	s.Write([]byte("abc"))
	s.Write([]byte("def"))
	if got := s.Unflushed(); got != 6 {
		t.Fatalf("Unflushed = %d, want 6", got)
	}
	if err := s.Flush().wait(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := s.Unflushed(); got != 0 {
		t.Fatalf("Unflushed after Flush = %d, want 0", got)
	}
	if string(s.Bytes()) != "abcdef" {
		t.Fatalf("Bytes() = %q, want %q", s.Bytes(), "abcdef")
	}
}

func TestBufferSinkAbortDropsWrites(t *testing.T) {
	s := NewBufferSink()
	s.Write([]byte("abc"))
	s.Abort()
	s.Write([]byte("def"))
	if err := s.Flush().wait(); err != nil {
		t.Fatalf("Flush after Abort: %v", err)
	}
	if len(s.Bytes()) != 0 {
		t.Fatalf("Bytes() after Abort = %q, want empty", s.Bytes())
	}
}

func TestBufferSinkFlushIsIdempotentAfterAbort(t *testing.T) {
	s := NewBufferSink()
	s.Abort()
	if err := s.Flush().wait(); err != nil {
		t.Fatalf("Flush on aborted sink: %v", err)
	}
}
