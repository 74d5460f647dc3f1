package upstream

import (
	"testing"
)

func collectFrames(s *FrameScanner) []string {
	var out []string
	for {
		data, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, data)
	}
}

func TestFrameScannerBasic(t *testing.T) {
	var s FrameScanner
	s.Feed([]byte("data: one\n\ndata: two\n\n"))
	got := collectFrames(&s)
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("frames = %v", got)
	}
}

func TestFrameScannerMixedDelimiters(t *testing.T) {
	var s FrameScanner
	s.Feed([]byte("data: a\r\n\r\ndata: b\n\ndata: c\r\n\r\n"))
	got := collectFrames(&s)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("frames = %v", got)
	}
}

func TestFrameScannerSplitUTF8(t *testing.T) {
	// "café con leche ☕" with the multi-byte runes split across feeds.
	payload := []byte("data: café con leche ☕\n\n")
	var s FrameScanner
	// Split inside é (2 bytes) and inside ☕ (3 bytes).
	s.Feed(payload[:9])
	if _, ok := s.Next(); ok {
		t.Fatal("incomplete frame should not be returned")
	}
	s.Feed(payload[9:10])
	s.Feed(payload[10 : len(payload)-4])
	if _, ok := s.Next(); ok {
		t.Fatal("frame without delimiter should not be returned")
	}
	s.Feed(payload[len(payload)-4:])
	data, ok := s.Next()
	if !ok {
		t.Fatal("expected complete frame")
	}
	if data != "café con leche ☕" {
		t.Errorf("data = %q", data)
	}
}

func TestFrameScannerMultipleDataLines(t *testing.T) {
	var s FrameScanner
	s.Feed([]byte("event: message\ndata: line1\ndata: line2\n\n"))
	data, ok := s.Next()
	if !ok {
		t.Fatal("expected frame")
	}
	if data != "line1\nline2" {
		t.Errorf("data = %q, want joined lines", data)
	}
}

func TestFrameScannerSkipsFramesWithoutData(t *testing.T) {
	var s FrameScanner
	s.Feed([]byte(": keepalive\n\ndata: real\n\n"))
	data, ok := s.Next()
	if !ok || data != "real" {
		t.Fatalf("data = %q ok = %v, want the real frame", data, ok)
	}
}

func TestFrameScannerStripsLeadingSpace(t *testing.T) {
	var s FrameScanner
	s.Feed([]byte("data:no-space\n\ndata:  two-spaces\n\n"))
	got := collectFrames(&s)
	if len(got) != 2 || got[0] != "no-space" || got[1] != "two-spaces" {
		t.Fatalf("frames = %v", got)
	}
}
