package upstream

import (
	"bytes"
	"strings"
)

// FrameScanner reassembles Server-Sent-Event frames from raw network chunks.
// It buffers bytes and only converts a frame to a string once its delimiter
// has arrived, so multi-byte UTF-8 sequences split across chunk boundaries
// are never decoded partially. Frames end at a blank line; both "\n\n" and
// "\r\n\r\n" delimiters are accepted, whichever appears first.
type FrameScanner struct {
	buf bytes.Buffer
}

// Feed appends a raw chunk to the scanner.
func (s *FrameScanner) Feed(p []byte) {
	s.buf.Write(p)
}

// Next extracts the next complete frame's data payload. Frames without data
// lines are skipped. Returns ok=false when no complete frame is buffered.
func (s *FrameScanner) Next() (data string, ok bool) {
	for {
		b := s.buf.Bytes()
		idxLF := bytes.Index(b, []byte("\n\n"))
		idxCRLF := bytes.Index(b, []byte("\r\n\r\n"))
		idx, delimLen := -1, 0
		switch {
		case idxLF != -1 && (idxCRLF == -1 || idxLF < idxCRLF):
			idx, delimLen = idxLF, 2
		case idxCRLF != -1:
			idx, delimLen = idxCRLF, 4
		}
		if idx == -1 {
			return "", false
		}

		frame := string(b[:idx])
		s.buf.Next(idx + delimLen)

		if data, ok := frameData(frame); ok {
			return data, true
		}
	}
}

// frameData joins the frame's data lines with a newline, per the SSE spec.
func frameData(frame string) (string, bool) {
	var dataLines []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, found := strings.CutPrefix(line, "data:"); found {
			dataLines = append(dataLines, strings.TrimLeft(rest, " \t"))
		}
	}
	if len(dataLines) == 0 {
		return "", false
	}
	return strings.Join(dataLines, "\n"), true
}
