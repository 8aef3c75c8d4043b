package wire

import (
	"bytes"
	"strings"
)

const (
	// Terminator ends every command on the socket transport.
	Terminator byte = 0

	// Break replaces fragment delimiters in reassembled caption text.
	Break = "\r"

	// FragmentDelimiter separates caption fragments inside RECEIVEDTEXT.
	FragmentDelimiter = ":--:--:"
)

// Frame appends the null terminator to cmd.
func Frame(cmd string) []byte {
	b := make([]byte, 0, len(cmd)+1)
	b = append(b, cmd...)
	return append(b, Terminator)
}

// Split breaks concatenated socket text on the null terminator and drops
// empty frames.
func Split(text string) []string {
	parts := strings.Split(text, string(Terminator))
	frames := parts[:0]
	for _, p := range parts {
		if p != "" {
			frames = append(frames, p)
		}
	}
	return frames
}

// Splitter accumulates socket reads and yields complete frames. A frame cut
// across two reads is held until its terminator arrives.
type Splitter struct {
	buf []byte
}

// Feed appends b and returns every complete, non-empty frame.
func (s *Splitter) Feed(b []byte) []string {
	s.buf = append(s.buf, b...)
	var frames []string
	for {
		i := bytes.IndexByte(s.buf, Terminator)
		if i < 0 {
			break
		}
		if i > 0 {
			frames = append(frames, string(s.buf[:i]))
		}
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return frames
}

// Pending returns the bytes of an unterminated trailing frame.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

// Reassemble joins caption fragments, replacing each delimiter with Break.
func Reassemble(text string) string {
	return strings.ReplaceAll(text, FragmentDelimiter, Break)
}
