// ABOUTME: NUL-delimited text framing shared by the comms server and client
// ABOUTME: One frame is UTF-8 text terminated by a single 0x00 byte

package comms

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmbeddedDelimiter rejects outbound text that would split into several
// frames on the wire.
var ErrEmbeddedDelimiter = errors.New("frame text contains the NUL delimiter")

// Delimiter terminates every frame on the wire.
const Delimiter byte = 0x00

// DefaultMaxFrameSize bounds a single inbound frame.
const DefaultMaxFrameSize = 64 * 1024

// ScanFrames is a bufio.SplitFunc that yields NUL-terminated frames without
// the delimiter. Bytes left over at EOF with no delimiter are discarded.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, Delimiter); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// NewFrameScanner returns a scanner over r that yields frames of at most
// maxFrame bytes. A longer frame stops the scanner with bufio.ErrTooLong.
func NewFrameScanner(r io.Reader, maxFrame int) *bufio.Scanner {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	sc := bufio.NewScanner(r)
	// The buffer must also hold the delimiter.
	sc.Buffer(make([]byte, 0, min(4096, maxFrame+1)), maxFrame+1)
	sc.Split(ScanFrames)
	return sc
}

// EncodeFrame returns text followed by the delimiter.
func EncodeFrame(text string) []byte {
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	return append(buf, Delimiter)
}

// WriteFrame writes one frame to w. Text containing the delimiter is
// rejected and nothing is written.
func WriteFrame(w io.Writer, text string) error {
	if strings.IndexByte(text, Delimiter) >= 0 {
		return ErrEmbeddedDelimiter
	}
	if _, err := w.Write(EncodeFrame(text)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
