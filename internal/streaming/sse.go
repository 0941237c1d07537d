// Package streaming consumes provider SSE streams: parsing data lines
// into normalized chunks and reconstructing the final response that the
// equivalent non-streaming call would have returned.
package streaming

import (
	"bufio"
	"bytes"
	"io"
)

const (
	// maxLineSize bounds a single SSE line. Providers pack whole tool-call
	// argument blobs into one line, so this is generous.
	maxLineSize = 1 << 20

	initialBufSize = 4096
)

var (
	dataPrefix = []byte("data: ")
	doneMarker = []byte("[DONE]")
)

// SSEReader yields the payload of each "data:" line from an event stream.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps an upstream body.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialBufSize), maxLineSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the next data payload. It skips comments, event names, and
// keep-alive blank lines. Returns io.EOF after the terminal [DONE] marker
// or when the upstream closes.
func (r *SSEReader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			return nil, io.EOF
		}
		// The scanner reuses its buffer; callers keep payloads across calls.
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
