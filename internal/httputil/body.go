// Package httputil provides helpers for reading HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
)

// DefaultMaxBodyBytes caps inbound request bodies to 10MB.
const DefaultMaxBodyBytes int64 = 10 * 1024 * 1024

var ErrBodyTooLarge = errors.New("request body too large")

// ReadBody reads up to maxBytes from reader and returns ErrBodyTooLarge
// when the payload exceeds the cap. maxBytes <= 0 means unlimited.
func ReadBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrBodyTooLarge
	}
	return body, nil
}
