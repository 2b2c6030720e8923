// Package wire implements the framed transport shared by Prime and its
// daemons: a 4-byte big-endian length prefix followed by a UTF-8 JSON
// object. Every object carries a "type" field; a frame without one is
// invalid and costs the sender its connection.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	alfred "github.com/0xcha05/alfred"
)

// MaxFrameSize bounds a single frame. Large file transfers chunk above
// this layer; anything bigger here is a protocol violation.
const MaxFrameSize = 8 << 20

// WriteFrame marshals v and writes one length-prefixed frame. The prefix
// and body go out in a single Write so concurrent writers on the same
// connection cannot interleave halves (callers still serialize writes).
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit: %w", len(data), alfred.ErrInvalidFrame)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. io.ReadFull keeps the stream aligned
// regardless of how the bytes arrive; a short read mid-frame is an error,
// not a truncated message. Callers must pass the same reader every time.
func ReadFrame(r io.Reader) (json.RawMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d: %w", length, alfred.ErrInvalidFrame)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Peek extracts the type field without decoding the full payload.
func Peek(raw json.RawMessage) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("frame is not a JSON object: %w", alfred.ErrInvalidFrame)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("frame has no type field: %w", alfred.ErrInvalidFrame)
	}
	return envelope.Type, nil
}
