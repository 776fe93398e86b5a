// Package frame decodes the build socket's wire framing: a 4-byte big-endian
// length followed by exactly that many payload bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

var (
	ErrShortHeader       = errors.New("frame: connection closed before the length prefix arrived")
	ErrIncompletePayload = errors.New("frame: connection closed before the declared payload arrived")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
)

// Limits constrains how much a peer may declare.
type Limits struct {
	// MaxPayloadBytes is the largest accepted declared length. Zero means no limit.
	MaxPayloadBytes int64
}

// ReadHeader reads the length prefix and checks it against limits.
func ReadHeader(r io.Reader, limits Limits) (uint32, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, ErrShortHeader
		}
		return 0, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if limits.MaxPayloadBytes > 0 && int64(size) > limits.MaxPayloadBytes {
		return size, fmt.Errorf("%w: declared %d bytes, limit is %d", ErrPayloadTooLarge, size, limits.MaxPayloadBytes)
	}
	return size, nil
}

// CopyPayload copies exactly size bytes from r to dst. If r ends first the
// error wraps ErrIncompletePayload and reports how many bytes did arrive.
func CopyPayload(dst io.Writer, r io.Reader, size uint32) (int64, error) {
	n, err := io.CopyN(dst, r, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, fmt.Errorf("%w: received %d of %d bytes", ErrIncompletePayload, n, size)
		}
		return n, err
	}
	return n, nil
}

// WriteHeader writes the length prefix for a payload of size bytes.
func WriteHeader(w io.Writer, size uint32) error {
	var header [HeaderLen]byte
	binary.BigEndian.PutUint32(header[:], size)
	_, err := w.Write(header[:])
	return err
}

// Write frames payload and writes it to w.
func Write(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return ErrPayloadTooLarge
	}
	if err := WriteHeader(w, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
