package archive

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Spool holds a received payload on disk so it never has to sit in memory.
// It records the payload size and a BLAKE3 digest as bytes are written.
type Spool struct {
	file   *os.File
	hasher *blake3.Hasher
	size   int64
}

// NewSpool creates an empty spool file in dir (the system temp dir when empty).
func NewSpool(dir string) (*Spool, error) {
	file, err := os.CreateTemp(dir, "deployc-payload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create payload spool: %w\nCheck disk space and permissions on the staging root", err)
	}

	return &Spool{
		file:   file,
		hasher: blake3.New(),
	}, nil
}

// Write appends p to the spool file and the running digest.
func (s *Spool) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.hasher.Write(p[:n])
	s.size += int64(n)
	return n, err
}

// Size returns the number of bytes spooled.
func (s *Spool) Size() int64 {
	return s.size
}

// Digest returns the hex-encoded BLAKE3 digest of the spooled bytes.
func (s *Spool) Digest() string {
	return hex.EncodeToString(s.hasher.Sum(nil))
}

// Reader rewinds the spool and returns a reader over its contents.
func (s *Spool) Reader() (io.Reader, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind payload spool: %w", err)
	}
	return s.file, nil
}

// Path returns the spool file's location.
func (s *Spool) Path() string {
	return s.file.Name()
}

// Close closes and removes the spool file.
func (s *Spool) Close() error {
	closeErr := s.file.Close()
	if err := os.Remove(s.file.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove payload spool %q: %w", s.file.Name(), err)
	}
	return closeErr
}
