package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies how a build context was encoded.
type Compression string

const (
	Uncompressed Compression = "none"
	Gzip         Compression = "gzip"
	Zstd         Compression = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decompress sniffs the first bytes of r and returns a reader that yields the
// plain tar stream. Anything that is not gzip or zstd is passed through as is.
// The caller must close the returned reader.
func Decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, Uncompressed, fmt.Errorf("failed to read archive header: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, Gzip, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, Gzip, nil
	case bytes.HasPrefix(magic, zstdMagic):
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return nil, Zstd, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return decoder.IOReadCloser(), Zstd, nil
	default:
		return io.NopCloser(br), Uncompressed, nil
	}
}
