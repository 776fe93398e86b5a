package internal

import (
	"bytes"
	"io"
	"sync"
)

// StreamWriter serializes writes from concurrently forwarded subprocess
// streams onto a single client connection. Each Write reaches the underlying
// writer whole, so bytes from stdout and stderr may interleave only at write
// boundaries.
type StreamWriter struct {
	mu      sync.Mutex
	out     io.Writer
	written int64
}

// NewStreamWriter creates a StreamWriter that forwards to out.
func NewStreamWriter(out io.Writer) *StreamWriter {
	return &StreamWriter{out: out}
}

// Write forwards p to the underlying writer while holding the lock.
func (w *StreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.out.Write(p)
	w.written += int64(n)
	return n, err
}

// Written returns how many bytes have been forwarded so far.
func (w *StreamWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// MaxPrefixedLine is the longest run of output a prefixed stream holds back
// waiting for a newline. Longer runs are sent as a line of their own.
const MaxPrefixedLine = 64 << 10

// Stream returns a writer for one named output stream. Without prefixing the
// bytes pass through unchanged. With prefixing, output is split into lines and
// each line is sent as "[name]line\n"; Close flushes a trailing partial line
// and runs without a newline are cut at MaxPrefixedLine.
func (w *StreamWriter) Stream(name string, prefix bool) io.WriteCloser {
	if !prefix {
		return nopCloser{w}
	}
	return &prefixWriter{parent: w, prefix: []byte("[" + name + "]")}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type prefixWriter struct {
	parent  *StreamWriter
	prefix  []byte
	pending []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		if err := p.emit(p.pending[:i]); err != nil {
			return 0, err
		}
		p.pending = p.pending[i+1:]
	}
	for len(p.pending) >= MaxPrefixedLine {
		if err := p.emit(p.pending[:MaxPrefixedLine]); err != nil {
			return 0, err
		}
		p.pending = p.pending[MaxPrefixedLine:]
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return len(b), nil
}

func (p *prefixWriter) Close() error {
	if len(p.pending) == 0 {
		return nil
	}
	line := p.pending
	p.pending = nil
	return p.emit(line)
}

func (p *prefixWriter) emit(line []byte) error {
	buf := make([]byte, 0, len(p.prefix)+len(line)+1)
	buf = append(buf, p.prefix...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := p.parent.Write(buf)
	return err
}
