// Package framing splits the byte stream arriving on stdin into
// newline-delimited JSON-RPC messages, tolerating partial reads.
package framing

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/mcpgate/mcpgate/internal/logx"
)

// MaxLineBytes bounds a single framed line. Lines beyond it are dropped
// rather than buffered without limit.
const MaxLineBytes = 10 << 20

// Framer accumulates arbitrary byte chunks and hands back completed lines.
// A trailing partial line stays buffered until the next chunk supplies the
// newline.
type Framer struct {
	buf      []byte
	max      int
	dropping bool
}

// NewFramer returns a Framer with the default line guard.
func NewFramer() *Framer {
	return &Framer{max: MaxLineBytes}
}

// Feed appends chunk and returns every line it completed, in order, with the
// trailing CR and surrounding blank lines removed. Returned slices are copies
// and remain valid after the next Feed.
func (f *Framer) Feed(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			if len(f.buf) > f.max {
				if !f.dropping {
					logx.Log.Warn().Int("limit_bytes", f.max).Msg("dropping oversized input line")
					f.dropping = true
				}
				f.buf = f.buf[:0]
			}
			return lines
		}
		line := f.buf[:i]
		switch {
		case f.dropping:
			f.dropping = false
		case len(line) > f.max:
			logx.Log.Warn().Int("limit_bytes", f.max).Int("line_bytes", len(line)).Msg("dropping oversized input line")
		default:
			line = bytes.TrimSuffix(line, []byte{'\r'})
			if len(bytes.TrimSpace(line)) > 0 {
				lines = append(lines, append([]byte(nil), line...))
			}
		}
		rest := f.buf[i+1:]
		f.buf = append(f.buf[:0], rest...)
	}
}

// ReadLoop drives a Framer from r until the stream closes, invoking fn for
// each completed line in arrival order. It returns nil on EOF and the read
// error otherwise. A blocked read ends only when the stream closes; ctx is
// checked between reads.
func ReadLoop(ctx context.Context, r io.Reader, fn func([]byte)) error {
	f := NewFramer()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range f.Feed(buf[:n]) {
				fn(line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
