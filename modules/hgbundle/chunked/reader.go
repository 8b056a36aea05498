// Package chunked presents an HG20 bundle's 4 KiB-envelope byte stream as a
// flat stream of payload bytes, transparently consuming length-prefix
// envelopes as the caller reads through them.
//
// Grounded on _examples/original_source/swh/loader/mercurial/chunked_reader.py's
// ChunkedFileReader.
package chunked

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/softwareheritage/swhg/modules/streamio"
)

// ErrEOS is returned when a read is attempted past the end of the
// envelope stream (a zero-length chunk prefix was consumed).
var ErrEOS = errors.New("chunked: end of stream")

// Reader turns an io.ReaderAt backing an HG20 payload region into a flat
// byte stream. Random access (Seek) is only valid to offsets the caller
// previously observed via Offset, per the bundle parser's two-pass design.
type Reader struct {
	r   io.ReaderAt
	pos int64 // absolute file offset of the next unread byte (post-envelope)

	chunkRemaining int64 // bytes left in the current envelope chunk
	eos            bool
}

// New constructs a Reader starting at absolute file offset start. It
// immediately consumes the leading u32 chunk-length prefix.
func New(r io.ReaderAt, start int64) (*Reader, error) {
	cr := &Reader{r: r, pos: start}
	if err := cr.nextChunk(); err != nil {
		return nil, err
	}
	return cr, nil
}

func (c *Reader) nextChunk() error {
	var lenBuf [4]byte
	if _, err := c.r.ReadAt(lenBuf[:], c.pos); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("chunked: truncated chunk length prefix: %w", err)
		}
		return err
	}
	c.pos += 4
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		c.eos = true
		c.chunkRemaining = 0
		return nil
	}
	c.chunkRemaining = int64(n)
	return nil
}

// Mark captures a resumable position: the underlying file offset plus
// enough envelope state to resume reading exactly as if no Seek had
// happened. Pass 1 of the content pipeline records a Mark at each group's
// start; pass 2 uses it to jump back and replay just that group.
type Mark struct {
	pos            int64
	chunkRemaining int64
	eos            bool
}

// Offset returns a Mark for the reader's current position.
func (c *Reader) Offset() Mark {
	return Mark{pos: c.pos, chunkRemaining: c.chunkRemaining, eos: c.eos}
}

// Read returns exactly n bytes, crossing chunk boundaries transparently.
func (c *Reader) Read(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if c.chunkRemaining == 0 {
			if c.eos {
				return nil, ErrEOS
			}
			if err := c.nextChunk(); err != nil {
				return nil, err
			}
			if c.eos {
				return nil, ErrEOS
			}
		}
		want := int64(n - len(out))
		if want > c.chunkRemaining {
			want = c.chunkRemaining
		}
		buf := make([]byte, want)
		if _, err := c.r.ReadAt(buf, c.pos); err != nil {
			return nil, fmt.Errorf("chunked: short read: %w", err)
		}
		c.pos += want
		c.chunkRemaining -= want
		out = append(out, buf...)
	}
	return out, nil
}

// Discard skips n bytes for callers who only need to scan through (e.g.
// skipping a delta payload without retaining it), reading in steps no
// larger than a pooled buffer's length.
func (c *Reader) Discard(n int) error {
	buf := streamio.GetByteSlice()
	defer streamio.PutByteSlice(buf)
	remaining := n
	for remaining > 0 {
		chunkSize := remaining
		if chunkSize > len(*buf) {
			chunkSize = len(*buf)
		}
		if _, err := c.Read(chunkSize); err != nil {
			return err
		}
		remaining -= chunkSize
	}
	return nil
}

// Seek repositions the reader to a Mark previously captured via Offset.
func (c *Reader) Seek(m Mark) {
	c.pos = m.pos
	c.chunkRemaining = m.chunkRemaining
	c.eos = m.eos
}
