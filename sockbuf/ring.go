package sockbuf

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace is returned when a write region larger than the free
	// space is requested. Callers retry once the transport drained some
	// bytes.
	ErrNoSpace = errors.New("sockbuf: not enough free space")

	// ErrShortData is returned when a read region larger than the
	// buffered data is requested.
	ErrShortData = errors.New("sockbuf: not enough buffered data")
)

// Ring is a fixed-capacity circular byte buffer. Regions handed out by
// WritePrepare and ReadPrepare alias the buffer itself, so a region that
// crosses the end of the buffer is returned as two segments: the bytes
// up to the end and the bytes wrapped around to the start. Callers must
// always consult both.
type Ring struct {
	buf  []byte
	head int // next byte to read
	tail int // next byte to write
	fill int

	// size of the region handed out by the last WritePrepare
	granted int
}

// NewRing returns an empty ring of the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic(fmt.Sprintf("sockbuf: invalid ring capacity %d", capacity))
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Cap is the ring capacity in bytes.
func (r *Ring) Cap() int { return len(r.buf) }

// Len is the number of committed, unread bytes.
func (r *Ring) Len() int { return r.fill }

// Free is the number of bytes that can be prepared for writing.
func (r *Ring) Free() int { return len(r.buf) - r.fill }

// WritePrepare grants n bytes of free space starting at the write
// cursor. len(seg1)+len(seg2) == n; seg2 is empty unless the region
// wraps.
func (r *Ring) WritePrepare(n int) (seg1, seg2 []byte, err error) {
	if n < 0 || n > r.Free() {
		r.granted = 0
		return nil, nil, ErrNoSpace
	}
	seg1, seg2 = r.span(r.tail, n)
	r.granted = n
	return seg1, seg2, nil
}

// WriteCommit publishes n bytes of the region granted by the last
// WritePrepare. The grant is used up by the commit.
func (r *Ring) WriteCommit(n int) {
	if n < 0 || n > r.granted {
		panic(fmt.Sprintf("sockbuf: write commit of %d bytes with %d granted", n, r.granted))
	}
	r.tail = (r.tail + n) % len(r.buf)
	r.fill += n
	r.granted = 0
}

// ReadPrepare returns the next n committed bytes without consuming them.
func (r *Ring) ReadPrepare(n int) (seg1, seg2 []byte, err error) {
	if n < 0 || n > r.fill {
		return nil, nil, ErrShortData
	}
	seg1, seg2 = r.span(r.head, n)
	return seg1, seg2, nil
}

// ReadCommit consumes n bytes from the read cursor.
func (r *Ring) ReadCommit(n int) {
	if n < 0 || n > r.fill {
		panic(fmt.Sprintf("sockbuf: read commit of %d bytes with %d buffered", n, r.fill))
	}
	r.head = (r.head + n) % len(r.buf)
	r.fill -= n
}

// Reset discards all buffered data.
func (r *Ring) Reset() {
	r.head, r.tail, r.fill, r.granted = 0, 0, 0, 0
}

func (r *Ring) span(off, n int) ([]byte, []byte) {
	end := off + n
	if end <= len(r.buf) {
		return r.buf[off:end:end], nil
	}
	wrapped := end - len(r.buf)
	return r.buf[off:], r.buf[:wrapped:wrapped]
}

// CopyIn copies p across a two-segment region and returns the number of
// bytes copied.
func CopyIn(seg1, seg2, p []byte) int {
	n := copy(seg1, p)
	return n + copy(seg2, p[n:])
}

// CopyOut gathers a two-segment region into p.
func CopyOut(p, seg1, seg2 []byte) int {
	n := copy(p, seg1)
	return n + copy(p[n:], seg2)
}
