package sockbuf

import (
	"errors"
	"fmt"
	"io"
)

// ErrWouldBlock is returned by a Transport when the operation cannot make
// progress until the next readiness event.
var ErrWouldBlock = errors.New("sockbuf: operation would block")

// ErrTooLarge is returned when a read is registered for more bytes than
// the receive ring can ever hold.
var ErrTooLarge = errors.New("sockbuf: read larger than receive buffer")

// Transport moves bytes between ring segments and the network. Readv and
// Writev receive the (up to two) segments of a ring region and may
// transfer fewer bytes than offered. Readv reports an orderly shutdown as
// io.EOF.
type Transport interface {
	Readv(segs [][]byte) (int, error)
	Writev(segs [][]byte) (int, error)
}

// WriteFunc is called once every byte committed before the matching
// WriteCallbackPoint has been handed to the transport. err is non-nil if
// the transport failed first.
type WriteFunc func(s *Sock, tag uint64, err error)

// ReadFunc receives a completed read region as two segments (the second
// is empty unless the region wrapped). The segments are only valid for
// the duration of the call. On transport failure err is set and both
// segments are nil. The returned skip is a number of bytes to discard
// before the next completion; a non-nil fatal error aborts the caller.
type ReadFunc func(s *Sock, tag uint64, seg1, seg2 []byte, err error) (skip int, fatal error)

// ReadOp registers interest in the next N bytes of the stream.
type ReadOp struct {
	N   int
	Tag uint64
	Fn  ReadFunc
}

type writePoint struct {
	offset uint64
	tag    uint64
	fn     WriteFunc
}

// Sock couples a transport with a transmit ring, a receive ring, and the
// queues of pending I/O completions. It is not safe for concurrent use.
type Sock struct {
	t  Transport
	tx *Ring
	rx *Ring

	committed uint64
	sent      uint64
	received  uint64

	points []writePoint
	phead  int
	reads  []ReadOp
	rhead  int

	skip       int
	stalled    bool
	delivering bool
	err        error
	iov     [2][]byte
}

// New returns a Sock over t with the given ring sizes.
func New(t Transport, txSize, rxSize int) *Sock {
	return &Sock{
		t:  t,
		tx: NewRing(txSize),
		rx: NewRing(rxSize),
	}
}

// Transport returns the underlying transport.
func (s *Sock) Transport() Transport { return s.t }

// Err returns the transport error that failed the socket, if any.
func (s *Sock) Err() error { return s.err }

// WantWrite reports whether committed bytes are still waiting for the
// transport.
func (s *Sock) WantWrite() bool { return s.err == nil && s.tx.Len() > 0 }

// Pending is the number of committed bytes not yet transmitted.
func (s *Sock) Pending() int { return s.tx.Len() }

// PendingReads is the number of registered, undelivered reads.
func (s *Sock) PendingReads() int { return len(s.reads) - s.rhead }

// BytesSent is the total number of bytes handed to the transport.
func (s *Sock) BytesSent() uint64 { return s.sent }

// BytesReceived is the total number of bytes read from the transport.
func (s *Sock) BytesReceived() uint64 { return s.received }

// WritePrepare grants n bytes of transmit space; see Ring.WritePrepare.
func (s *Sock) WritePrepare(n int) (seg1, seg2 []byte, err error) {
	return s.tx.WritePrepare(n)
}

// WriteCommit queues n prepared bytes for transmission.
func (s *Sock) WriteCommit(n int) {
	s.tx.WriteCommit(n)
	s.committed += uint64(n)
}

// WriteCallbackPoint arranges for fn to run once all bytes committed so
// far have left the transmit ring.
func (s *Sock) WriteCallbackPoint(fn WriteFunc, tag uint64) {
	if s.committed <= s.sent {
		fn(s, tag, nil)
		return
	}
	s.points = append(s.points, writePoint{offset: s.committed, tag: tag, fn: fn})
}

// TryTx writes as much of the transmit ring as the transport accepts and
// fires the write callback points that were reached. A transport error
// fails the socket and every pending read; the returned error is only
// non-nil when a read callback reported a fatal condition.
func (s *Sock) TryTx() error {
	for s.err == nil && s.tx.Len() > 0 {
		seg1, seg2, _ := s.tx.ReadPrepare(s.tx.Len())
		n, err := s.t.Writev(s.segments(seg1, seg2))
		if n > 0 {
			s.tx.ReadCommit(n)
			s.sent += uint64(n)
		}
		if err == ErrWouldBlock {
			break
		}
		if err != nil {
			s.err = fmt.Errorf("sockbuf: write: %w", err)
		}
	}
	if s.err != nil {
		// nothing queued can reach the peer anymore
		s.tx.ReadCommit(s.tx.Len())
	}
	s.firePoints()
	if s.err != nil {
		return s.failReads()
	}
	return nil
}

// Read registers op. It is completed immediately if enough data is
// already buffered, or failed immediately if the socket already failed.
// Called from a ReadFunc, op is queued behind the reads already pending
// and completed by the loop running that callback.
func (s *Sock) Read(op ReadOp) error {
	if op.N <= 0 || op.N > s.rx.Cap() {
		return fmt.Errorf("%w: %d bytes (buffer %d)", ErrTooLarge, op.N, s.rx.Cap())
	}
	s.reads = append(s.reads, op)
	if s.delivering {
		return nil
	}
	if err := s.deliver(); err != nil {
		return err
	}
	if s.err != nil {
		return s.failReads()
	}
	if s.stalled {
		return s.TryRx()
	}
	return nil
}

// TryRx reads from the transport until it would block, completing
// registered reads as their bytes arrive. End of stream and transport
// errors fail the socket and every read still pending.
func (s *Sock) TryRx() error {
	s.stalled = false
	for s.err == nil {
		if err := s.deliver(); err != nil {
			return err
		}
		if s.rx.Free() == 0 {
			// nobody consumed anything; wait for a new read registration
			s.stalled = true
			return nil
		}
		seg1, seg2, _ := s.rx.WritePrepare(s.rx.Free())
		n, err := s.t.Readv(s.segments(seg1, seg2))
		if n > 0 {
			s.rx.WriteCommit(n)
			s.received += uint64(n)
		}
		if err == ErrWouldBlock {
			break
		}
		if err == io.EOF {
			s.err = fmt.Errorf("sockbuf: read: %w", io.ErrUnexpectedEOF)
		} else if err != nil {
			s.err = fmt.Errorf("sockbuf: read: %w", err)
		}
	}
	if err := s.deliver(); err != nil {
		return err
	}
	if s.err != nil {
		s.firePoints()
		return s.failReads()
	}
	return nil
}

func (s *Sock) segments(seg1, seg2 []byte) [][]byte {
	s.iov[0] = seg1
	if len(seg2) == 0 {
		return s.iov[:1]
	}
	s.iov[1] = seg2
	return s.iov[:2]
}

func (s *Sock) firePoints() {
	for s.phead < len(s.points) {
		p := s.points[s.phead]
		var err error
		if p.offset > s.sent {
			if s.err == nil {
				return
			}
			err = s.err
		}
		s.points[s.phead] = writePoint{}
		s.phead++
		if s.phead == len(s.points) {
			s.points, s.phead = s.points[:0], 0
		}
		p.fn(s, p.tag, err)
	}
}

func (s *Sock) popRead() ReadOp {
	op := s.reads[s.rhead]
	s.reads[s.rhead] = ReadOp{}
	s.rhead++
	if s.rhead == len(s.reads) {
		s.reads, s.rhead = s.reads[:0], 0
	}
	return op
}

// deliver completes reads in registration order while enough data is
// buffered for the head of the queue. The region handed to a callback is
// only consumed once it returns, so deliver must not be re-entered.
func (s *Sock) deliver() error {
	if s.delivering {
		return nil
	}
	s.delivering = true
	defer func() { s.delivering = false }()
	for {
		if s.skip > 0 {
			k := s.skip
			if k > s.rx.Len() {
				k = s.rx.Len()
			}
			s.rx.ReadCommit(k)
			s.skip -= k
			if s.skip > 0 {
				return nil
			}
		}
		if s.rhead == len(s.reads) || s.rx.Len() < s.reads[s.rhead].N {
			return nil
		}
		op := s.popRead()
		seg1, seg2, _ := s.rx.ReadPrepare(op.N)
		skip, err := op.Fn(s, op.Tag, seg1, seg2, nil)
		s.rx.ReadCommit(op.N)
		if err != nil {
			return err
		}
		if skip > 0 {
			s.skip += skip
		}
	}
}

func (s *Sock) failReads() error {
	if s.delivering {
		return nil
	}
	s.delivering = true
	defer func() { s.delivering = false }()
	for s.rhead < len(s.reads) {
		op := s.popRead()
		if _, err := op.Fn(s, op.Tag, nil, nil, s.err); err != nil {
			return err
		}
	}
	return nil
}
