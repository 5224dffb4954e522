// Package generator encodes requests into a socket buffer and turns the
// matching responses into latency samples. A run uses exactly one
// variant, chosen when the client is configured.
package generator

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/buoyantio/mutated/inflight"
	"github.com/buoyantio/mutated/sockbuf"
)

// Fatal conditions. They end the run.
var (
	ErrFraming  = errors.New("generator: unexpected response size")
	ErrOrdering = errors.New("generator: response does not match the oldest request")
	ErrTiming   = errors.New("generator: non-positive latency")
)

// ErrBufferFull is returned by SendRequest when the send buffer has no
// room for the request even after a flush. Nothing was queued or
// recorded; the caller retries once the socket drained.
var ErrBufferFull = errors.New("generator: no room in the send buffer")

// Sample is the latency breakdown of one answered request.
type Sample struct {
	// QueueUs is the time spent in the local send buffer.
	QueueUs uint64
	// ServiceUs is the round trip from generation to response.
	ServiceUs uint64
	// WaitUs is the part of ServiceUs beyond the requested service time.
	WaitUs  uint64
	Bytes   int
	Measure bool
}

// RequestFunc receives the sample of an answered request.
type RequestFunc func(Sample)

// DropFunc is told about requests voided by a transport error or an
// error response. Their RequestFunc is never called.
type DropFunc func(measure bool, err error)

// Clock returns monotonic nanoseconds.
type Clock func() int64

// Generator is the capability shared by the protocol variants.
type Generator interface {
	// SendRequest encodes one request, queues it for transmission and
	// registers the read of its response. It returns ErrBufferFull,
	// leaving no trace, while the send buffer is full.
	SendRequest(measure bool, cb RequestFunc) error
	// OnSent stamps the request identified by tag as transmitted.
	OnSent(s *sockbuf.Sock, tag uint64, err error)
	// OnResponse handles the fixed-size response header for tag and
	// returns the number of body bytes that follow it.
	OnResponse(s *sockbuf.Sock, tag uint64, seg1, seg2 []byte, err error) (int, error)
	// InFlight is the number of unanswered requests.
	InFlight() int
}

// Options are shared by every variant.
type Options struct {
	Sock        *sockbuf.Sock
	Rand        *rand.Rand
	Clock       Clock
	OnDrop      DropFunc
	MaxInFlight int
}

func (o *Options) check() error {
	if o.Sock == nil {
		return errors.New("generator: no socket")
	}
	if o.Rand == nil {
		return errors.New("generator: no random source")
	}
	if o.Clock == nil {
		return errors.New("generator: no clock")
	}
	if o.MaxInFlight <= 0 {
		return fmt.Errorf("generator: invalid in-flight limit %d", o.MaxInFlight)
	}
	return nil
}

// request is the in-flight record of both variants.
type request struct {
	measure  bool
	cb       RequestFunc
	gen      int64
	sent     int64
	targetUs uint64
}

// prepare grants n bytes of send buffer, flushing once if the buffer is
// full.
func prepare(s *sockbuf.Sock, n int) (seg1, seg2 []byte, err error) {
	seg1, seg2, err = s.WritePrepare(n)
	if err == nil {
		return seg1, seg2, nil
	}
	if err := s.TryTx(); err != nil {
		return nil, nil, err
	}
	seg1, seg2, err = s.WritePrepare(n)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %d bytes pending", ErrBufferFull, s.Pending())
	}
	return seg1, seg2, nil
}

// dequeue pops the head record and checks it is the one tag names.
func dequeue(q *inflight.Queue[request], tag uint64) (request, error) {
	h, req, err := q.Dequeue()
	if err != nil {
		return req, err
	}
	if uint64(h) != tag {
		return req, fmt.Errorf("%w: head %d, response %d", ErrOrdering, h, tag)
	}
	return req, nil
}

// drop voids the head record, which must be the one tag names, after a
// failed read or an error response.
func drop(q *inflight.Queue[request], onDrop DropFunc, tag uint64, cause error) error {
	h, req, ok := q.Head()
	if !ok {
		return inflight.ErrUnderflow
	}
	if uint64(h) != tag {
		return fmt.Errorf("%w: head %d, dropped %d", ErrOrdering, h, tag)
	}
	measure := req.measure
	q.Drop(1)
	if onDrop != nil {
		onDrop(measure, cause)
	}
	return nil
}

// roundTrip converts the time between generation and now to whole
// microseconds.
func roundTrip(gen, now int64) (uint64, error) {
	delta := now - gen
	if delta <= 0 {
		return 0, fmt.Errorf("%w: answered %dns after generation", ErrTiming, delta)
	}
	return uint64(delta) / 1000, nil
}

// decompose splits the life of a request into its latency components.
func decompose(gen, sent, now int64, targetUs uint64) (Sample, error) {
	var s Sample
	delta := sent - gen
	if delta <= 0 {
		return s, fmt.Errorf("%w: sent %dns after generation", ErrTiming, delta)
	}
	s.QueueUs = uint64(delta) / 1000
	service, err := roundTrip(gen, now)
	if err != nil {
		return s, err
	}
	s.ServiceUs = service
	if service > targetUs {
		// noise can put the response ahead of the requested service time
		s.WaitUs = service - targetUs
	}
	return s, nil
}

func size(seg1, seg2 []byte) int { return len(seg1) + len(seg2) }

// gather returns the n bytes of a possibly wrapped region as one slice,
// copying into scratch only when the region wrapped.
func gather(scratch []byte, seg1, seg2 []byte) []byte {
	if len(seg2) == 0 {
		return seg1
	}
	n := copy(scratch, seg1)
	n += copy(scratch[n:], seg2)
	return scratch[:n]
}
