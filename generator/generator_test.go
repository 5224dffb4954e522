package generator

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/buoyantio/mutated/distribution"
	"github.com/buoyantio/mutated/inflight"
	"github.com/buoyantio/mutated/protocol"
	"github.com/buoyantio/mutated/sockbuf"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

// loopTransport records writes and serves reads from in.
type loopTransport struct {
	in, out []byte
	werr    error
	rerr    error
}

func (l *loopTransport) Readv(segs [][]byte) (int, error) {
	if len(l.in) == 0 {
		if l.rerr != nil {
			return 0, l.rerr
		}
		return 0, sockbuf.ErrWouldBlock
	}
	n := 0
	for _, seg := range segs {
		k := copy(seg, l.in)
		l.in = l.in[k:]
		n += k
	}
	return n, nil
}

func (l *loopTransport) Writev(segs [][]byte) (int, error) {
	if l.werr != nil {
		return 0, l.werr
	}
	n := 0
	for _, seg := range segs {
		l.out = append(l.out, seg...)
		n += len(seg)
	}
	return n, nil
}

// stepClock advances by step on every reading.
type stepClock struct {
	now, step int64
}

func (s *stepClock) Now() int64 {
	s.now += s.step
	return s.now
}

type harness struct {
	lt      *loopTransport
	sock    *sockbuf.Sock
	clock   *stepClock
	samples []Sample
	drops   []bool
}

func newHarness(txSize int) *harness {
	h := &harness{lt: &loopTransport{}, clock: &stepClock{step: 1000}}
	h.sock = sockbuf.New(h.lt, txSize, 4096)
	return h
}

func (h *harness) options() Options {
	return Options{
		Sock:        h.sock,
		Rand:        rand.New(rand.NewSource(1)),
		Clock:       h.clock.Now,
		OnDrop:      func(measure bool, _ error) { h.drops = append(h.drops, measure) },
		MaxInFlight: 16,
	}
}

func (h *harness) record(s Sample) { h.samples = append(h.samples, s) }

// answerSynthetic replies to every request written so far.
func (h *harness) answerSynthetic(c *C, status uint32) {
	for len(h.lt.out) > 0 {
		tag, count, err := protocol.ParseSyntheticHeader(h.lt.out)
		c.Assert(err, IsNil)
		h.lt.out = h.lt.out[protocol.SyntheticRequestSize(count):]
		resp := protocol.SyntheticResponse{Tag: tag, Count: uint32(count), Status: status}
		var buf [protocol.SyntheticResponseSize]byte
		resp.MarshalTo(buf[:])
		h.lt.in = append(h.lt.in, buf[:]...)
	}
}

type DecomposeTestSuite struct{}

var _ = Suite(&DecomposeTestSuite{})

func (*DecomposeTestSuite) TestBreakdown(c *C) {
	const t0 = int64(1e9)
	s, err := decompose(t0, t0+5000, t0+42000, 30)
	c.Assert(err, IsNil)
	c.Assert(s.QueueUs, Equals, uint64(5))
	c.Assert(s.ServiceUs, Equals, uint64(42))
	c.Assert(s.WaitUs, Equals, uint64(12))

	s, err = decompose(t0, t0+5000, t0+42000, 100)
	c.Assert(err, IsNil)
	c.Assert(s.WaitUs, Equals, uint64(0))
}

func (*DecomposeTestSuite) TestNonPositiveIsFatal(c *C) {
	const t0 = int64(1e9)
	_, err := decompose(t0, t0, t0+42000, 30)
	c.Assert(errors.Is(err, ErrTiming), Equals, true)
	_, err = decompose(t0, t0+5000, t0-1, 30)
	c.Assert(errors.Is(err, ErrTiming), Equals, true)
	_, err = roundTrip(t0, t0)
	c.Assert(errors.Is(err, ErrTiming), Equals, true)
}

type SyntheticTestSuite struct{}

var _ = Suite(&SyntheticTestSuite{})

func newSynthetic(c *C, h *harness, batch int) *Synthetic {
	g, err := NewSynthetic(h.options(), distribution.Config{Kind: distribution.Fixed, MeanUs: 1}, batch)
	c.Assert(err, IsNil)
	return g
}

func (*SyntheticTestSuite) TestRoundTrip(c *C) {
	h := newHarness(4096)
	g := newSynthetic(c, h, 1)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	c.Assert(h.lt.out, HasLen, protocol.SyntheticRequestSize(1))
	c.Assert(g.InFlight(), Equals, 1)

	h.answerSynthetic(c, protocol.StatusOK)
	c.Assert(h.sock.TryRx(), IsNil)

	// generated at 1µs, sent at 2µs, answered at 3µs, target 1µs
	c.Assert(h.samples, DeepEquals, []Sample{{
		QueueUs: 1, ServiceUs: 2, WaitUs: 1, Bytes: protocol.SyntheticResponseSize, Measure: true,
	}})
	c.Assert(g.InFlight(), Equals, 0)
}

func (*SyntheticTestSuite) TestBatchTargetIsSum(c *C) {
	h := newHarness(4096)
	h.clock.step = 10000
	g := newSynthetic(c, h, 3)

	c.Assert(g.SendRequest(false, h.record), IsNil)
	_, count, err := protocol.ParseSyntheticHeader(h.lt.out)
	c.Assert(err, IsNil)
	c.Assert(count, Equals, 3)

	h.answerSynthetic(c, protocol.StatusOK)
	c.Assert(h.sock.TryRx(), IsNil)
	c.Assert(h.samples, HasLen, 1)
	c.Assert(h.samples[0].ServiceUs, Equals, uint64(20))
	c.Assert(h.samples[0].WaitUs, Equals, uint64(17))
	c.Assert(h.samples[0].Measure, Equals, false)
}

func (*SyntheticTestSuite) TestErrorStatusDropsOne(c *C) {
	h := newHarness(4096)
	g := newSynthetic(c, h, 1)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	h.answerSynthetic(c, protocol.StatusError)
	c.Assert(g.SendRequest(false, h.record), IsNil)
	h.answerSynthetic(c, protocol.StatusOK)
	c.Assert(h.sock.TryRx(), IsNil)

	c.Assert(h.drops, DeepEquals, []bool{true})
	c.Assert(h.samples, HasLen, 1)
	c.Assert(h.samples[0].Measure, Equals, false)
	c.Assert(g.InFlight(), Equals, 0)
}

func (*SyntheticTestSuite) TestTagMismatchIsFatal(c *C) {
	h := newHarness(4096)
	g := newSynthetic(c, h, 1)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	resp := protocol.SyntheticResponse{Tag: 99}
	var buf [protocol.SyntheticResponseSize]byte
	resp.MarshalTo(buf[:])
	h.lt.in = buf[:]

	err := h.sock.TryRx()
	c.Assert(errors.Is(err, ErrOrdering), Equals, true)
	c.Assert(h.samples, HasLen, 0)
}

func (*SyntheticTestSuite) TestTransportErrorDropsEverything(c *C) {
	h := newHarness(4096)
	g := newSynthetic(c, h, 1)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	c.Assert(g.SendRequest(false, h.record), IsNil)
	h.lt.rerr = errors.New("connection reset")
	c.Assert(h.sock.TryRx(), IsNil)

	c.Assert(h.drops, DeepEquals, []bool{true, false})
	c.Assert(g.InFlight(), Equals, 0)
	c.Assert(h.sock.Err(), NotNil)

	// later requests are dropped as soon as they are issued
	c.Assert(g.SendRequest(true, h.record), IsNil)
	c.Assert(h.drops, HasLen, 3)
	c.Assert(h.samples, HasLen, 0)
}

func (*SyntheticTestSuite) TestFullSendBufferWaitsForDrain(c *C) {
	h := newHarness(4096)
	gt := &gatedTransport{}
	h.lt = &gt.loopTransport
	h.sock = sockbuf.New(gt, 2*protocol.SyntheticRequestSize(1), 4096)
	g := newSynthetic(c, h, 1)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	c.Assert(g.SendRequest(true, h.record), IsNil)
	err := g.SendRequest(true, h.record)
	c.Assert(errors.Is(err, ErrBufferFull), Equals, true)
	c.Assert(g.InFlight(), Equals, 2)
	c.Assert(h.sock.PendingReads(), Equals, 2)
	c.Assert(h.lt.out, HasLen, 0)

	gt.open = true
	c.Assert(h.sock.TryTx(), IsNil)
	c.Assert(h.lt.out, HasLen, 2*protocol.SyntheticRequestSize(1))
	c.Assert(g.SendRequest(true, h.record), IsNil)
	c.Assert(g.InFlight(), Equals, 3)
	tag, _, err := protocol.ParseSyntheticHeader(h.lt.out[2*protocol.SyntheticRequestSize(1):])
	c.Assert(err, IsNil)
	c.Assert(tag, Equals, uint64(2))

	h.answerSynthetic(c, protocol.StatusOK)
	c.Assert(h.sock.TryRx(), IsNil)
	c.Assert(h.samples, HasLen, 3)
	// the first two sat in the send buffer until the gate opened
	c.Assert([]uint64{h.samples[0].QueueUs, h.samples[1].QueueUs, h.samples[2].QueueUs}, DeepEquals, []uint64{2, 2, 1})
	c.Assert(h.drops, HasLen, 0)
}

func (*SyntheticTestSuite) TestCountMismatchIsFatal(c *C) {
	h := newHarness(4096)
	g := newSynthetic(c, h, 1)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	resp := protocol.SyntheticResponse{Tag: 0, Count: 2}
	var buf [protocol.SyntheticResponseSize]byte
	resp.MarshalTo(buf[:])
	h.lt.in = buf[:]

	c.Assert(errors.Is(h.sock.TryRx(), ErrFraming), Equals, true)
	c.Assert(h.samples, HasLen, 0)
}

func (*SyntheticTestSuite) TestInFlightLimit(c *C) {
	h := newHarness(4096)
	opts := h.options()
	opts.MaxInFlight = 1
	g, err := NewSynthetic(opts, distribution.Config{Kind: distribution.Fixed, MeanUs: 1}, 1)
	c.Assert(err, IsNil)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	c.Assert(errors.Is(g.SendRequest(true, h.record), inflight.ErrFull), Equals, true)
}

// gatedTransport accepts writes only once open is set.
type gatedTransport struct {
	loopTransport
	open bool
}

func (g *gatedTransport) Writev(segs [][]byte) (int, error) {
	if !g.open {
		return 0, sockbuf.ErrWouldBlock
	}
	return g.loopTransport.Writev(segs)
}

type MemcacheTestSuite struct{}

var _ = Suite(&MemcacheTestSuite{})

func memcacheResponse(opaque uint32, status uint16, value []byte) []byte {
	hdr := protocol.MemcacheHeader{
		Magic:   protocol.MemcacheResponse,
		Opcode:  protocol.MemcacheGet,
		Status:  status,
		BodyLen: uint32(len(value)),
		Opaque:  opaque,
	}
	buf := make([]byte, protocol.MemcacheHeaderSize)
	hdr.MarshalTo(buf)
	return append(buf, value...)
}

func (*MemcacheTestSuite) TestRequestsWalkKeySpace(c *C) {
	h := newHarness(4096)
	g, err := NewMemcache(h.options(), 5)
	c.Assert(err, IsNil)

	first := g.seq % 5
	for i := 0; i < 6; i++ {
		c.Assert(g.SendRequest(true, h.record), IsNil)
	}
	c.Assert(h.lt.out, HasLen, 6*protocol.MemcacheGetSize)
	for i := 0; i < 6; i++ {
		pkt := h.lt.out[i*protocol.MemcacheGetSize : (i+1)*protocol.MemcacheGetSize]
		var hdr protocol.MemcacheHeader
		c.Assert(hdr.Unmarshal(pkt), IsNil)
		c.Assert(hdr.Magic, Equals, protocol.MemcacheRequest)
		c.Assert(hdr.Opaque, Equals, uint32(i))
		id := (first+uint64(i))%5 + 1
		c.Assert(string(pkt[protocol.MemcacheHeaderSize:]), Equals, protocol.Key(id))
	}
}

func (*MemcacheTestSuite) TestResponsesWithBodies(c *C) {
	h := newHarness(4096)
	g, err := NewMemcache(h.options(), 10)
	c.Assert(err, IsNil)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	c.Assert(g.SendRequest(false, h.record), IsNil)
	c.Assert(g.SendRequest(true, h.record), IsNil)
	h.lt.in = append(h.lt.in, memcacheResponse(0, protocol.MemcacheStatusOK, []byte("value-0"))...)
	h.lt.in = append(h.lt.in, memcacheResponse(1, protocol.MemcacheStatusNotFound, []byte("Not found"))...)
	h.lt.in = append(h.lt.in, memcacheResponse(2, protocol.MemcacheStatusOK, nil)...)
	c.Assert(h.sock.TryRx(), IsNil)

	c.Assert(h.drops, DeepEquals, []bool{false})
	c.Assert(h.samples, HasLen, 2)
	c.Assert(h.samples[0].Bytes, Equals, protocol.MemcacheHeaderSize+7)
	c.Assert(h.samples[0].WaitUs, Equals, uint64(0))
	c.Assert(h.samples[0].QueueUs, Equals, uint64(0))
	c.Assert(h.samples[0].ServiceUs > 0, Equals, true)
	c.Assert(h.samples[1].Bytes, Equals, protocol.MemcacheHeaderSize)
	c.Assert(g.InFlight(), Equals, 0)
}

func (*MemcacheTestSuite) TestOpaquePatchedAcrossWrap(c *C) {
	// the second request starts 50 bytes into a 64 byte ring, so its
	// opaque field straddles the wrap
	h := newHarness(64)
	g, err := NewMemcache(h.options(), 3)
	c.Assert(err, IsNil)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	seg1, seg2, err := h.sock.WritePrepare(60)
	c.Assert(err, IsNil)
	sockbuf.CopyIn(seg1, seg2, bytes.Repeat([]byte{'x'}, 60))
	h.sock.WriteCommit(60)
	c.Assert(h.sock.TryTx(), IsNil)
	c.Assert(g.SendRequest(true, h.record), IsNil)

	pkt := h.lt.out[protocol.MemcacheGetSize+60:]
	c.Assert(pkt, HasLen, protocol.MemcacheGetSize)
	var hdr protocol.MemcacheHeader
	c.Assert(hdr.Unmarshal(pkt), IsNil)
	c.Assert(hdr.Opaque, Equals, uint32(1))
	c.Assert(hdr.KeyLen, Equals, uint16(protocol.KeyLen))
}

func (*MemcacheTestSuite) TestBadMagicIsFatal(c *C) {
	h := newHarness(4096)
	g, err := NewMemcache(h.options(), 10)
	c.Assert(err, IsNil)

	c.Assert(g.SendRequest(true, h.record), IsNil)
	resp := memcacheResponse(0, 0, nil)
	resp[0] = protocol.MemcacheRequest
	h.lt.in = resp
	c.Assert(errors.Is(h.sock.TryRx(), ErrFraming), Equals, true)
}
