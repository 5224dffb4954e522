package generator

import (
	"fmt"

	"github.com/buoyantio/mutated/distribution"
	"github.com/buoyantio/mutated/inflight"
	"github.com/buoyantio/mutated/protocol"
	"github.com/buoyantio/mutated/sockbuf"
)

// Synthetic asks the server to spend a sampled service time on each
// request, so the round trip can be split into client queueing, service
// and server-side wait.
type Synthetic struct {
	opts    Options
	sampler distribution.Sampler
	q       *inflight.Queue[request]

	delays  []uint64
	pkt     []byte
	scratch [protocol.SyntheticResponseSize]byte

	onSent sockbuf.WriteFunc
	onResp sockbuf.ReadFunc
}

// NewSynthetic builds the generator. Each packet carries batch delays,
// which the server serves back to back; the target service time of the
// request is their sum.
func NewSynthetic(opts Options, dist distribution.Config, batch int) (*Synthetic, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	if batch < 1 || batch > protocol.MaxSyntheticBatch {
		return nil, fmt.Errorf("generator: batch %d outside [1,%d]", batch, protocol.MaxSyntheticBatch)
	}
	sampler, err := distribution.New(dist, opts.Rand)
	if err != nil {
		return nil, err
	}
	g := &Synthetic{
		opts:    opts,
		sampler: sampler,
		q:       inflight.New[request](opts.MaxInFlight),
		delays:  make([]uint64, batch),
		pkt:     make([]byte, protocol.SyntheticRequestSize(batch)),
	}
	g.onSent = g.OnSent
	g.onResp = g.OnResponse
	return g, nil
}

// InFlight is the number of unanswered requests.
func (g *Synthetic) InFlight() int { return g.q.Len() }

// SendRequest implements Generator.
func (g *Synthetic) SendRequest(measure bool, cb RequestFunc) error {
	s := g.opts.Sock
	n := len(g.pkt)
	seg1, seg2, err := prepare(s, n)
	if err != nil {
		return err
	}

	// sampled only once there is room, so a blocked attempt draws nothing
	var target uint64
	for i := range g.delays {
		g.delays[i] = g.sampler.Sample()
		target += g.delays[i]
	}
	h, req, err := g.q.Emplace()
	if err != nil {
		return err
	}
	req.measure = measure
	req.cb = cb
	req.targetUs = target

	pkt := protocol.SyntheticRequest{Tag: uint64(h), Delays: g.delays}
	if len(seg2) == 0 {
		pkt.MarshalTo(seg1)
	} else {
		pkt.MarshalTo(g.pkt)
		sockbuf.CopyIn(seg1, seg2, g.pkt)
	}
	s.WriteCommit(n)

	req.gen = g.opts.Clock()
	s.WriteCallbackPoint(g.onSent, uint64(h))
	if err := s.TryTx(); err != nil {
		return err
	}
	return s.Read(sockbuf.ReadOp{N: protocol.SyntheticResponseSize, Tag: uint64(h), Fn: g.onResp})
}

// OnSent implements Generator.
func (g *Synthetic) OnSent(_ *sockbuf.Sock, tag uint64, err error) {
	if err != nil {
		return
	}
	if req, ok := g.q.Get(inflight.Handle(tag)); ok {
		req.sent = g.opts.Clock()
	}
}

// OnResponse implements Generator.
func (g *Synthetic) OnResponse(_ *sockbuf.Sock, tag uint64, seg1, seg2 []byte, err error) (int, error) {
	if err != nil {
		return 0, drop(g.q, g.opts.OnDrop, tag, err)
	}
	if n := size(seg1, seg2); n != protocol.SyntheticResponseSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrFraming, n)
	}
	var resp protocol.SyntheticResponse
	if err := resp.Unmarshal(gather(g.scratch[:], seg1, seg2)); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrFraming, err)
	}
	if resp.Tag != tag {
		return 0, fmt.Errorf("%w: expected tag %d, got %d", ErrOrdering, tag, resp.Tag)
	}
	if resp.Count != uint32(len(g.delays)) {
		return 0, fmt.Errorf("%w: response for %d delays, sent %d", ErrFraming, resp.Count, len(g.delays))
	}
	if resp.Status != protocol.StatusOK {
		return 0, drop(g.q, g.opts.OnDrop, tag, fmt.Errorf("generator: server status %d", resp.Status))
	}

	req, err := dequeue(g.q, tag)
	if err != nil {
		return 0, err
	}
	sample, err := decompose(req.gen, req.sent, g.opts.Clock(), req.targetUs)
	if err != nil {
		return 0, err
	}
	sample.Bytes = protocol.SyntheticResponseSize
	sample.Measure = req.measure
	req.cb(sample)
	return 0, nil
}
