package generator

import (
	"encoding/binary"
	"fmt"

	"github.com/buoyantio/mutated/inflight"
	"github.com/buoyantio/mutated/protocol"
	"github.com/buoyantio/mutated/sockbuf"
)

// Memcache issues binary-protocol GETs over a fixed key space. Only the
// round trip is measured; queue and wait are always zero.
type Memcache struct {
	opts Options
	q    *inflight.Queue[request]

	requests []byte
	keys     uint64
	seq      uint64
	scratch  [protocol.MemcacheHeaderSize]byte

	onResp sockbuf.ReadFunc
}

// NewMemcache encodes a GET for every key up front. The first key is
// picked from opts.Rand so concurrent clients walk the key space out of
// step.
func NewMemcache(opts Options, keys int) (*Memcache, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	if keys < 1 {
		return nil, fmt.Errorf("generator: invalid key count %d", keys)
	}
	g := &Memcache{
		opts:     opts,
		q:        inflight.New[request](opts.MaxInFlight),
		requests: make([]byte, 0, keys*protocol.MemcacheGetSize),
		keys:     uint64(keys),
		seq:      opts.Rand.Uint64(),
	}
	for id := 1; id <= keys; id++ {
		g.requests = protocol.AppendGet(g.requests, uint64(id), 0)
	}
	g.onResp = g.OnResponse
	return g, nil
}

// InFlight is the number of unanswered requests.
func (g *Memcache) InFlight() int { return g.q.Len() }

// SendRequest implements Generator.
func (g *Memcache) SendRequest(measure bool, cb RequestFunc) error {
	s := g.opts.Sock
	const n = protocol.MemcacheGetSize
	seg1, seg2, err := prepare(s, n)
	if err != nil {
		return err
	}
	h, req, err := g.q.Emplace()
	if err != nil {
		return err
	}
	req.measure = measure
	req.cb = cb

	id := g.seq % g.keys
	g.seq++
	sockbuf.CopyIn(seg1, seg2, g.requests[id*n:(id+1)*n])
	var opaque [4]byte
	binary.BigEndian.PutUint32(opaque[:], uint32(h))
	patch(seg1, seg2, protocol.OpaqueOffset, opaque[:])
	s.WriteCommit(n)

	req.gen = g.opts.Clock()
	if err := s.TryTx(); err != nil {
		return err
	}
	return s.Read(sockbuf.ReadOp{N: protocol.MemcacheHeaderSize, Tag: uint64(h), Fn: g.onResp})
}

// OnSent implements Generator. GETs are not timestamped on transmission.
func (g *Memcache) OnSent(*sockbuf.Sock, uint64, error) {}

// OnResponse implements Generator. The response body (extras, key and
// value) is skipped.
func (g *Memcache) OnResponse(_ *sockbuf.Sock, tag uint64, seg1, seg2 []byte, err error) (int, error) {
	if err != nil {
		return 0, drop(g.q, g.opts.OnDrop, tag, err)
	}
	if n := size(seg1, seg2); n != protocol.MemcacheHeaderSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrFraming, n)
	}
	var hdr protocol.MemcacheHeader
	if err := hdr.Unmarshal(gather(g.scratch[:], seg1, seg2)); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrFraming, err)
	}
	if hdr.Magic != protocol.MemcacheResponse {
		return 0, fmt.Errorf("%w: magic %#x", ErrFraming, hdr.Magic)
	}
	if hdr.Opaque != uint32(tag) {
		return 0, fmt.Errorf("%w: expected opaque %d, got %d", ErrOrdering, uint32(tag), hdr.Opaque)
	}
	body := int(hdr.BodyLen)
	if hdr.Status != protocol.MemcacheStatusOK {
		return body, drop(g.q, g.opts.OnDrop, tag, fmt.Errorf("generator: memcache status %#x", hdr.Status))
	}

	req, err := dequeue(g.q, tag)
	if err != nil {
		return 0, err
	}
	service, err := roundTrip(req.gen, g.opts.Clock())
	if err != nil {
		return 0, err
	}
	req.cb(Sample{
		ServiceUs: service,
		Bytes:     protocol.MemcacheHeaderSize + body,
		Measure:   req.measure,
	})
	return body, nil
}

// patch overwrites the bytes at off of a possibly wrapped region.
func patch(seg1, seg2 []byte, off int, b []byte) {
	for i, c := range b {
		if j := off + i; j < len(seg1) {
			seg1[j] = c
		} else {
			seg2[j-len(seg1)] = c
		}
	}
}
