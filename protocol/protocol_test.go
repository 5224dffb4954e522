package protocol_test

import (
	"testing"

	"github.com/buoyantio/mutated/protocol"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type ProtocolTestSuite struct{}

var _ = Suite(&ProtocolTestSuite{})

func (*ProtocolTestSuite) TestSyntheticRequestLayout(c *C) {
	req := protocol.SyntheticRequest{Tag: 0x0102030405060708, Delays: []uint64{300}}
	p := make([]byte, req.Size())
	n, err := req.MarshalTo(p)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 24)
	c.Assert(p[:8], DeepEquals, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	c.Assert(p[8:12], DeepEquals, []byte{0, 0, 0, 1})
	c.Assert(p[22:24], DeepEquals, []byte{0x01, 0x2c})

	tag, count, err := protocol.ParseSyntheticHeader(p)
	c.Assert(err, IsNil)
	c.Assert(tag, Equals, req.Tag)
	c.Assert(count, Equals, 1)

	_, err = req.MarshalTo(p[:20])
	c.Assert(err, NotNil)
}

func (*ProtocolTestSuite) TestSyntheticHeaderRejectsHugeBatches(c *C) {
	req := protocol.SyntheticRequest{Delays: make([]uint64, protocol.MaxSyntheticBatch+1)}
	p := make([]byte, req.Size())
	_, err := req.MarshalTo(p)
	c.Assert(err, IsNil)
	_, _, err = protocol.ParseSyntheticHeader(p)
	c.Assert(err, ErrorMatches, ".*exceeds.*")
}

func (*ProtocolTestSuite) TestMemcacheGetLayout(c *C) {
	p := protocol.AppendGet(nil, 42, 7)
	c.Assert(p, HasLen, protocol.MemcacheGetSize)
	c.Assert(p[0], Equals, protocol.MemcacheRequest)
	c.Assert(p[1], Equals, protocol.MemcacheGet)
	c.Assert(p[2:4], DeepEquals, []byte{0, 30})
	c.Assert(p[8:12], DeepEquals, []byte{0, 0, 0, 30})
	c.Assert(p[12:16], DeepEquals, []byte{0, 0, 0, 7})
	c.Assert(string(p[24:]), Equals, "key-00000000000000000000000042")

	var h protocol.MemcacheHeader
	c.Assert(h.Unmarshal(p), IsNil)
	c.Assert(h.Opaque, Equals, uint32(7))
	c.Assert(h.KeyLen, Equals, uint16(protocol.KeyLen))
}
