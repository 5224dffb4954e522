package server_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/buoyantio/mutated/protocol"
	"github.com/buoyantio/mutated/server"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type ServerTestSuite struct{}

var _ = Suite(&ServerTestSuite{})

func serve(cfg server.Config) (net.Conn, chan error) {
	client, srv := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- cfg.ServeConn(srv)
		srv.Close()
	}()
	return client, done
}

func (*ServerTestSuite) TestSyntheticSleepsAndEchoesTag(c *C) {
	conn, done := serve(server.Config{Protocol: server.ProtocolSynthetic})

	req := protocol.SyntheticRequest{Tag: 42, Delays: []uint64{1000, 2000}}
	buf := make([]byte, req.Size())
	_, err := req.MarshalTo(buf)
	c.Assert(err, IsNil)

	start := time.Now()
	_, err = conn.Write(buf)
	c.Assert(err, IsNil)
	resp := make([]byte, protocol.SyntheticResponseSize)
	_, err = readFull(conn, resp)
	c.Assert(err, IsNil)
	c.Assert(time.Since(start) >= 3*time.Millisecond, Equals, true)

	var r protocol.SyntheticResponse
	c.Assert(r.Unmarshal(resp), IsNil)
	c.Assert(r, Equals, protocol.SyntheticResponse{Tag: 42, Count: 2, Status: protocol.StatusOK})

	conn.Close()
	c.Assert(<-done, IsNil)
}

func (*ServerTestSuite) TestSyntheticErrorRate(c *C) {
	conn, _ := serve(server.Config{Protocol: server.ProtocolSynthetic, ErrorRate: 1})
	defer conn.Close()

	req := protocol.SyntheticRequest{Tag: 7, Delays: []uint64{1}}
	buf := make([]byte, req.Size())
	req.MarshalTo(buf)
	conn.Write(buf)

	resp := make([]byte, protocol.SyntheticResponseSize)
	_, err := readFull(conn, resp)
	c.Assert(err, IsNil)
	var r protocol.SyntheticResponse
	c.Assert(r.Unmarshal(resp), IsNil)
	c.Assert(r.Status, Equals, protocol.StatusError)
	c.Assert(r.Tag, Equals, uint64(7))
}

func (*ServerTestSuite) TestMemcacheGet(c *C) {
	conn, _ := serve(server.Config{Protocol: server.ProtocolMemcache, ValueSize: 10})
	defer conn.Close()

	_, err := conn.Write(protocol.AppendGet(nil, 3, 77))
	c.Assert(err, IsNil)

	resp := make([]byte, protocol.MemcacheHeaderSize+4+10)
	_, err = readFull(conn, resp)
	c.Assert(err, IsNil)
	var hdr protocol.MemcacheHeader
	c.Assert(hdr.Unmarshal(resp), IsNil)
	c.Assert(hdr.Magic, Equals, protocol.MemcacheResponse)
	c.Assert(hdr.Status, Equals, protocol.MemcacheStatusOK)
	c.Assert(hdr.Opaque, Equals, uint32(77))
	c.Assert(hdr.ExtraLen, Equals, uint8(4))
	c.Assert(hdr.BodyLen, Equals, uint32(14))
}

func (*ServerTestSuite) TestMemcacheRejectsGarbage(c *C) {
	conn, done := serve(server.Config{Protocol: server.ProtocolMemcache})
	garbage := make([]byte, protocol.MemcacheHeaderSize)
	garbage[0] = 0x42
	go conn.Write(garbage)
	c.Assert(<-done, ErrorMatches, "bad request magic.*")
	conn.Close()
}

func readFull(conn net.Conn, p []byte) (int, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return io.ReadFull(conn, p)
}
