// Package probe checks that a target answers the load generator's
// protocols, one blocking request at a time.
package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/buoyantio/mutated/accum"
	"github.com/buoyantio/mutated/protocol"
	log "github.com/sirupsen/logrus"
)

// Config of a probe.
type Config struct {
	Address     string
	UseUnixAddr bool
	Protocol    string
	Count       int
	// ServiceUs is the delay requested from a synthetic server.
	ServiceUs uint64
	Timeout   time.Duration
	Interval  time.Duration
}

// Result of a probe. Round trips are in microseconds.
type Result struct {
	Sent     int         `json:"sent"`
	Received int         `json:"received"`
	Errors   int         `json:"errors"`
	RTT      accum.Stats `json:"rtt_us"`
}

// Run dials the target and probes it.
func (cfg Config) Run(ctx context.Context) (*Result, error) {
	af := "tcp"
	if cfg.UseUnixAddr {
		af = "unix"
	}
	var d net.Dialer
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	log.Infof("connecting to %s", cfg.Address)
	conn, err := d.DialContext(ctx, af, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("did not connect: %w", err)
	}
	defer conn.Close()
	return cfg.RunConn(ctx, conn)
}

// RunConn probes over an established connection. It stops early when a
// request times out or the connection fails, since the stream can no
// longer be trusted.
func (cfg Config) RunConn(ctx context.Context, conn net.Conn) (*Result, error) {
	var exchange func(*bufio.Reader, uint32) (bool, error)
	switch cfg.Protocol {
	case "synthetic":
		exchange = cfg.synthetic(conn)
	case "memcache":
		exchange = cfg.memcache(conn)
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}

	rtts := accum.New(cfg.Count)
	res := &Result{}
	r := bufio.NewReader(conn)
	for i := 0; i < cfg.Count; i++ {
		if i > 0 && cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}
		if cfg.Timeout > 0 {
			conn.SetDeadline(time.Now().Add(cfg.Timeout))
		}
		start := time.Now()
		res.Sent++
		ok, err := exchange(r, uint32(i))
		rtt := time.Since(start)
		if err != nil {
			res.Errors++
			res.RTT = rtts.Stats()
			return res, fmt.Errorf("probe %d: %w", i, err)
		}
		res.Received++
		if !ok {
			res.Errors++
			log.Warnf("error reply from %s: seq=%d time=%s", cfg.Address, i, rtt)
			continue
		}
		rtts.Add(uint64(rtt.Microseconds()))
		log.Infof("reply from %s: seq=%d time=%s", cfg.Address, i, rtt)
	}
	res.RTT = rtts.Stats()
	return res, nil
}

func (cfg Config) synthetic(w io.Writer) func(*bufio.Reader, uint32) (bool, error) {
	req := protocol.SyntheticRequest{Delays: []uint64{cfg.ServiceUs}}
	out := make([]byte, req.Size())
	in := make([]byte, protocol.SyntheticResponseSize)
	return func(r *bufio.Reader, seq uint32) (bool, error) {
		req.Tag = uint64(seq)
		req.MarshalTo(out)
		if _, err := w.Write(out); err != nil {
			return false, err
		}
		if _, err := io.ReadFull(r, in); err != nil {
			return false, err
		}
		var resp protocol.SyntheticResponse
		if err := resp.Unmarshal(in); err != nil {
			return false, err
		}
		if resp.Tag != req.Tag {
			return false, fmt.Errorf("reply tag %d, expected %d", resp.Tag, req.Tag)
		}
		return resp.Status == protocol.StatusOK, nil
	}
}

func (cfg Config) memcache(w io.Writer) func(*bufio.Reader, uint32) (bool, error) {
	in := make([]byte, protocol.MemcacheHeaderSize)
	var out []byte
	return func(r *bufio.Reader, seq uint32) (bool, error) {
		out = protocol.AppendGet(out[:0], uint64(seq)+1, seq)
		if _, err := w.Write(out); err != nil {
			return false, err
		}
		if _, err := io.ReadFull(r, in); err != nil {
			return false, err
		}
		var hdr protocol.MemcacheHeader
		if err := hdr.Unmarshal(in); err != nil {
			return false, err
		}
		if hdr.Magic != protocol.MemcacheResponse || hdr.Opaque != seq {
			return false, fmt.Errorf("unexpected reply magic %#x opaque %d", hdr.Magic, hdr.Opaque)
		}
		if _, err := r.Discard(int(hdr.BodyLen)); err != nil {
			return false, err
		}
		return hdr.Status == protocol.MemcacheStatusOK, nil
	}
}
