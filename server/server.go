// Package server answers the synthetic and memcache protocols. It exists
// so a client can be pointed at something well-behaved; every connection
// is served by its own goroutine and answers strictly in order.
package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/buoyantio/mutated/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

var (
	promRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_server_requests",
		Help: "Number of requests",
	})

	promResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_server_responses",
		Help: "Number of responses sent",
	})

	promErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_server_error_responses",
		Help: "Number of responses carrying an error status",
	})

	promBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_server_bytes_tx",
		Help: "Number of bytes sent",
	})

	promConnErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutated_server_connection_errors",
		Help: "Number of connections closed on an error",
	})

	metricsOnce sync.Once
)

func registerMetrics() {
	prometheus.MustRegister(promRequests)
	prometheus.MustRegister(promResponses)
	prometheus.MustRegister(promErrors)
	prometheus.MustRegister(promBytesSent)
	prometheus.MustRegister(promConnErrors)
}

// Protocols the server speaks.
const (
	ProtocolSynthetic = "synthetic"
	ProtocolMemcache  = "memcache"
)

// Config for a server
type Config struct {
	Address     string
	UseUnixAddr bool
	Protocol    string
	MetricAddr  string
	// MaxConns caps concurrent connections, 0 is unlimited.
	MaxConns int
	// ValueSize is the length of every memcache value.
	ValueSize int
	// ErrorRate is the chance of answering with an error status.
	ErrorRate float64
}

func (cfg *Config) serveMetrics() {
	if cfg.MetricAddr == "" {
		return
	}
	metricsOnce.Do(func() {
		registerMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricAddr, mux); err != nil {
				log.Errorf("metrics server on %s: %s", cfg.MetricAddr, err)
			}
		}()
	})
}

func (cfg *Config) af() string {
	if cfg.UseUnixAddr {
		return "unix"
	}
	return "tcp"
}

// Run listens on cfg.Address until ctx is done.
func (cfg Config) Run(ctx context.Context) error {
	if cfg.Protocol != ProtocolSynthetic && cfg.Protocol != ProtocolMemcache {
		return fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	cfg.serveMetrics()

	af := cfg.af()
	lis, err := net.Listen(af, cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s:%s: %w", af, cfg.Address, err)
	}
	if cfg.MaxConns > 0 {
		lis = netutil.LimitListener(lis, cfg.MaxConns)
	}
	log.WithFields(log.Fields{
		"address":  lis.Addr().String(),
		"protocol": cfg.Protocol,
		"maxConns": cfg.MaxConns,
	}).Info("starting server")
	return cfg.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is done or lis fails.
func (cfg Config) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := cfg.ServeConn(conn); err != nil {
				promConnErrors.Inc()
				log.Debugf("connection from %s: %s", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn answers requests on conn until the peer hangs up.
func (cfg Config) ServeConn(conn net.Conn) error {
	c := &serverConn{
		cfg: cfg,
		r:   bufio.NewReader(conn),
		w:   bufio.NewWriter(conn),
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	var err error
	if cfg.Protocol == ProtocolMemcache {
		err = c.serveMemcache()
	} else {
		err = c.serveSynthetic()
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type serverConn struct {
	cfg Config
	r   *bufio.Reader
	w   *bufio.Writer
	rnd *rand.Rand
}

func (c *serverConn) failing() bool {
	return c.cfg.ErrorRate > 0 && c.rnd.Float64() < c.cfg.ErrorRate
}

// respond buffers p. With coalesce set the write is deferred while
// another request is already waiting, so pipelined GETs are answered in
// one write; synthetic replies never wait behind a later request's sleep.
func (c *serverConn) respond(p []byte, failed, coalesce bool) error {
	promResponses.Inc()
	promBytesSent.Add(float64(len(p)))
	if failed {
		promErrors.Inc()
	}
	if _, err := c.w.Write(p); err != nil {
		return err
	}
	if coalesce && c.r.Buffered() > 0 {
		return nil
	}
	return c.w.Flush()
}

func (c *serverConn) serveSynthetic() error {
	var hdr [protocol.SyntheticHeaderSize]byte
	var delays [8 * protocol.MaxSyntheticBatch]byte
	var resp [protocol.SyntheticResponseSize]byte
	for {
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return err
		}
		tag, count, err := protocol.ParseSyntheticHeader(hdr[:])
		if err != nil {
			return err
		}
		if _, err := io.ReadFull(c.r, delays[:8*count]); err != nil {
			return err
		}
		promRequests.Inc()

		var total time.Duration
		for i := 0; i < count; i++ {
			total += time.Duration(binary.BigEndian.Uint64(delays[8*i:])) * time.Microsecond
		}
		if total > 0 {
			time.Sleep(total)
		}

		r := protocol.SyntheticResponse{Tag: tag, Count: uint32(count), Status: protocol.StatusOK}
		failed := c.failing()
		if failed {
			r.Status = protocol.StatusError
		}
		r.MarshalTo(resp[:])
		if err := c.respond(resp[:], failed, false); err != nil {
			return err
		}
	}
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func (c *serverConn) serveMemcache() error {
	// flags extras, then the value
	value := make([]byte, 4+c.cfg.ValueSize)
	for i := 4; i < len(value); i++ {
		value[i] = letters[c.rnd.Intn(len(letters))]
	}
	var hdr [protocol.MemcacheHeaderSize]byte
	out := make([]byte, 0, protocol.MemcacheHeaderSize+len(value))
	for {
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return err
		}
		var req protocol.MemcacheHeader
		if err := req.Unmarshal(hdr[:]); err != nil {
			return err
		}
		if req.Magic != protocol.MemcacheRequest {
			return fmt.Errorf("bad request magic %#x", req.Magic)
		}
		if _, err := c.r.Discard(int(req.BodyLen)); err != nil {
			return err
		}
		promRequests.Inc()

		resp := protocol.MemcacheHeader{
			Magic:  protocol.MemcacheResponse,
			Opcode: req.Opcode,
			Opaque: req.Opaque,
		}
		failed := false
		switch {
		case req.Opcode != protocol.MemcacheGet:
			resp.Status = memcacheUnknownCommand
			failed = true
		case c.failing():
			resp.Status = protocol.MemcacheStatusNotFound
			failed = true
		default:
			resp.ExtraLen = 4
			resp.BodyLen = uint32(len(value))
		}
		out = out[:protocol.MemcacheHeaderSize]
		resp.MarshalTo(out)
		if !failed {
			out = append(out, value...)
		}
		if err := c.respond(out, failed, true); err != nil {
			return err
		}
	}
}

const memcacheUnknownCommand uint16 = 0x0081
