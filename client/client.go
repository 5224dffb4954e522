// Package client drives an open-loop run: requests leave on a precomputed
// Poisson schedule whatever the server does, and every response is broken
// down into client queueing, service and wait time.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/buoyantio/mutated/accum"
	"github.com/buoyantio/mutated/generator"
	"github.com/buoyantio/mutated/reactor"
	"github.com/buoyantio/mutated/sockbuf"
	"github.com/codahale/hdrhistogram"
	log "github.com/sirupsen/logrus"
)

type phase int

const (
	phaseInit phase = iota
	phaseWarmup
	phaseMeasure
	phaseCooldown
	phaseDone
)

func (p phase) String() string {
	return [...]string{"init", "warmup", "measure", "cooldown", "done"}[p]
}

// maxLatencyUs bounds the interval histogram.
const maxLatencyUs = 3600 * 1000 * 1000

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces DialSocket.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// Client runs one experiment over one connection. All of its state is
// owned by the goroutine calling Run.
type Client struct {
	cfg  Config
	seed int64
	rnd  *rand.Rand
	dial Dialer

	r     *reactor.Reactor
	pacer *reactor.Timer
	sock  *sockbuf.Sock
	gen   generator.Generator

	deadlines []int64
	total     uint64
	service   *accum.Accumulator
	wait      *accum.Accumulator

	inCount      uint64
	outCount     uint64
	measureCount uint64
	dropCount    uint64
	measureDrops uint64
	measureStart int64
	measureEnd   int64
	sockFailed   bool
	blocked      bool

	hist *hdrhistogram.Histogram
	last struct{ in, out, measured, dropped uint64 }
}

// New validates cfg and seeds the random source every component draws
// from. A zero seed is replaced by one taken from the clock.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := &Client{
		cfg:     cfg,
		seed:    seed,
		rnd:     rand.New(rand.NewSource(seed)),
		dial:    DialSocket,
		total:   cfg.Total(),
		service: accum.New(int(cfg.MeasureSamples)),
		wait:    accum.New(int(cfg.MeasureSamples)),
		hist:    hdrhistogram.New(1, maxLatencyUs, 3),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// current is the phase of the run as a whole: init before the first
// request, then the phase of the next request to generate and, once all
// are generated, the phase of the next response still awaited.
func (c *Client) current() phase {
	switch {
	case c.inCount == 0:
		return phaseInit
	case c.inCount < c.total:
		return c.phaseOf(c.inCount)
	}
	return c.phaseOf(c.outCount)
}

func (c *Client) phaseOf(n uint64) phase {
	switch {
	case n < c.cfg.WarmupSamples:
		return phaseWarmup
	case n < c.cfg.WarmupSamples+c.cfg.MeasureSamples:
		return phaseMeasure
	case n < c.total:
		return phaseCooldown
	}
	return phaseDone
}

func (c *Client) newGenerator() (generator.Generator, error) {
	opts := generator.Options{
		Sock:        c.sock,
		Rand:        c.rnd,
		Clock:       reactor.Now,
		OnDrop:      c.onDrop,
		MaxInFlight: c.cfg.MaxInFlight,
	}
	if c.cfg.Protocol == ProtocolMemcache {
		return generator.NewMemcache(opts, c.cfg.Keys)
	}
	dist, err := c.cfg.distribution()
	if err != nil {
		return nil, err
	}
	return generator.NewSynthetic(opts, dist, c.cfg.Batch)
}

// Run connects, sends every request of the schedule and returns once each
// of them was answered or dropped. A fatal protocol error or ctx ending
// aborts the run.
func (c *Client) Run(ctx context.Context) (*Summary, error) {
	fd, err := c.dial(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}
	transport := sockbuf.NewFDTransport(fd)
	defer transport.Close()
	c.sock = sockbuf.New(transport, c.cfg.BufferSize, c.cfg.BufferSize)

	if c.gen, err = c.newGenerator(); err != nil {
		return nil, err
	}
	if c.r, err = reactor.New(); err != nil {
		return nil, err
	}
	defer c.r.Close()
	if c.pacer, err = reactor.NewTimer(); err != nil {
		return nil, err
	}
	defer c.pacer.Close()

	events := uint32(reactor.Readable | reactor.Writable | reactor.EdgeTriggered | reactor.Hangup)
	if err := c.r.Add(fd, events, c.onSocket); err != nil {
		return nil, err
	}
	if err := c.r.AddTimer(c.pacer, c.onDeadline); err != nil {
		return nil, err
	}
	if c.cfg.Interval > 0 {
		ticker, err := reactor.NewTimer()
		if err != nil {
			return nil, err
		}
		defer ticker.Close()
		if err := c.r.AddTimer(ticker, c.onInterval); err != nil {
			return nil, err
		}
		if err := ticker.Every(c.cfg.Interval); err != nil {
			return nil, err
		}
	}
	serveMetrics(c.cfg.MetricAddr)

	log.WithFields(log.Fields{
		"label":    c.cfg.Label,
		"address":  c.cfg.Address,
		"protocol": c.cfg.Protocol,
		"rate":     c.cfg.OfferedRate(),
		"total":    c.total,
		"seed":     c.seed,
	}).Info("starting run")

	start := reactor.Now()
	c.deadlines = Schedule(c.rnd, start, c.cfg.OfferedRate(), c.total)
	if err := c.pacer.ArmAt(c.deadlines[0]); err != nil {
		return nil, err
	}
	if err := c.r.Run(ctx); err != nil {
		return nil, fmt.Errorf("run %q after %d/%d responses: %w", c.cfg.Label, c.outCount, c.total, err)
	}

	summary := c.summary(time.Duration(reactor.Now() - start))
	log.WithFields(log.Fields{
		"label":      c.cfg.Label,
		"measured":   summary.Measured,
		"dropped":    summary.Dropped,
		"throughput": summary.Throughput,
	}).Info("run complete")
	return summary, nil
}

// onDeadline issues exactly one request per expiration, however late.
// The next deadline is armed once that request is in the send buffer.
func (c *Client) onDeadline() error {
	if c.inCount == c.total || c.blocked {
		return nil
	}
	return c.issue()
}

// issue hands the next request to the generator. A full send buffer
// parks it until the socket drains; onSocket retries it then.
func (c *Client) issue() error {
	measure := c.phaseOf(c.inCount) == phaseMeasure
	now := reactor.Now()
	err := c.gen.SendRequest(measure, c.onSample)
	if errors.Is(err, generator.ErrBufferFull) {
		if !c.blocked {
			c.blocked = true
			promBlocked.Inc()
			log.Debugf("request %d waiting for the send buffer: %s", c.inCount+1, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("request %d (%s): %w", c.inCount+1, c.phaseOf(c.inCount), err)
	}
	c.blocked = false
	if measure && c.measureStart == 0 {
		c.measureStart = now
	}
	c.inCount++
	promRequests.Inc()
	if c.inCount < c.total {
		if err := c.pacer.ArmAt(c.deadlines[c.inCount]); err != nil {
			return err
		}
	}
	c.settle()
	return nil
}

func (c *Client) onSocket(ev uint32) error {
	if ev&(reactor.Writable|reactor.Failed) != 0 {
		if err := c.sock.TryTx(); err != nil {
			return err
		}
	}
	if ev&(reactor.Readable|reactor.Hangup|reactor.Failed) != 0 {
		if err := c.sock.TryRx(); err != nil {
			return err
		}
	}
	if c.blocked {
		if err := c.issue(); err != nil {
			return err
		}
	}
	c.settle()
	return nil
}

// settle notes a failed connection and stops the reactor once every
// request has been accounted for.
func (c *Client) settle() {
	if err := c.sock.Err(); err != nil && !c.sockFailed {
		c.sockFailed = true
		log.WithFields(log.Fields{
			"label":   c.cfg.Label,
			"pending": c.gen.InFlight(),
		}).Warnf("connection failed, dropping remaining requests: %s", err)
	}
	if c.outCount == c.total {
		c.r.Stop()
	}
}

func (c *Client) onSample(s generator.Sample) {
	c.outCount++
	promResponses.Inc()
	promServiceHistogram.Observe(float64(s.ServiceUs))
	promWaitHistogram.Observe(float64(s.WaitUs))
	promQueueHistogram.Observe(float64(s.QueueUs))
	v := int64(s.ServiceUs)
	if v > maxLatencyUs {
		v = maxLatencyUs
	}
	c.hist.RecordValue(v)

	if s.Measure {
		c.measureCount++
		c.service.Add(s.ServiceUs)
		c.wait.Add(s.WaitUs)
		c.measured()
	}
}

func (c *Client) onDrop(measure bool, err error) {
	c.outCount++
	c.dropCount++
	promDrops.Inc()
	log.Debugf("dropped request: %s", err)
	if measure {
		c.measureDrops++
		c.measured()
	}
}

func (c *Client) measured() {
	if c.measureCount+c.measureDrops == c.cfg.MeasureSamples {
		c.measureEnd = reactor.Now()
	}
}

func (c *Client) onInterval() error {
	log.WithFields(log.Fields{
		"label":    c.cfg.Label,
		"phase":    c.current().String(),
		"sent":     c.inCount - c.last.in,
		"received": c.outCount - c.last.out,
		"measured": c.measureCount - c.last.measured,
		"dropped":  c.dropCount - c.last.dropped,
		"inflight": c.gen.InFlight(),
		"blocked":  c.blocked,
		"p50_us":   c.hist.ValueAtQuantile(50),
		"p95_us":   c.hist.ValueAtQuantile(95),
		"p99_us":   c.hist.ValueAtQuantile(99),
		"max_us":   c.hist.Max(),
	}).Info("interval")
	c.last.in, c.last.out = c.inCount, c.outCount
	c.last.measured, c.last.dropped = c.measureCount, c.dropCount
	c.hist.Reset()
	return nil
}

func (c *Client) summary(elapsed time.Duration) *Summary {
	var throughput float64
	if window := c.measureEnd - c.measureStart; c.measureEnd > 0 && window > 0 {
		throughput = float64(c.measureCount) / (float64(window) / 1e9)
	}
	return &Summary{
		Label:       c.cfg.Label,
		Protocol:    c.cfg.Protocol,
		OfferedRate: c.cfg.OfferedRate(),
		Throughput:  throughput,
		Elapsed:     elapsed,
		Generated:   c.inCount,
		Warmup:      c.cfg.WarmupSamples,
		Measured:    c.measureCount,
		Cooldown:    c.cfg.CooldownSamples,
		Dropped:     c.dropCount,
		Service:     c.service.Stats(),
		Wait:        c.wait.Stats(),
	}
}
