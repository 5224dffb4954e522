package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/buoyantio/mutated/distribution"
	"github.com/buoyantio/mutated/percentiles"
	"github.com/buoyantio/mutated/protocol"
)

// Protocols spoken by the client.
const (
	ProtocolSynthetic = "synthetic"
	ProtocolMemcache  = "memcache"
)

// Config of one run. It is read-only once Validate has passed.
type Config struct {
	Address     string
	UseUnixAddr bool
	Protocol    string

	// ServiceUs is the mean service time asked of the server. It also
	// sets the offered rate unless Rate is given.
	ServiceUs          float64
	Distribution       string
	ServicePercentiles string
	Rate               float64
	Batch              int
	Keys               int

	WarmupSamples   uint64
	MeasureSamples  uint64
	CooldownSamples uint64

	Label           string
	MachineReadable bool
	Seed            int64

	BufferSize  int
	MaxInFlight int
	MetricAddr  string
	Interval    time.Duration
}

// DefaultConfig returns the defaults the command line starts from.
func DefaultConfig() Config {
	return Config{
		Address:         "localhost:11211",
		Protocol:        ProtocolSynthetic,
		ServiceUs:       10,
		Distribution:    distribution.Fixed.String(),
		Batch:           1,
		Keys:            10000,
		WarmupSamples:   100,
		MeasureSamples:  1000,
		CooldownSamples: 100,
		Label:           "default",
		BufferSize:      256 * 1024,
		MaxInFlight:     64 * 1024,
	}
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid client config: %s", strings.Join(e.issues, "; "))
}

// Issues returns the individual problems.
func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate checks cfg.
func (cfg Config) Validate() error {
	var issues []string
	if strings.TrimSpace(cfg.Address) == "" {
		issues = append(issues, "address is required")
	}
	switch cfg.Protocol {
	case ProtocolSynthetic:
		if _, err := cfg.distribution(); err != nil {
			issues = append(issues, err.Error())
		}
		if cfg.Batch < 1 || cfg.Batch > protocol.MaxSyntheticBatch {
			issues = append(issues, fmt.Sprintf("batch must be in [1,%d]", protocol.MaxSyntheticBatch))
		}
	case ProtocolMemcache:
		if cfg.Keys < 1 {
			issues = append(issues, "keys must be >= 1")
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown protocol %q (%s|%s)", cfg.Protocol, ProtocolSynthetic, ProtocolMemcache))
	}
	if cfg.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if cfg.Rate == 0 && !(cfg.ServiceUs > 0) {
		issues = append(issues, "service time must be > 0 when no rate is given")
	}
	if cfg.MeasureSamples == 0 {
		issues = append(issues, "measurement samples must be >= 1")
	}
	if cfg.Label == "" {
		issues = append(issues, "label is required")
	}
	if cfg.BufferSize < protocol.SyntheticRequestSize(protocol.MaxSyntheticBatch) {
		issues = append(issues, fmt.Sprintf("buffer size must be >= %d", protocol.SyntheticRequestSize(protocol.MaxSyntheticBatch)))
	}
	if cfg.MaxInFlight < 1 {
		issues = append(issues, "max in-flight must be >= 1")
	}
	if cfg.Interval < 0 {
		issues = append(issues, "interval must be >= 0")
	}
	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// Total is the number of requests of the whole run.
func (cfg Config) Total() uint64 {
	return cfg.WarmupSamples + cfg.MeasureSamples + cfg.CooldownSamples
}

// OfferedRate is the mean request rate per second.
func (cfg Config) OfferedRate() float64 {
	if cfg.Rate > 0 {
		return cfg.Rate
	}
	return 1e6 / cfg.ServiceUs
}

func (cfg Config) distribution() (distribution.Config, error) {
	kind, err := distribution.ParseKind(cfg.Distribution)
	if err != nil {
		return distribution.Config{}, err
	}
	dc := distribution.Config{Kind: kind, MeanUs: cfg.ServiceUs}
	if kind == distribution.Empirical {
		if dc.Percentiles, err = percentiles.ParsePercentiles(cfg.ServicePercentiles); err != nil {
			return dc, fmt.Errorf("service percentiles: %w", err)
		}
		if _, err := distribution.FromMap(dc.Percentiles); err != nil {
			return dc, fmt.Errorf("service percentiles: %w", err)
		}
	} else if !(cfg.ServiceUs > 0) {
		return dc, fmt.Errorf("service time must be > 0 for the %s distribution", kind)
	}
	return dc, nil
}
