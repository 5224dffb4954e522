// Package distribution draws the target service times the synthetic
// protocol asks the server to spend on each request.
package distribution

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Kind selects a service-time distribution.
type Kind int

const (
	Fixed Kind = iota
	Exponential
	LogNormal
	Empirical
)

// maxSampleUs caps samples from heavy tails at an hour.
const maxSampleUs uint64 = 3600 * 1000 * 1000

// logNormalSigma is the fixed shape of the log-normal distribution. The
// location is ln(mean) - logNormalSigma.
const logNormalSigma = 2.0

func (k Kind) String() string {
	switch k {
	case Fixed:
		return "fixed"
	case Exponential:
		return "exp"
	case LogNormal:
		return "lognorm"
	case Empirical:
		return "percentiles"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the names printed by Kind.String plus a few long
// forms.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "":
		return Fixed, nil
	case "exp", "exponential":
		return Exponential, nil
	case "lognorm", "lognormal", "log-normal":
		return LogNormal, nil
	case "percentiles", "empirical":
		return Empirical, nil
	}
	return Fixed, fmt.Errorf("unknown service time distribution %q (fixed|exp|lognorm|percentiles)", s)
}

// Sampler draws service times in whole microseconds. Samples are never
// below 1.
type Sampler interface {
	Sample() uint64
}

// Config describes a distribution. MeanUs is required for every kind but
// Empirical, which is described by Percentiles (permille -> µs).
type Config struct {
	Kind        Kind
	MeanUs      float64
	Percentiles map[int]uint64
}

// New builds the sampler for cfg. All draws come from rnd.
func New(cfg Config, rnd *rand.Rand) (Sampler, error) {
	if cfg.Kind != Empirical && !(cfg.MeanUs > 0) {
		return nil, fmt.Errorf("service time mean must be positive, got %v", cfg.MeanUs)
	}
	switch cfg.Kind {
	case Fixed:
		return fixed(ceilUs(cfg.MeanUs)), nil
	case Exponential:
		return &exponential{rate: 1 / cfg.MeanUs, rnd: rnd}, nil
	case LogNormal:
		mu, sigma := LogNormalParams(cfg.MeanUs)
		return &logNormal{mu: mu, sigma: sigma, rnd: rnd}, nil
	case Empirical:
		t, err := FromMap(cfg.Percentiles)
		if err != nil {
			return nil, err
		}
		return &empirical{table: t, rnd: rnd}, nil
	}
	return nil, fmt.Errorf("unknown distribution %v", cfg.Kind)
}

// LogNormalParams returns the location and scale used for a configured
// mean. The resulting distribution is heavy tailed and its mean is only
// loosely related to the configured one.
func LogNormalParams(meanUs float64) (mu, sigma float64) {
	return math.Log(meanUs) - logNormalSigma, logNormalSigma
}

func ceilUs(v float64) uint64 {
	switch {
	case math.IsNaN(v) || v <= 1:
		return 1
	case v >= float64(maxSampleUs):
		return maxSampleUs
	}
	return uint64(math.Ceil(v))
}

type fixed uint64

func (f fixed) Sample() uint64 { return uint64(f) }

type exponential struct {
	rate float64
	rnd  *rand.Rand
}

func (e *exponential) Sample() uint64 {
	return ceilUs(e.rnd.ExpFloat64() / e.rate)
}

type logNormal struct {
	mu, sigma float64
	rnd       *rand.Rand
}

func (l *logNormal) Sample() uint64 {
	return ceilUs(math.Exp(l.mu + l.sigma*l.rnd.NormFloat64()))
}

type empirical struct {
	table *Table
	rnd   *rand.Rand
}

func (e *empirical) Sample() uint64 {
	return ceilUs(e.table.At(e.rnd.Float64() * 1000))
}
