// Package accum collects raw latency samples and answers the descriptive
// statistics reported at the end of a run.
package accum

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Accumulator holds samples in whole microseconds. Queries sort a copy
// lazily and cache it until the next Add.
type Accumulator struct {
	samples []float64
	sorted  []float64
	dirty   bool
}

// New returns an accumulator with room for hint samples.
func New(hint int) *Accumulator {
	return &Accumulator{samples: make([]float64, 0, hint)}
}

// Add appends one sample.
func (a *Accumulator) Add(us uint64) {
	a.samples = append(a.samples, float64(us))
	a.dirty = true
}

// Clear drops every sample.
func (a *Accumulator) Clear() {
	a.samples = a.samples[:0]
	a.sorted = a.sorted[:0]
	a.dirty = false
}

// Len is the number of samples.
func (a *Accumulator) Len() int { return len(a.samples) }

// Mean of the samples, 0 when empty.
func (a *Accumulator) Mean() float64 {
	if len(a.samples) == 0 {
		return 0
	}
	return stat.Mean(a.samples, nil)
}

// StdDev is the sample standard deviation, 0 with fewer than two
// samples.
func (a *Accumulator) StdDev() float64 {
	if len(a.samples) < 2 {
		return 0
	}
	return stat.StdDev(a.samples, nil)
}

// Percentile returns the nearest-rank value at p, on a 0-100 scale.
// It is 0 when empty.
func (a *Accumulator) Percentile(p float64) float64 {
	s := a.sortedSamples()
	if len(s) == 0 {
		return 0
	}
	q := math.Max(0, math.Min(p/100, 1))
	return stat.Quantile(q, stat.Empirical, s, nil)
}

// Min is the smallest sample, 0 when empty.
func (a *Accumulator) Min() float64 {
	s := a.sortedSamples()
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

// Max is the largest sample, 0 when empty.
func (a *Accumulator) Max() float64 {
	s := a.sortedSamples()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// Stats summarises the samples.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	P999   float64 `json:"p999"`
	Max    float64 `json:"max"`
}

// Stats computes every reported statistic at once.
func (a *Accumulator) Stats() Stats {
	return Stats{
		Count:  a.Len(),
		Mean:   a.Mean(),
		StdDev: a.StdDev(),
		Min:    a.Min(),
		P50:    a.Percentile(50),
		P90:    a.Percentile(90),
		P95:    a.Percentile(95),
		P99:    a.Percentile(99),
		P999:   a.Percentile(99.9),
		Max:    a.Max(),
	}
}

func (a *Accumulator) sortedSamples() []float64 {
	if a.dirty || len(a.sorted) != len(a.samples) {
		a.sorted = append(a.sorted[:0], a.samples...)
		sort.Float64s(a.sorted)
		a.dirty = false
	}
	return a.sorted
}
