package client

import "math/rand"

// Schedule returns n absolute deadlines (monotonic ns) of a Poisson
// arrival process with the given rate per second, starting after start.
// Gaps are exponentially distributed, so the deadlines never decrease.
func Schedule(rnd *rand.Rand, start int64, rate float64, n uint64) []int64 {
	deadlines := make([]int64, n)
	meanGapNs := 1e9 / rate
	t := float64(start)
	for i := range deadlines {
		t += rnd.ExpFloat64() * meanGapNs
		deadlines[i] = int64(t)
	}
	return deadlines
}
