package distribution_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/buoyantio/mutated/distribution"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type DistributionTestSuite struct{}

var _ = Suite(&DistributionTestSuite{})

func draw(c *C, cfg distribution.Config, seed int64, n int) []uint64 {
	s, err := distribution.New(cfg, rand.New(rand.NewSource(seed)))
	c.Assert(err, IsNil)
	out := make([]uint64, n)
	for i := range out {
		out[i] = s.Sample()
	}
	return out
}

func (*DistributionTestSuite) TestFixedRoundsUp(c *C) {
	for _, v := range draw(c, distribution.Config{Kind: distribution.Fixed, MeanUs: 12.2}, 1, 10) {
		c.Assert(v, Equals, uint64(13))
	}
	for _, v := range draw(c, distribution.Config{Kind: distribution.Fixed, MeanUs: 0.3}, 1, 3) {
		c.Assert(v, Equals, uint64(1))
	}
}

func (*DistributionTestSuite) TestSeededSequencesAreDeterministic(c *C) {
	for _, kind := range []distribution.Kind{distribution.Exponential, distribution.LogNormal} {
		cfg := distribution.Config{Kind: kind, MeanUs: 50}
		a := draw(c, cfg, 42, 1000)
		b := draw(c, cfg, 42, 1000)
		c.Assert(a, DeepEquals, b)
		for _, v := range a {
			c.Assert(v >= 1, Equals, true)
		}
		c.Assert(draw(c, cfg, 43, 1000), Not(DeepEquals), a)
	}
}

func (*DistributionTestSuite) TestExponentialMean(c *C) {
	samples := draw(c, distribution.Config{Kind: distribution.Exponential, MeanUs: 100}, 7, 200000)
	var sum float64
	for _, v := range samples {
		sum += float64(v)
	}
	mean := sum / float64(len(samples))
	// ceil adds about half a microsecond on average
	c.Assert(math.Abs(mean-100.5) < 2, Equals, true, Commentf("mean %v", mean))
}

func (*DistributionTestSuite) TestLogNormalParams(c *C) {
	mu, sigma := distribution.LogNormalParams(100)
	c.Assert(sigma, Equals, 2.0)
	c.Assert(math.Abs(mu-(math.Log(100)-2)) < 1e-12, Equals, true)
}

func (*DistributionTestSuite) TestInvalidMean(c *C) {
	_, err := distribution.New(distribution.Config{Kind: distribution.Exponential}, rand.New(rand.NewSource(1)))
	c.Assert(err, ErrorMatches, ".*must be positive.*")
}

func (*DistributionTestSuite) TestParseKind(c *C) {
	for in, want := range map[string]distribution.Kind{
		"fixed":       distribution.Fixed,
		"EXP":         distribution.Exponential,
		"lognormal":   distribution.LogNormal,
		"percentiles": distribution.Empirical,
	} {
		got, err := distribution.ParseKind(in)
		c.Assert(err, IsNil)
		c.Assert(got, Equals, want)
		back, err := distribution.ParseKind(got.String())
		c.Assert(err, IsNil)
		c.Assert(back, Equals, want)
	}
	_, err := distribution.ParseKind("pareto")
	c.Assert(err, NotNil)
}

func (*DistributionTestSuite) TestTableAddsMinMax(c *C) {
	t, err := distribution.FromMap(map[int]uint64{500: 100, 900: 200})
	c.Assert(err, IsNil)
	c.Assert(t.Keys(), DeepEquals, []int{0, 500, 900, 1000})
	c.Assert(t.At(0), Equals, 0.0)
	c.Assert(t.At(1000), Equals, 200.0)
}

func (*DistributionTestSuite) TestTableInterpolates(c *C) {
	t, err := distribution.FromMap(map[int]uint64{0: 100, 1000: 1100})
	c.Assert(err, IsNil)
	c.Assert(t.At(500), Equals, 600.0)
	c.Assert(t.At(-3), Equals, 100.0)
	c.Assert(t.At(2000), Equals, 1100.0)

	t, err = distribution.FromMap(map[int]uint64{200: 200, 300: 300})
	c.Assert(err, IsNil)
	c.Assert(t.At(250), Equals, 250.0)
	c.Assert(t.At(100), Equals, 100.0)
	c.Assert(t.At(300), Equals, 300.0)
}

func (*DistributionTestSuite) TestTableRejectsDecreasingValues(c *C) {
	_, err := distribution.FromMap(map[int]uint64{500: 100, 900: 50})
	c.Assert(err, NotNil)
	_, err = distribution.FromMap(map[int]uint64{1001: 5})
	c.Assert(err, NotNil)
}

func (*DistributionTestSuite) TestEmpiricalSamplesStayInRange(c *C) {
	cfg := distribution.Config{
		Kind:        distribution.Empirical,
		Percentiles: map[int]uint64{500: 10, 990: 100, 1000: 1000},
	}
	for _, v := range draw(c, cfg, 3, 5000) {
		c.Assert(v >= 1 && v <= 1000, Equals, true)
	}
}
