package percentiles_test

import (
	"testing"

	"github.com/buoyantio/mutated/percentiles"
	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type PercentilesTestSuite struct{}

var _ = Suite(&PercentilesTestSuite{})

func (*PercentilesTestSuite) TestGoodMap(c *C) {
	input := "50=10,99=100,999=200,100=1000"
	percents, err := percentiles.ParsePercentiles(input)
	c.Assert(err, IsNil)
	c.Assert(percents, HasLen, 4)

	c.Assert(percents[500], Equals, uint64(10))
	c.Assert(percents[990], Equals, uint64(100))
	c.Assert(percents[999], Equals, uint64(200))
	c.Assert(percents[1000], Equals, uint64(1000))

	// 95 was not provided so will not be in the map
	_, ok := percents[950]
	c.Assert(ok, Equals, false)
}

func (*PercentilesTestSuite) TestSmallKeys(c *C) {
	percents, err := percentiles.ParsePercentiles("10=10, 50=50")
	c.Assert(err, IsNil)
	c.Assert(percents[100], Equals, uint64(10))
	c.Assert(percents[500], Equals, uint64(50))
}

func (*PercentilesTestSuite) TestBadKey(c *C) {
	percents, err := percentiles.ParsePercentiles("50=10,99=100,999x=200,100=1000")
	c.Assert(percents, IsNil)
	c.Assert(err, NotNil)

	percents, err = percentiles.ParsePercentiles("x50=10,99=100")
	c.Assert(percents, IsNil)
	c.Assert(err, NotNil)
}

func (*PercentilesTestSuite) TestBadValues(c *C) {
	percents, err := percentiles.ParsePercentiles("50=10,99=100,999=200x")
	c.Assert(percents, IsNil)
	c.Assert(err, NotNil)

	percents, err = percentiles.ParsePercentiles("50=-3")
	c.Assert(percents, IsNil)
	c.Assert(err, NotNil)
}

func (*PercentilesTestSuite) TestMissingSeparator(c *C) {
	_, err := percentiles.ParsePercentiles("50")
	c.Assert(err, ErrorMatches, ".*not of the form.*")

	_, err = percentiles.ParsePercentiles("")
	c.Assert(err, NotNil)
}
