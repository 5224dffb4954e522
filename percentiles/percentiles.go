package percentiles

import (
	"fmt"
	"strconv"
	"strings"
)

// ToPermille converts a two-digit percentile to the three-digit space
// used by distribution tables, so 50 becomes 500 while 999 (99.9) is
// kept as is.
func ToPermille(p int) int {
	if p > 100 {
		return p
	}
	return p * 10
}

// ParsePercentiles turns "50=100,90=200,999=20000" into a map from
// permille to value:
//
//	500 -> 100
//	900 -> 200
//	999 -> 20000
func ParsePercentiles(input string) (map[int]uint64, error) {
	out := make(map[int]uint64)
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("percentile pair %q is not of the form p=value", pair)
		}
		percentile, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return nil, err
		}
		if percentile < 0 || percentile > 1000 {
			return nil, fmt.Errorf("percentile %d out of range", percentile)
		}
		value, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, err
		}
		out[ToPermille(int(percentile))] = value
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no percentiles in %q", input)
	}
	return out, nil
}
