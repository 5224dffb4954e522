package distribution

import (
	"fmt"
	"sort"
)

// Table is an empirical distribution given as points of its quantile
// function: permille (0..1000) -> value. e.g. a service time table might
// be
//
//	500  -> 10
//	900  -> 20
//	990  -> 50
//	1000 -> 100
//
// Values between two points are interpolated linearly. 0 -> 0 is implied
// and the largest value is repeated at 1000 unless given.
type Table struct {
	keys   []int
	values []uint64
}

// FromMap validates m and returns the Table it describes. Values must not
// decrease as the permille grows.
func FromMap(m map[int]uint64) (*Table, error) {
	points := make(map[int]uint64, len(m)+2)
	var max uint64
	for k, v := range m {
		if k < 0 || k > 1000 {
			return nil, fmt.Errorf("permille %d outside [0,1000]", k)
		}
		points[k] = v
		if v > max {
			max = v
		}
	}
	if _, ok := points[0]; !ok {
		points[0] = 0
	}
	if _, ok := points[1000]; !ok {
		points[1000] = max
	}

	t := &Table{}
	for k := range points {
		t.keys = append(t.keys, k)
	}
	sort.Ints(t.keys)
	for i, k := range t.keys {
		v := points[k]
		if i > 0 && v < t.values[i-1] {
			return nil, fmt.Errorf("value %d at %d is below %d at %d", v, k, t.values[i-1], t.keys[i-1])
		}
		t.values = append(t.values, v)
	}
	return t, nil
}

// Keys returns the permille points in ascending order.
func (t *Table) Keys() []int {
	return append([]int(nil), t.keys...)
}

// At returns the interpolated value at permille p, clamped to [0,1000].
func (t *Table) At(p float64) float64 {
	if p <= 0 {
		return float64(t.values[0])
	}
	if p >= 1000 {
		return float64(t.values[len(t.values)-1])
	}
	// first key strictly above p
	hi := sort.Search(len(t.keys), func(i int) bool { return float64(t.keys[i]) > p })
	lo := hi - 1
	lowKey, highKey := float64(t.keys[lo]), float64(t.keys[hi])
	lowValue, highValue := float64(t.values[lo]), float64(t.values[hi])
	return lowValue + (p-lowKey)*(highValue-lowValue)/(highKey-lowKey)
}
