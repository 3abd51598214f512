package ranges

import (
	"sort"
	"testing"
	"testing/quick"
)

func TestConsolidate(t *testing.T) {
	for _, tt := range []struct {
		in   []Range
		want []Range
	}{
		{[]Range{{0, 5}, {4, 10}}, []Range{{0, 10}}},
		{[]Range{{0, 5}, {5, 10}}, []Range{{0, 10}}},
		{[]Range{{0, 5}, {6, 10}}, []Range{{0, 5}, {6, 10}}},
		{nil, nil},
	} {
		got := Consolidate(tt.in)
		if !equal(got, tt.want) {
			t.Errorf("Consolidate(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	for _, tt := range []struct {
		in   []Range
		at   int64
		want []Range
	}{
		{[]Range{{0, 10}}, 5, []Range{{0, 5}, {5, 10}}},
		{[]Range{{0, 10}}, 0, []Range{{0, 10}}},
		{[]Range{{0, 10}}, 20, []Range{{0, 10}}},
	} {
		got := Split(tt.in, tt.at)
		if !equal(got, tt.want) {
			t.Errorf("Split(%v, %d) = %v, want %v", tt.in, tt.at, got, tt.want)
		}
	}
}

func TestExclude(t *testing.T) {
	for _, tt := range []struct {
		in   []Range
		ex   Range
		want []Range
	}{
		{[]Range{{0, 10}}, Range{0, 2}, []Range{{2, 10}}},
		{[]Range{{0, 10}}, Range{2, 4}, []Range{{0, 2}, {4, 10}}},
	} {
		got := Exclude(tt.in, tt.ex)
		if !equal(got, tt.want) {
			t.Errorf("Exclude(%v, %v) = %v, want %v", tt.in, tt.ex, got, tt.want)
		}
	}
}

func TestIntersect(t *testing.T) {
	for _, tt := range []struct {
		r1, r2 Range
		want   Range
		ok     bool
	}{
		{Range{0, 10}, Range{0, 5}, Range{0, 5}, true},
		{Range{0, 10}, Range{10, 2}, Range{}, false},
		{Range{0, 10}, Range{2, 5}, Range{2, 5}, true},
	} {
		got, ok := Intersect(tt.r1, tt.r2)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("Intersect(%v, %v) = %v, %v, want %v, %v", tt.r1, tt.r2, got, ok, tt.want, tt.ok)
		}
	}
}

func equal(a, b []Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// genRanges builds a valid, ascending, non-overlapping, disjoint list of
// ranges from a seed of offsets within [0, bound).
func genRanges(offsets []uint8, bound int64) []Range {
	set := map[int64]bool{}
	for _, o := range offsets {
		v := int64(o) % bound
		set[v] = true
	}
	vals := make([]int64, 0, len(set))
	for v := range set {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	var out []Range
	for i := 0; i+1 < len(vals); i += 2 {
		out = append(out, Range{vals[i], vals[i+1]})
	}
	return out
}

// TestMissingSetShrinksAndStaysDisjoint is a property-based check:
// excluding any sub-range from a disjoint, ordered missing set yields a
// result that is still disjoint, ordered, and no larger.
func TestMissingSetShrinksAndStaysDisjoint(t *testing.T) {
	const bound = 1000
	f := func(offsets []uint8, exStart, exLen uint8) bool {
		in := genRanges(offsets, bound)
		ex := Range{int64(exStart) % bound, 0}
		ex.Stop = ex.Start + int64(exLen)%bound
		if ex.Stop < ex.Start {
			ex.Start, ex.Stop = ex.Stop, ex.Start
		}

		before := totalLen(in)
		out := Exclude(in, ex)
		after := totalLen(out)

		if after > before {
			t.Logf("in=%v ex=%v out=%v", in, ex, out)
			return false
		}
		for i := 0; i < len(out); i++ {
			if out[i].Start >= out[i].Stop {
				return false
			}
			if i > 0 && out[i-1].Stop >= out[i].Start {
				return false // not disjoint/ordered
			}
		}
		for _, r := range out {
			if _, overlaps := Intersect(r, ex); overlaps {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func totalLen(rs []Range) int64 {
	var n int64
	for _, r := range rs {
		n += r.Len()
	}
	return n
}
