// Package ranges implements the missing-byte-range algebra the artifact
// receiver uses to track which parts of a transfer are still outstanding:
// a small, well-defined module with exhaustive property tests ahead of
// using it in the receiver. A Range is a half-open interval [Start, Stop)
// of byte offsets, mirroring Python's builtin range() which the reference
// implementation built this algebra on top of.
package ranges

// Range is a half-open integer interval [Start, Stop).
type Range struct {
	Start, Stop int64
}

// Len returns the number of integers covered by r.
func (r Range) Len() int64 {
	if r.Stop <= r.Start {
		return 0
	}
	return r.Stop - r.Start
}

// Contains reports whether i lies within r.
func (r Range) Contains(i int64) bool {
	return i >= r.Start && i < r.Stop
}

// Consolidate merges a list of ranges given in ascending order, combining
// any that overlap or abut. The input must be sorted and may be empty.
func Consolidate(in []Range) []Range {
	if len(in) == 0 {
		return nil
	}
	out := make([]Range, 0, len(in))
	start, stop := in[0].Start, in[0].Stop
	for _, r := range in[1:] {
		if r.Start > stop {
			out = append(out, Range{start, stop})
			start = r.Start
		}
		if r.Stop > stop {
			stop = r.Stop
		}
	}
	out = append(out, Range{start, stop})
	return out
}

// Split returns in with whichever range contains i divided into two ranges,
// one ending at i and the other starting at i. If i does not fall strictly
// inside any range, in is returned unchanged. in must be a list of
// non-overlapping ranges in ascending order.
func Split(in []Range, i int64) []Range {
	out := make([]Range, 0, len(in)+1)
	for _, r := range in {
		if r.Contains(i) && i > r.Start {
			out = append(out, Range{r.Start, i}, Range{i, r.Stop})
		} else {
			out = append(out, r)
		}
	}
	return out
}

// Exclude returns in with every value covered by ex removed. in must be a
// list of non-overlapping ranges in ascending order.
func Exclude(in []Range, ex Range) []Range {
	if ex.Len() == 0 {
		return in
	}
	split := Split(Split(in, ex.Start), ex.Stop)
	out := make([]Range, 0, len(split))
	for _, r := range split {
		if r.Stop <= ex.Start || r.Start >= ex.Stop {
			out = append(out, r)
		}
	}
	return out
}

// Intersect returns the overlap of r1 and r2, and ok=false if they do not
// overlap.
func Intersect(r1, r2 Range) (Range, bool) {
	r := Range{max64(r1.Start, r2.Start), min64(r1.Stop, r2.Stop)}
	if r.Len() <= 0 {
		return Range{}, false
	}
	return r, true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
