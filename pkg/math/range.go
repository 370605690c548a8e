// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package math

import "fmt"

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// NewRange creates the range [start, start+count).
func NewRange(start, count int64) Range {
	return Range{Start: start, End: start + count}
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range holds no bytes.
func (r Range) Empty() bool {
	return r.Len() == 0
}

// Valid reports whether the range is well formed.
func (r Range) Valid() bool {
	return r.Start >= 0 && r.End >= r.Start
}

// Intersect returns the overlap of r and o, which may be empty.
func (r Range) Intersect(o Range) Range {
	s := max(r.Start, o.Start)
	e := min(r.End, o.End)
	if e < s {
		e = s
	}
	return Range{Start: s, End: e}
}

// Touches reports whether r and o overlap or are adjacent, i.e. whether their union is contiguous.
func (r Range) Touches(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// String formats the range as [start,end).
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// HeaderValue formats the range as the value of an HTTP Range header.
// An open-ended range (End < 0) requests everything from Start.
func (r Range) HeaderValue() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

// AlignDown will align down the x by align. For example:
// AlignDown(1, 2) = 0
// AlignDown(29, 14) = 28
func AlignDown(x int64, align int64) int64 {
	return x / align * align
}
