// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package math

import "fmt"

// Segments splits a byte range on block boundaries.
type Segments struct {
	r    Range
	step int64
}

// Segment represents the part of a range that falls within a single block.
type Segment struct {
	// Index is the aligned start of the block.
	Index int64
	// Offset is the position of the segment within the block.
	Offset int64
	Count  int
}

// Range returns the absolute byte range covered by the segment.
func (s Segment) Range() Range {
	return NewRange(s.Index+s.Offset, int64(s.Count))
}

// NewSegments creates segments of r using blocks of step bytes, clipped to size.
// A negative size means the total size is unknown and r is not clipped.
func NewSegments(r Range, step int, size int64) (Segments, error) {
	if step <= 0 || (step&(step-1)) > 0 {
		return Segments{}, fmt.Errorf("step must be power of 2, got %d", step)
	}
	if !r.Valid() {
		return Segments{}, fmt.Errorf("invalid range %v", r)
	}
	if size >= 0 {
		r.End = min(r.End, size)
	}
	return Segments{r: r, step: int64(step)}, nil
}

// List returns all segments in ascending order.
func (s Segments) List() []Segment {
	var segs []Segment
	for i := AlignDown(s.r.Start, s.step); i < s.r.End; i += s.step {
		abs := max(i, s.r.Start)
		count := int(min(i+s.step, s.r.End) - abs)
		if count > 0 {
			segs = append(segs, Segment{Index: i, Offset: abs - i, Count: count})
		}
	}
	return segs
}
