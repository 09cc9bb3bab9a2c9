package nzb

// SegmentLocation identifies the segment carrying a file byte offset.
type SegmentLocation struct {
	SegmentIndex    int
	OffsetInSegment int64
	Segment         Segment
}

// SegmentRange is the inclusive segment window covering a byte range.
// EndLimit is one past the last wanted byte within the end segment.
type SegmentRange struct {
	StartIndex  int
	EndIndex    int
	StartOffset int64
	EndLimit    int64
}

// ByteRange is a half-open request expressed as inclusive start/end
// file offsets. End == -1 means "to end of file".
type ByteRange struct {
	Start int64
	End   int64
}

// Interpolator maps file byte offsets to segments. It starts from the
// NZB-declared segment sizes, which are wire-size estimates, and
// tightens the mapping as decoded sizes are observed. Not safe for
// concurrent use; each stream owns its interpolators.
type Interpolator struct {
	segments []Segment

	// actualSizes[i] >= 0 once segment i has been decoded.
	actualSizes []int64

	// cumulative[i] is the file offset at which segment i begins,
	// using actual sizes where known and estimates elsewhere.
	cumulative []int64
	totalSize  int64
}

// NewInterpolator builds the initial estimate-based offset table for a
// file's segments.
func NewInterpolator(segments []Segment) *Interpolator {
	in := &Interpolator{
		segments:    segments,
		actualSizes: make([]int64, len(segments)),
		cumulative:  make([]int64, len(segments)),
	}
	for i := range in.actualSizes {
		in.actualSizes[i] = -1
	}
	in.recompute()
	return in
}

// TotalSize is the current best estimate of the decoded file size.
func (in *Interpolator) TotalSize() int64 {
	return in.totalSize
}

// SegmentCount returns the number of segments backing the file.
func (in *Interpolator) SegmentCount() int {
	return len(in.segments)
}

// SegmentSize returns the authoritative size of segment i when it has
// been decoded, or the NZB estimate otherwise.
func (in *Interpolator) SegmentSize(i int) int64 {
	if in.actualSizes[i] >= 0 {
		return in.actualSizes[i]
	}
	return in.segments[i].Bytes
}

// UpdateDecodedSize records the decoded length of segment i and
// recomputes downstream offsets.
func (in *Interpolator) UpdateDecodedSize(i int, actual int64) {
	if i < 0 || i >= len(in.segments) || in.actualSizes[i] == actual {
		return
	}
	in.actualSizes[i] = actual
	in.recompute()
}

func (in *Interpolator) recompute() {
	var offset int64
	for i := range in.segments {
		in.cumulative[i] = offset
		offset += in.SegmentSize(i)
	}
	in.totalSize = offset
}

// FindSegmentForOffset resolves a file offset to a segment position.
// Offsets outside [0, totalSize] resolve to nil; an offset exactly at
// the end resolves to the last segment with OffsetInSegment equal to
// its size, so callers can detect completion.
func (in *Interpolator) FindSegmentForOffset(b int64) *SegmentLocation {
	if b < 0 || b > in.totalSize || len(in.segments) == 0 {
		return nil
	}
	if b == in.totalSize {
		last := len(in.segments) - 1
		return &SegmentLocation{
			SegmentIndex:    last,
			OffsetInSegment: in.SegmentSize(last),
			Segment:         in.segments[last],
		}
	}

	// Binary search the cumulative table for the containing segment.
	lo, hi := 0, len(in.segments)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if in.cumulative[mid] <= b {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return &SegmentLocation{
		SegmentIndex:    lo,
		OffsetInSegment: b - in.cumulative[lo],
		Segment:         in.segments[lo],
	}
}

// GetSegmentRange resolves an inclusive byte range to the segment
// window covering it. Returns nil when either endpoint is outside the
// file.
func (in *Interpolator) GetSegmentRange(r ByteRange) *SegmentRange {
	end := r.End
	if end == -1 || end >= in.totalSize {
		end = in.totalSize - 1
	}
	start := in.FindSegmentForOffset(r.Start)
	if start == nil {
		return nil
	}
	endLoc := in.FindSegmentForOffset(end)
	if endLoc == nil {
		return nil
	}
	return &SegmentRange{
		StartIndex:  start.SegmentIndex,
		EndIndex:    endLoc.SegmentIndex,
		StartOffset: start.OffsetInSegment,
		EndLimit:    endLoc.OffsetInSegment + 1,
	}
}
