package nzb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSegments(sizes ...int64) []Segment {
	segs := make([]Segment, len(sizes))
	for i, size := range sizes {
		segs[i] = Segment{MessageID: string(rune('a'+i)) + "@test", Number: i + 1, Bytes: size}
	}
	return segs
}

func TestFindSegmentForOffset(t *testing.T) {
	in := NewInterpolator(testSegments(100, 200, 50))
	require.Equal(t, int64(350), in.TotalSize())

	loc := in.FindSegmentForOffset(0)
	require.NotNil(t, loc)
	assert.Equal(t, 0, loc.SegmentIndex)
	assert.Equal(t, int64(0), loc.OffsetInSegment)

	loc = in.FindSegmentForOffset(99)
	require.NotNil(t, loc)
	assert.Equal(t, 0, loc.SegmentIndex)
	assert.Equal(t, int64(99), loc.OffsetInSegment)

	loc = in.FindSegmentForOffset(100)
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.SegmentIndex)
	assert.Equal(t, int64(0), loc.OffsetInSegment)

	loc = in.FindSegmentForOffset(349)
	require.NotNil(t, loc)
	assert.Equal(t, 2, loc.SegmentIndex)
	assert.Equal(t, int64(49), loc.OffsetInSegment)
}

func TestFindSegmentForOffsetBounds(t *testing.T) {
	in := NewInterpolator(testSegments(100, 100))

	assert.Nil(t, in.FindSegmentForOffset(-1))
	assert.Nil(t, in.FindSegmentForOffset(201))

	// Exactly at end resolves to the last segment's end, so callers can
	// detect completion.
	loc := in.FindSegmentForOffset(200)
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.SegmentIndex)
	assert.Equal(t, int64(100), loc.OffsetInSegment)
}

func TestUpdateDecodedSizeShiftsOffsets(t *testing.T) {
	// NZB declares 100+100 but the first segment decodes to 90 bytes.
	in := NewInterpolator(testSegments(100, 100))
	in.UpdateDecodedSize(0, 90)

	assert.Equal(t, int64(190), in.TotalSize())

	loc := in.FindSegmentForOffset(95)
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.SegmentIndex)
	assert.Equal(t, int64(5), loc.OffsetInSegment)

	// Second segment decodes larger than declared.
	in.UpdateDecodedSize(1, 120)
	assert.Equal(t, int64(210), in.TotalSize())
	loc = in.FindSegmentForOffset(209)
	require.NotNil(t, loc)
	assert.Equal(t, 1, loc.SegmentIndex)
	assert.Equal(t, int64(119), loc.OffsetInSegment)
}

func TestSegmentSizePrefersDecoded(t *testing.T) {
	in := NewInterpolator(testSegments(100, 100))
	assert.Equal(t, int64(100), in.SegmentSize(0))
	in.UpdateDecodedSize(0, 73)
	assert.Equal(t, int64(73), in.SegmentSize(0))
	assert.Equal(t, int64(100), in.SegmentSize(1))
}

func TestGetSegmentRange(t *testing.T) {
	in := NewInterpolator(testSegments(100, 100, 100))

	r := in.GetSegmentRange(ByteRange{Start: 50, End: 249})
	require.NotNil(t, r)
	assert.Equal(t, 0, r.StartIndex)
	assert.Equal(t, 2, r.EndIndex)
	assert.Equal(t, int64(50), r.StartOffset)
	assert.Equal(t, int64(50), r.EndLimit)

	// Open-ended range runs to the last byte.
	r = in.GetSegmentRange(ByteRange{Start: 250, End: -1})
	require.NotNil(t, r)
	assert.Equal(t, 2, r.StartIndex)
	assert.Equal(t, 2, r.EndIndex)
	assert.Equal(t, int64(50), r.StartOffset)
	assert.Equal(t, int64(100), r.EndLimit)

	assert.Nil(t, in.GetSegmentRange(ByteRange{Start: 400, End: -1}))
}
