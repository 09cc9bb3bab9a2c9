package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/stellarr/stellarr/internal/nzb"
)

// ErrInvalidRange indicates the requested range cannot be mapped onto
// the file.
var ErrInvalidRange = errors.New("invalid byte range")

// Options tunes one stream.
type Options struct {
	// Range restricts the stream; nil streams the whole file.
	Range *nzb.ByteRange
	// PrefetchCount and MaxCacheSize tune the prefetch buffer; zero
	// takes the defaults.
	PrefetchCount int
	MaxCacheSize  int
	// OnProgress, when set, is called with the cumulative number of
	// bytes emitted after each read.
	OnProgress func(bytesEmitted int64)
}

// Stream reads an NZB file's decoded bytes in ascending offset order,
// restricted to a byte range. It implements io.ReadCloser. As segments
// decode, their actual sizes refine the offset mapping, so later range
// requests against the same interpolator land exactly.
type Stream struct {
	file         *nzb.File
	interpolator *nzb.Interpolator
	buffer       *PrefetchBuffer
	onProgress   func(int64)

	startByte int64
	endByte   int64
	totalSize int64

	currentPos   int64
	segmentIndex int
	segmentData  []byte
	segmentPos   int64
	emitted      int64
	done         bool
	closed       bool
}

// NewStream binds a file to a byte range. The open end of a range (-1)
// is clamped to the end of the file.
func NewStream(file *nzb.File, fetcher SegmentFetcher, opts Options) (*Stream, error) {
	interpolator := nzb.NewInterpolator(file.Segments)
	totalSize := interpolator.TotalSize()
	if totalSize == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidRange)
	}

	start := int64(0)
	end := totalSize - 1
	if opts.Range != nil {
		start = opts.Range.Start
		if opts.Range.End != -1 && opts.Range.End < end {
			end = opts.Range.End
		}
	}
	if start < 0 || start > end {
		return nil, fmt.Errorf("%w: %d-%d of %d", ErrInvalidRange, start, end, totalSize)
	}

	loc := interpolator.FindSegmentForOffset(start)
	if loc == nil || loc.OffsetInSegment >= interpolator.SegmentSize(loc.SegmentIndex) {
		return nil, fmt.Errorf("%w: offset %d not mappable", ErrInvalidRange, start)
	}

	return &Stream{
		file:         file,
		interpolator: interpolator,
		buffer:       NewPrefetchBuffer(file, fetcher, opts.PrefetchCount, opts.MaxCacheSize),
		onProgress:   opts.OnProgress,
		startByte:    start,
		endByte:      end,
		totalSize:    totalSize,
		currentPos:   start,
		segmentIndex: loc.SegmentIndex,
		segmentPos:   loc.OffsetInSegment,
	}, nil
}

// ContentLength is the number of bytes the stream will emit.
func (s *Stream) ContentLength() int64 { return s.endByte - s.startByte + 1 }

// StartByte is the first file offset emitted.
func (s *Stream) StartByte() int64 { return s.startByte }

// EndByte is the last file offset emitted.
func (s *Stream) EndByte() int64 { return s.endByte }

// TotalSize is the file size the range was resolved against.
func (s *Stream) TotalSize() int64 { return s.totalSize }

// Interpolator exposes the refined offset mapping for observers.
func (s *Stream) Interpolator() *nzb.Interpolator { return s.interpolator }

// Read emits decoded bytes in ascending offset order.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation of the underlying fetches.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.done || s.currentPos > s.endByte {
		s.done = true
		return 0, io.EOF
	}

	written := 0
	for written < len(p) && s.currentPos <= s.endByte {
		if s.segmentIndex >= len(s.file.Segments) {
			s.done = true
			break
		}

		if s.segmentData == nil {
			data, err := s.buffer.GetSegment(ctx, s.segmentIndex)
			if err != nil {
				if written > 0 {
					// Surface the error on the next call.
					return written, nil
				}
				return 0, fmt.Errorf("fetch segment %d of %s: %w", s.segmentIndex, s.file.Name, err)
			}
			s.segmentData = data
			s.interpolator.UpdateDecodedSize(s.segmentIndex, int64(len(data)))
		}

		remainingInSegment := int64(len(s.segmentData)) - s.segmentPos
		toRead := min(remainingInSegment, s.endByte-s.currentPos+1)
		if toRead <= 0 {
			s.advanceSegment()
			continue
		}
		if int64(len(p)-written) < toRead {
			toRead = int64(len(p) - written)
		}

		copy(p[written:], s.segmentData[s.segmentPos:s.segmentPos+toRead])
		written += int(toRead)
		s.segmentPos += toRead
		s.currentPos += toRead

		if s.segmentPos >= int64(len(s.segmentData)) {
			s.advanceSegment()
		}
	}

	if written > 0 {
		s.emitted += int64(written)
		if s.onProgress != nil {
			s.onProgress(s.emitted)
		}
		return written, nil
	}
	s.done = true
	return 0, io.EOF
}

func (s *Stream) advanceSegment() {
	s.segmentIndex++
	s.segmentData = nil
	s.segmentPos = 0
}

// Close drops the prefetch cache; in-flight prefetches finish and are
// discarded.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.buffer.Close()
	return nil
}
