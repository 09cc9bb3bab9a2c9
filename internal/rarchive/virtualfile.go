package rarchive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/streamer"
)

// ErrVolumeMissing indicates a span references an NZB file that is not
// part of the mount.
var ErrVolumeMissing = errors.New("archive volume missing from NZB")

// volumeSource is the per-volume fetch state: an offset interpolator
// over the volume's segments plus a prefetch buffer.
type volumeSource struct {
	file         *nzb.File
	interpolator *nzb.Interpolator
	buffer       *streamer.PrefetchBuffer
}

// VirtualFile is a seekable view of an assembled archive entry. Reads
// translate logical offsets through spans into volume offsets, then
// through per-volume interpolators into segments.
type VirtualFile struct {
	assembled *AssembledFile
	sources   map[int]*volumeSource
}

// NewVirtualFile wires an assembled file to the NZB files backing its
// volumes, keyed by NZB file index.
func NewVirtualFile(assembled *AssembledFile, nzbFiles map[int]*nzb.File, fetcher streamer.SegmentFetcher, prefetchCount, maxCacheSize int) (*VirtualFile, error) {
	vf := &VirtualFile{
		assembled: assembled,
		sources:   make(map[int]*volumeSource),
	}
	for _, span := range assembled.Spans {
		if _, ok := vf.sources[span.NzbFileIndex]; ok {
			continue
		}
		file, ok := nzbFiles[span.NzbFileIndex]
		if !ok {
			return nil, fmt.Errorf("%w: index %d for %q", ErrVolumeMissing, span.NzbFileIndex, assembled.Name)
		}
		vf.sources[span.NzbFileIndex] = &volumeSource{
			file:         file,
			interpolator: nzb.NewInterpolator(file.Segments),
			buffer:       streamer.NewPrefetchBuffer(file, fetcher, prefetchCount, maxCacheSize),
		}
	}
	return vf, nil
}

// Name returns the assembled entry's name.
func (vf *VirtualFile) Name() string { return vf.assembled.Name }

// Size returns the logical uncompressed size.
func (vf *VirtualFile) Size() int64 { return vf.assembled.Size }

// OpenRange returns a reader over the inclusive logical range
// [start, end]. end == -1 reads to the end of the file.
func (vf *VirtualFile) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if end == -1 || end >= vf.assembled.Size {
		end = vf.assembled.Size - 1
	}
	if start < 0 || start > end {
		return nil, fmt.Errorf("%w: %d-%d of %d", streamer.ErrInvalidRange, start, end, vf.assembled.Size)
	}
	spans := vf.assembled.FindSpansForRange(start, end)
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: no spans cover %d-%d", streamer.ErrInvalidRange, start, end)
	}
	return &rangeReader{
		vf:        vf,
		ctx:       ctx,
		spans:     spans,
		posInSpan: start - spans[0].FileOffset,
		pos:       start,
		end:       end,
	}, nil
}

// Close releases every volume's prefetch cache.
func (vf *VirtualFile) Close() {
	for _, src := range vf.sources {
		src.buffer.Close()
	}
}

type rangeReader struct {
	vf    *VirtualFile
	ctx   context.Context
	spans []Span

	spanIdx   int
	posInSpan int64
	pos       int64
	end       int64
	closed    bool
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if r.pos > r.end || r.spanIdx >= len(r.spans) {
		return 0, io.EOF
	}

	written := 0
	for written < len(p) && r.pos <= r.end && r.spanIdx < len(r.spans) {
		span := r.spans[r.spanIdx]
		remainingInSpan := span.Size - r.posInSpan
		if remainingInSpan <= 0 {
			r.spanIdx++
			r.posInSpan = 0
			continue
		}

		toRead := min(remainingInSpan, r.end-r.pos+1)
		if int64(len(p)-written) < toRead {
			toRead = int64(len(p) - written)
		}

		n, err := r.readFromVolume(span, r.posInSpan, p[written:written+int(toRead)])
		if err != nil {
			if written > 0 {
				return written, nil
			}
			return 0, err
		}
		written += n
		r.posInSpan += int64(n)
		r.pos += int64(n)
	}

	if written == 0 {
		return 0, io.EOF
	}
	return written, nil
}

// readFromVolume copies bytes starting at the given offset within the
// span from the backing volume's decoded stream.
func (r *rangeReader) readFromVolume(span Span, offsetInSpan int64, p []byte) (int, error) {
	src := r.vf.sources[span.NzbFileIndex]
	volumeOffset := span.VolumeOffset + offsetInSpan

	// Fetching a segment refines the interpolator, which can shift the
	// mapping; re-resolve until it is stable.
	for attempt := 0; attempt < 4; attempt++ {
		loc := src.interpolator.FindSegmentForOffset(volumeOffset)
		if loc == nil {
			return 0, fmt.Errorf("%w: offset %d beyond volume %q", streamer.ErrInvalidRange, volumeOffset, src.file.Name)
		}
		data, err := src.buffer.GetSegment(r.ctx, loc.SegmentIndex)
		if err != nil {
			return 0, fmt.Errorf("volume %q segment %d: %w", src.file.Name, loc.SegmentIndex, err)
		}
		src.interpolator.UpdateDecodedSize(loc.SegmentIndex, int64(len(data)))

		resolved := src.interpolator.FindSegmentForOffset(volumeOffset)
		if resolved == nil || resolved.SegmentIndex != loc.SegmentIndex {
			continue
		}
		if resolved.OffsetInSegment >= int64(len(data)) {
			continue
		}
		n := copy(p, data[resolved.OffsetInSegment:])
		return n, nil
	}
	return 0, fmt.Errorf("offset %d in volume %q did not stabilise", volumeOffset, src.file.Name)
}

func (r *rangeReader) Close() error {
	r.closed = true
	return nil
}
