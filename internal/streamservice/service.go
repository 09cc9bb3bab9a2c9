// Package streamservice binds a mount, a file index and a range header
// to a byte stream with its content type.
package streamservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/stellarr/stellarr/internal/mounts"
	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/rarchive"
	"github.com/stellarr/stellarr/internal/streamer"
)

// NZB cache sizing. Entries expire one hour after insertion; the cache
// library sweeps expired entries on its own.
const (
	nzbCacheSize = 256
	nzbCacheTTL  = time.Hour
)

// ErrFileNotFound indicates the file index is outside the mount's
// media list.
var ErrFileNotFound = errors.New("file not found in mount")

// MountNotReadyError indicates the mount exists but cannot stream.
type MountNotReadyError struct {
	Status mounts.Status
}

func (e *MountNotReadyError) Error() string {
	return fmt.Sprintf("mount not ready: status %s", e.Status)
}

// Result describes one created stream.
type Result struct {
	Reader        io.ReadCloser
	ContentLength int64
	StartByte     int64
	EndByte       int64
	TotalSize     int64
	IsPartial     bool
	ContentType   string
}

// Service creates streams from mounts.
type Service struct {
	mounts  *mounts.Manager
	fetcher streamer.SegmentFetcher
	log     *slog.Logger

	prefetchCount int
	maxCacheSize  int

	// nzbCache keeps parsed NZBs addressable by hash so repeated range
	// requests against the same document skip re-parsing.
	nzbCache *expirable.LRU[string, *nzb.Parsed]
}

// NewService wires the stream service. Zero prefetch options take the
// streamer defaults.
func NewService(mountManager *mounts.Manager, fetcher streamer.SegmentFetcher, prefetchCount, maxCacheSize int) *Service {
	return &Service{
		mounts:        mountManager,
		fetcher:       fetcher,
		log:           slog.Default().With("component", "streamservice"),
		prefetchCount: prefetchCount,
		maxCacheSize:  maxCacheSize,
		nzbCache:      expirable.NewLRU[string, *nzb.Parsed](nzbCacheSize, nil, nzbCacheTTL),
	}
}

// CachedNzb returns the cached parse of an NZB document by hash.
func (s *Service) CachedNzb(hash string) (*nzb.Parsed, bool) {
	return s.nzbCache.Get(hash)
}

// CreateStream resolves (mount, file index, range header) to a reader.
func (s *Service) CreateStream(ctx context.Context, mountID string, fileIndex int, rangeHeader string) (*Result, error) {
	mount, err := s.mounts.Get(mountID)
	if err != nil {
		return nil, err
	}
	if mount.Info.Status != mounts.StatusReady {
		return nil, &MountNotReadyError{Status: mount.Info.Status}
	}
	if fileIndex < 0 || fileIndex >= len(mount.Info.MediaFiles) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrFileNotFound, fileIndex, len(mount.Info.MediaFiles))
	}
	media := mount.Info.MediaFiles[fileIndex]

	s.nzbCache.Add(mount.Info.NzbHash, mount.Parsed)

	byteRange := streamer.ParseRangeHeader(rangeHeader, media.Size)

	var result *Result
	if media.IsRar {
		result, err = s.createRarStream(ctx, mount, media, byteRange)
	} else {
		result, err = s.createPlainStream(mount, media, byteRange)
	}
	if err != nil {
		return nil, err
	}

	result.IsPartial = byteRange != nil
	result.ContentType = ContentTypeFor(media.Name)
	s.log.DebugContext(ctx, "Stream created",
		"mount_id", mountID, "file", media.Name,
		"start", result.StartByte, "end", result.EndByte, "partial", result.IsPartial)
	return result, nil
}

func (s *Service) createPlainStream(mount *mounts.Mount, media mounts.MediaFile, byteRange *nzb.ByteRange) (*Result, error) {
	file := mount.NzbFileByIndex(media.NzbFileIndex)
	if file == nil {
		return nil, fmt.Errorf("%w: NZB file index %d", ErrFileNotFound, media.NzbFileIndex)
	}
	stream, err := streamer.NewStream(file, s.fetcher, streamer.Options{
		Range:         byteRange,
		PrefetchCount: s.prefetchCount,
		MaxCacheSize:  s.maxCacheSize,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Reader:        stream,
		ContentLength: stream.ContentLength(),
		StartByte:     stream.StartByte(),
		EndByte:       stream.EndByte(),
		TotalSize:     stream.TotalSize(),
	}, nil
}

func (s *Service) createRarStream(ctx context.Context, mount *mounts.Mount, media mounts.MediaFile, byteRange *nzb.ByteRange) (*Result, error) {
	nzbFiles := make(map[int]*nzb.File)
	for _, span := range media.Assembled.Spans {
		if _, ok := nzbFiles[span.NzbFileIndex]; ok {
			continue
		}
		file := mount.NzbFileByIndex(span.NzbFileIndex)
		if file == nil {
			return nil, fmt.Errorf("%w: NZB file index %d", ErrFileNotFound, span.NzbFileIndex)
		}
		nzbFiles[span.NzbFileIndex] = file
	}

	vf, err := rarchive.NewVirtualFile(media.Assembled, nzbFiles, s.fetcher, s.prefetchCount, s.maxCacheSize)
	if err != nil {
		return nil, err
	}

	start, end := int64(0), media.Size-1
	if byteRange != nil {
		start = byteRange.Start
		if byteRange.End != -1 && byteRange.End < end {
			end = byteRange.End
		}
	}
	reader, err := vf.OpenRange(ctx, start, end)
	if err != nil {
		vf.Close()
		return nil, err
	}
	return &Result{
		Reader:        &virtualFileReader{ReadCloser: reader, vf: vf},
		ContentLength: end - start + 1,
		StartByte:     start,
		EndByte:       end,
		TotalSize:     media.Size,
	}, nil
}

// virtualFileReader ties the virtual file's prefetch caches to the
// reader's lifetime.
type virtualFileReader struct {
	io.ReadCloser
	vf *rarchive.VirtualFile
}

func (r *virtualFileReader) Close() error {
	err := r.ReadCloser.Close()
	r.vf.Close()
	return err
}
