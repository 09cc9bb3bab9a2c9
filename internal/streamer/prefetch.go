package streamer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/yenc"
)

// Prefetch defaults.
const (
	DefaultPrefetchCount = 5
	DefaultMaxCacheSize  = 20
)

// SegmentFetcher fetches and decodes one article. Satisfied by
// nntp.Manager.
type SegmentFetcher interface {
	GetDecodedArticle(ctx context.Context, messageID string) (*yenc.Decoded, error)
}

type cachedSegment struct {
	data    []byte
	fetched time.Time
}

type inflightFetch struct {
	done chan struct{}
	data []byte
	err  error
}

// PrefetchBuffer caches decoded segment payloads for one file and
// fetches ahead of the foreground read position. Foreground fetch
// errors propagate; background prefetch errors are logged and dropped
// so the segment is retried on demand.
type PrefetchBuffer struct {
	file          *nzb.File
	fetcher       SegmentFetcher
	prefetchCount int
	maxCacheSize  int
	log           *slog.Logger

	mu       sync.Mutex
	cache    map[int]*cachedSegment
	inflight map[int]*inflightFetch
	closed   bool

	wg conc.WaitGroup
}

// NewPrefetchBuffer creates a buffer for the file's segments. Zero
// options take the defaults.
func NewPrefetchBuffer(file *nzb.File, fetcher SegmentFetcher, prefetchCount, maxCacheSize int) *PrefetchBuffer {
	if prefetchCount <= 0 {
		prefetchCount = DefaultPrefetchCount
	}
	if maxCacheSize <= 0 {
		maxCacheSize = DefaultMaxCacheSize
	}
	return &PrefetchBuffer{
		file:          file,
		fetcher:       fetcher,
		prefetchCount: prefetchCount,
		maxCacheSize:  maxCacheSize,
		log:           slog.Default().With("component", "prefetch", "file", file.Name),
		cache:         make(map[int]*cachedSegment),
		inflight:      make(map[int]*inflightFetch),
	}
}

// GetSegment returns the decoded payload of segment i, fetching it if
// needed, and schedules prefetches for the segments behind it.
func (b *PrefetchBuffer) GetSegment(ctx context.Context, i int) ([]byte, error) {
	data, err := b.fetch(ctx, i)
	if err != nil {
		return nil, err
	}
	b.schedulePrefetch(i)
	return data, nil
}

// fetch returns segment i from cache, joins an in-flight fetch, or
// performs the fetch itself.
func (b *PrefetchBuffer) fetch(ctx context.Context, i int) ([]byte, error) {
	if i < 0 || i >= len(b.file.Segments) {
		return nil, nzb.ErrInvalidNzb
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, context.Canceled
	}
	if entry, ok := b.cache[i]; ok {
		b.mu.Unlock()
		return entry.data, nil
	}
	if pending, ok := b.inflight[i]; ok {
		b.mu.Unlock()
		select {
		case <-pending.done:
			return pending.data, pending.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	pending := &inflightFetch{done: make(chan struct{})}
	b.inflight[i] = pending
	b.mu.Unlock()

	decoded, err := b.fetcher.GetDecodedArticle(ctx, b.file.Segments[i].MessageID)
	if err == nil {
		pending.data = decoded.Data
	}
	pending.err = err

	b.mu.Lock()
	delete(b.inflight, i)
	if err == nil && !b.closed {
		b.evictLocked()
		b.cache[i] = &cachedSegment{data: pending.data, fetched: time.Now()}
	}
	b.mu.Unlock()
	close(pending.done)

	return pending.data, pending.err
}

// schedulePrefetch starts background fetches for the window behind i,
// skipping segments already cached or in flight.
func (b *PrefetchBuffer) schedulePrefetch(i int) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var wanted []int
	for j := i + 1; j <= i+b.prefetchCount && j < len(b.file.Segments); j++ {
		if _, ok := b.cache[j]; ok {
			continue
		}
		if _, ok := b.inflight[j]; ok {
			continue
		}
		wanted = append(wanted, j)
	}
	b.mu.Unlock()

	for _, j := range wanted {
		j := j
		b.wg.Go(func() {
			if _, err := b.fetch(context.Background(), j); err != nil {
				b.log.Debug("Prefetch failed", "segment", j, "error", err)
			}
		})
	}
}

// evictLocked drops the oldest entries until the cache is half empty
// once it has reached capacity. Caller holds the mutex.
func (b *PrefetchBuffer) evictLocked() {
	if len(b.cache) < b.maxCacheSize {
		return
	}
	type aged struct {
		index   int
		fetched time.Time
	}
	entries := make([]aged, 0, len(b.cache))
	for idx, entry := range b.cache {
		entries = append(entries, aged{index: idx, fetched: entry.fetched})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].fetched.Before(entries[j].fetched)
	})
	for _, entry := range entries {
		if len(b.cache) <= b.maxCacheSize/2 {
			break
		}
		delete(b.cache, entry.index)
	}
}

// Cached reports whether segment i is currently cached.
func (b *PrefetchBuffer) Cached(i int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cache[i]
	return ok
}

// Size returns the number of cached segments.
func (b *PrefetchBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}

// Close drops the cache and waits for in-flight prefetches, whose
// results are discarded.
func (b *PrefetchBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cache = make(map[int]*cachedSegment)
	b.mu.Unlock()
	b.wg.Wait()
}
