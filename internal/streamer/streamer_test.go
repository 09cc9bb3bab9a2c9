package streamer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/yenc"
)

// fakeFetcher serves decoded payloads from a map and counts fetches.
type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	errs     map[string]error
	fetches  map[string]int
	delay    time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		payloads: make(map[string][]byte),
		errs:     make(map[string]error),
		fetches:  make(map[string]int),
	}
}

func (f *fakeFetcher) GetDecodedArticle(ctx context.Context, messageID string) (*yenc.Decoded, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.fetches[messageID]++
	err := f.errs[messageID]
	data := f.payloads[messageID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("no such article")
	}
	return &yenc.Decoded{Data: data}, nil
}

func (f *fakeFetcher) count(messageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[messageID]
}

// makeFile builds a file whose declared segment sizes match the given
// payloads, returning the file and the concatenated content.
func makeFile(t *testing.T, fetcher *fakeFetcher, payloads ...[]byte) (*nzb.File, []byte) {
	t.Helper()
	file := &nzb.File{Name: "media.mkv"}
	var full []byte
	for i, payload := range payloads {
		id := fmt.Sprintf("<seg%d@test>", i+1)
		fetcher.payloads[id] = payload
		file.Segments = append(file.Segments, nzb.Segment{
			MessageID: id,
			Number:    i + 1,
			Bytes:     int64(len(payload)),
		})
		full = append(full, payload...)
	}
	for _, s := range file.Segments {
		file.Size += s.Bytes
	}
	return file, full
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		header string
		total  int64
		want   *nzb.ByteRange
	}{
		{"bytes=0-0", 100, &nzb.ByteRange{Start: 0, End: 0}},
		{"bytes=0-499", 1600, &nzb.ByteRange{Start: 0, End: 499}},
		{"bytes=5-", 100, &nzb.ByteRange{Start: 5, End: -1}},
		{"bytes=-5", 100, &nzb.ByteRange{Start: 95, End: 99}},
		{"bytes=-700", 1600, &nzb.ByteRange{Start: 900, End: 1599}},
		{"bytes=-200", 100, &nzb.ByteRange{Start: 0, End: 99}},
		{"bytes=abc-def", 100, nil},
		{"bytes=100-", 100, nil},
		{"bytes=50-40", 100, nil},
		{"bytes=-0", 100, nil},
		{"bytes=0-10,20-30", 100, nil},
		{"items=0-10", 100, nil},
		{"", 100, nil},
	}
	for _, tc := range cases {
		got := ParseRangeHeader(tc.header, tc.total)
		assert.Equal(t, tc.want, got, "header %q", tc.header)
	}
}

func TestStreamFullSingleSegment(t *testing.T) {
	fetcher := newFakeFetcher()
	payload := bytes.Repeat([]byte("abcdefghij"), 100)
	file, _ := makeFile(t, fetcher, payload)

	stream, err := NewStream(file, fetcher, Options{})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, int64(1000), stream.ContentLength())
	assert.Equal(t, int64(0), stream.StartByte())
	assert.Equal(t, int64(999), stream.EndByte())

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStreamPrefixRange(t *testing.T) {
	fetcher := newFakeFetcher()
	file, full := makeFile(t, fetcher,
		bytes.Repeat([]byte{0x11}, 800),
		bytes.Repeat([]byte{0x22}, 800),
	)

	r := ParseRangeHeader("bytes=0-499", file.Size)
	require.NotNil(t, r)
	stream, err := NewStream(file, fetcher, Options{Range: r})
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, full[:500], got)
	// Only the first segment is needed in the foreground.
	assert.Equal(t, 1, fetcher.count("<seg1@test>"))
}

func TestStreamSuffixRangeAcrossSegments(t *testing.T) {
	fetcher := newFakeFetcher()
	file, full := makeFile(t, fetcher,
		bytes.Repeat([]byte{0x11}, 800),
		bytes.Repeat([]byte{0x22}, 800),
	)

	r := ParseRangeHeader("bytes=-700", file.Size)
	require.NotNil(t, r)
	stream, err := NewStream(file, fetcher, Options{Range: r})
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, full[900:], got)

	// Traversal refined the interpolator with the decoded size of the
	// final segment.
	assert.Equal(t, int64(800), stream.Interpolator().SegmentSize(1))
}

func TestStreamRangeEqualsSliceOfFullStream(t *testing.T) {
	fetcher := newFakeFetcher()
	var payloads [][]byte
	for i := 0; i < 5; i++ {
		payloads = append(payloads, bytes.Repeat([]byte{byte(0x30 + i)}, 300))
	}
	file, full := makeFile(t, fetcher, payloads...)

	for _, r := range []nzb.ByteRange{
		{Start: 0, End: 0},
		{Start: 299, End: 301},
		{Start: 450, End: 1200},
		{Start: 1499, End: -1},
	} {
		r := r
		stream, err := NewStream(file, fetcher, Options{Range: &r})
		require.NoError(t, err)
		got, err := io.ReadAll(stream)
		stream.Close()
		require.NoError(t, err)

		end := r.End
		if end == -1 {
			end = int64(len(full)) - 1
		}
		assert.Equal(t, full[r.Start:end+1], got, "range %+v", r)
	}
}

func TestStreamDeclaredSizesAreEstimates(t *testing.T) {
	// Declared sizes overstate the decoded payloads, as yEnc wire sizes
	// do. The stream must still emit the decoded bytes contiguously.
	fetcher := newFakeFetcher()
	first := bytes.Repeat([]byte{0xaa}, 700)
	second := bytes.Repeat([]byte{0xbb}, 650)
	fetcher.payloads["<seg1@test>"] = first
	fetcher.payloads["<seg2@test>"] = second
	file := &nzb.File{
		Name: "estimated.mkv",
		Segments: []nzb.Segment{
			{MessageID: "<seg1@test>", Number: 1, Bytes: 750},
			{MessageID: "<seg2@test>", Number: 2, Bytes: 700},
		},
		Size: 1450,
	}

	stream, err := NewStream(file, fetcher, Options{})
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	want := append(append([]byte{}, first...), second...)
	assert.Equal(t, want, got[:len(want)])
}

func TestStreamInvalidRange(t *testing.T) {
	fetcher := newFakeFetcher()
	file, _ := makeFile(t, fetcher, bytes.Repeat([]byte{0x01}, 100))

	_, err := NewStream(file, fetcher, Options{Range: &nzb.ByteRange{Start: 500, End: 600}})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestStreamForegroundErrorPropagates(t *testing.T) {
	fetcher := newFakeFetcher()
	file, _ := makeFile(t, fetcher, bytes.Repeat([]byte{0x01}, 100))
	fetcher.errs["<seg1@test>"] = errors.New("article vanished")

	stream, err := NewStream(file, fetcher, Options{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = io.ReadAll(stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "article vanished")
}

func TestStreamOnProgress(t *testing.T) {
	fetcher := newFakeFetcher()
	file, _ := makeFile(t, fetcher, bytes.Repeat([]byte{0x01}, 100))

	var last int64
	stream, err := NewStream(file, fetcher, Options{OnProgress: func(n int64) { last = n }})
	require.NoError(t, err)
	defer stream.Close()

	_, err = io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, int64(100), last)
}

func TestPrefetchBufferDedupes(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.delay = 50 * time.Millisecond
	file, _ := makeFile(t, fetcher, bytes.Repeat([]byte{0x01}, 10))

	buf := NewPrefetchBuffer(file, fetcher, 0, 0)
	defer buf.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := buf.GetSegment(context.Background(), 0)
			assert.NoError(t, err)
			assert.Len(t, data, 10)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fetcher.count("<seg1@test>"))
}

func TestPrefetchBufferFetchesAhead(t *testing.T) {
	fetcher := newFakeFetcher()
	var payloads [][]byte
	for i := 0; i < 8; i++ {
		payloads = append(payloads, bytes.Repeat([]byte{byte(i)}, 10))
	}
	file, _ := makeFile(t, fetcher, payloads...)

	buf := NewPrefetchBuffer(file, fetcher, 3, 0)
	defer buf.Close()

	_, err := buf.GetSegment(context.Background(), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fetcher.count("<seg2@test>") == 1 &&
			fetcher.count("<seg3@test>") == 1 &&
			fetcher.count("<seg4@test>") == 1
	}, 2*time.Second, 10*time.Millisecond)
	// Beyond the prefetch window nothing is fetched.
	assert.Equal(t, 0, fetcher.count("<seg6@test>"))
}

func TestPrefetchBufferEviction(t *testing.T) {
	fetcher := newFakeFetcher()
	var payloads [][]byte
	for i := 0; i < 12; i++ {
		payloads = append(payloads, bytes.Repeat([]byte{byte(i)}, 10))
	}
	file, _ := makeFile(t, fetcher, payloads...)

	// No prefetching: exercise eviction deterministically.
	buf := NewPrefetchBuffer(file, fetcher, 1, 4)
	for i := 0; i < 12; i++ {
		_, err := buf.fetch(context.Background(), i)
		require.NoError(t, err)
	}
	// Capacity 4, halved on overflow: the cache never exceeds the cap.
	assert.LessOrEqual(t, buf.Size(), 4)
	// The newest entry survives.
	assert.True(t, buf.Cached(11))
	buf.Close()
}
