package rarchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/yenc"
)

// mapFetcher serves decoded segment payloads straight from a map.
type mapFetcher struct {
	payloads map[string][]byte
}

func (f *mapFetcher) GetDecodedArticle(ctx context.Context, messageID string) (*yenc.Decoded, error) {
	data, ok := f.payloads[messageID]
	if !ok {
		return nil, errors.New("article not found on any provider")
	}
	return &yenc.Decoded{Data: data}, nil
}

// segmentize splits volume bytes into fixed-size segments. declared
// lets tests inflate the NZB size estimates.
func segmentize(f *mapFetcher, fileIndex int, name string, volume []byte, segSize int, declared func(actual int) int64) *nzb.File {
	file := &nzb.File{Index: fileIndex, Name: name}
	for i, num := 0, 1; i < len(volume); i, num = i+segSize, num+1 {
		end := i + segSize
		if end > len(volume) {
			end = len(volume)
		}
		chunk := volume[i:end]
		id := fmt.Sprintf("<%s-seg%d@test>", name, num)
		f.payloads[id] = chunk
		file.Segments = append(file.Segments, nzb.Segment{
			MessageID: id,
			Number:    num,
			Bytes:     declared(len(chunk)),
		})
	}
	for _, s := range file.Segments {
		file.Size += s.Bytes
	}
	return file
}

// buildSplitArchive stores payload across volumes of the given packed
// sizes and returns parsed volume infos plus the backing NZB files.
func buildSplitArchive(t *testing.T, fetcher *mapFetcher, payload []byte, packed []int, segSize int, declared func(int) int64) ([]VolumeInfo, map[int]*nzb.File) {
	t.Helper()
	var volumes []VolumeInfo
	nzbFiles := make(map[int]*nzb.File)

	offset := 0
	for i, size := range packed {
		chunk := payload[offset : offset+size]
		offset += size

		raw := buildRar4(rar4Options{multiVolume: true}, rar4Entry{
			name:              "movie.mkv",
			size:              int64(len(payload)),
			data:              chunk,
			continuedFromPrev: i > 0,
			continuedToNext:   i < len(packed)-1,
		})

		name := fmt.Sprintf("movie.part%02d.rar", i+1)
		file := segmentize(fetcher, i, name, raw, segSize, declared)
		nzbFiles[i] = file

		info, err := ParseHeaders(raw)
		require.NoError(t, err)
		volumes = append(volumes, VolumeInfo{NzbFileIndex: i, PartNumber: i + 1, Info: info})
	}
	return volumes, nzbFiles
}

func patternPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return payload
}

func TestVirtualFileReadAcrossVolumes(t *testing.T) {
	fetcher := &mapFetcher{payloads: make(map[string][]byte)}
	payload := patternPayload(30000)
	exact := func(actual int) int64 { return int64(actual) }

	volumes, nzbFiles := buildSplitArchive(t, fetcher, payload, []int{12000, 12000, 6000}, 4096, exact)

	files, err := Assemble(volumes)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, int64(30000), files[0].Size)

	vf, err := NewVirtualFile(files[0], nzbFiles, fetcher, 2, 8)
	require.NoError(t, err)
	defer vf.Close()

	// Range straddling the first volume boundary.
	reader, err := vf.OpenRange(context.Background(), 11000, 13999)
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, payload[11000:14000], got)

	// Whole file.
	reader, err = vf.OpenRange(context.Background(), 0, -1)
	require.NoError(t, err)
	got, err = io.ReadAll(reader)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestVirtualFileInflatedEstimates(t *testing.T) {
	// NZB declares every segment 64 bytes larger than it decodes to;
	// the per-volume interpolators refine as reads progress.
	fetcher := &mapFetcher{payloads: make(map[string][]byte)}
	payload := patternPayload(20000)
	inflated := func(actual int) int64 { return int64(actual + 64) }

	volumes, nzbFiles := buildSplitArchive(t, fetcher, payload, []int{10000, 10000}, 2048, inflated)
	files, err := Assemble(volumes)
	require.NoError(t, err)

	vf, err := NewVirtualFile(files[0], nzbFiles, fetcher, 2, 8)
	require.NoError(t, err)
	defer vf.Close()

	reader, err := vf.OpenRange(context.Background(), 0, -1)
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestVirtualFileSuffixRange(t *testing.T) {
	fetcher := &mapFetcher{payloads: make(map[string][]byte)}
	payload := patternPayload(15000)
	exact := func(actual int) int64 { return int64(actual) }

	volumes, nzbFiles := buildSplitArchive(t, fetcher, payload, []int{5000, 5000, 5000}, 1024, exact)
	files, err := Assemble(volumes)
	require.NoError(t, err)

	vf, err := NewVirtualFile(files[0], nzbFiles, fetcher, 2, 8)
	require.NoError(t, err)
	defer vf.Close()

	reader, err := vf.OpenRange(context.Background(), 14000, -1)
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload[14000:], got)
}

func TestVirtualFileMissingVolume(t *testing.T) {
	fetcher := &mapFetcher{payloads: make(map[string][]byte)}
	payload := patternPayload(10000)
	exact := func(actual int) int64 { return int64(actual) }

	volumes, nzbFiles := buildSplitArchive(t, fetcher, payload, []int{5000, 5000}, 1024, exact)
	files, err := Assemble(volumes)
	require.NoError(t, err)

	delete(nzbFiles, 1)
	_, err = NewVirtualFile(files[0], nzbFiles, fetcher, 2, 8)
	assert.ErrorIs(t, err, ErrVolumeMissing)
}

func TestVirtualFileArticleMissingFailsRead(t *testing.T) {
	fetcher := &mapFetcher{payloads: make(map[string][]byte)}
	payload := patternPayload(10000)
	exact := func(actual int) int64 { return int64(actual) }

	volumes, nzbFiles := buildSplitArchive(t, fetcher, payload, []int{5000, 5000}, 1024, exact)
	files, err := Assemble(volumes)
	require.NoError(t, err)

	// Drop one article of the second volume.
	delete(fetcher.payloads, "<movie.part02.rar-seg2@test>")

	vf, err := NewVirtualFile(files[0], nzbFiles, fetcher, 2, 8)
	require.NoError(t, err)
	defer vf.Close()

	reader, err := vf.OpenRange(context.Background(), 0, -1)
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestVirtualFileInvalidRange(t *testing.T) {
	fetcher := &mapFetcher{payloads: make(map[string][]byte)}
	payload := patternPayload(5000)
	exact := func(actual int) int64 { return int64(actual) }

	volumes, nzbFiles := buildSplitArchive(t, fetcher, payload, []int{5000}, 1024, exact)
	files, err := Assemble(volumes)
	require.NoError(t, err)

	vf, err := NewVirtualFile(files[0], nzbFiles, fetcher, 2, 8)
	require.NoError(t, err)
	defer vf.Close()

	_, err = vf.OpenRange(context.Background(), 6000, 7000)
	require.Error(t, err)
}
