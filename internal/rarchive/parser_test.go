package rarchive

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rar4Entry drives the RAR4 fixture builder.
type rar4Entry struct {
	name              string
	size              int64
	data              []byte
	method            byte
	continuedFromPrev bool
	continuedToNext   bool
	encrypted         bool
}

type rar4Options struct {
	solid            bool
	encryptedHeaders bool
	multiVolume      bool
	omitEnd          bool
}

func buildRar4(opts rar4Options, entries ...rar4Entry) []byte {
	var buf bytes.Buffer
	buf.Write(rar4Signature)

	// MAIN block: 7-byte prelude + reserved bytes.
	var mainFlags uint16
	if opts.solid {
		mainFlags |= rar4MainFlagSolid
	}
	if opts.encryptedHeaders {
		mainFlags |= rar4MainFlagEncrypted
	}
	if opts.multiVolume {
		mainFlags |= rar4MainFlagVolume
	}
	writeRar4Block(&buf, rar4BlockMain, mainFlags, make([]byte, 6))

	for _, e := range entries {
		var flags uint16 = rar4FlagAddSize
		if e.continuedFromPrev {
			flags |= rar4FileFlagContinuedFromPrev
		}
		if e.continuedToNext {
			flags |= rar4FileFlagContinuedToNext
		}
		if e.encrypted {
			flags |= rar4FileFlagEncrypted
		}
		method := e.method
		if method == 0 {
			method = MethodStoreRar4
		}

		body := make([]byte, 25+len(e.name))
		binary.LittleEndian.PutUint32(body[0:4], uint32(len(e.data)))
		binary.LittleEndian.PutUint32(body[4:8], uint32(e.size))
		body[8] = 2 // host OS: windows
		binary.LittleEndian.PutUint32(body[9:13], 0xdeadbeef)
		binary.LittleEndian.PutUint32(body[13:17], 0x5a7f0000)
		body[17] = 29 // version needed
		body[18] = method
		binary.LittleEndian.PutUint16(body[19:21], uint16(len(e.name)))
		binary.LittleEndian.PutUint32(body[21:25], 0x20)
		copy(body[25:], e.name)

		writeRar4Block(&buf, rar4BlockFile, flags, body)
		buf.Write(e.data)
	}

	if !opts.omitEnd {
		writeRar4Block(&buf, rar4BlockEnd, 0x4000, nil)
	}
	return buf.Bytes()
}

func writeRar4Block(buf *bytes.Buffer, blockType byte, flags uint16, body []byte) {
	header := make([]byte, 7)
	binary.LittleEndian.PutUint16(header[0:2], 0) // crc16 unchecked
	header[2] = blockType
	binary.LittleEndian.PutUint16(header[3:5], flags)
	binary.LittleEndian.PutUint16(header[5:7], uint16(7+len(body)))
	buf.Write(header)
	buf.Write(body)
}

// rar5 fixture helpers.

func putVint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			return out
		}
	}
}

func writeRar5Header(buf *bytes.Buffer, body []byte) {
	buf.Write([]byte{0, 0, 0, 0}) // crc32 unchecked
	buf.Write(putVint(uint64(len(body))))
	buf.Write(body)
}

type rar5Entry struct {
	name              string
	size              int64
	data              []byte
	method            byte
	continuedFromPrev bool
	continuedToNext   bool
}

type rar5Options struct {
	solid           bool
	encryptedHeader bool
	multiVolume     bool
	lastVolume      bool
}

func buildRar5(opts rar5Options, entries ...rar5Entry) []byte {
	var buf bytes.Buffer
	buf.Write(rar5Signature)

	if opts.encryptedHeader {
		body := append(putVint(rar5TypeEncryption), putVint(0)...)
		writeRar5Header(&buf, body)
		return buf.Bytes()
	}

	var archiveFlags uint64
	if opts.solid {
		archiveFlags |= rar5MainFlagSolid
	}
	if opts.multiVolume {
		archiveFlags |= rar5MainFlagVolume
	}
	mainBody := append(putVint(rar5TypeMain), putVint(0)...)
	mainBody = append(mainBody, putVint(archiveFlags)...)
	writeRar5Header(&buf, mainBody)

	for _, e := range entries {
		var headerFlags uint64 = rar5HeaderFlagData
		if e.continuedFromPrev {
			headerFlags |= rar5HeaderFlagSplitBefore
		}
		if e.continuedToNext {
			headerFlags |= rar5HeaderFlagSplitAfter
		}

		body := append(putVint(rar5TypeFile), putVint(headerFlags)...)
		body = append(body, putVint(uint64(len(e.data)))...) // data size
		body = append(body, putVint(rar5FileFlagCRC32)...)   // file flags
		body = append(body, putVint(uint64(e.size))...)      // unpacked size
		body = append(body, putVint(0x20)...)                // attributes
		crc := make([]byte, 4)
		binary.LittleEndian.PutUint32(crc, 0xdeadbeef)
		body = append(body, crc...)
		body = append(body, putVint(uint64(e.method))...) // compression info
		body = append(body, putVint(0)...)                // host OS
		body = append(body, putVint(uint64(len(e.name)))...)
		body = append(body, e.name...)

		writeRar5Header(&buf, body)
		buf.Write(e.data)
	}

	endBody := append(putVint(rar5TypeEnd), putVint(0)...)
	if opts.lastVolume {
		endBody = append(endBody, putVint(0)...)
	} else {
		endBody = append(endBody, putVint(1)...)
	}
	writeRar5Header(&buf, endBody)
	return buf.Bytes()
}

func TestParseRar4SingleStoredFile(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 4096)
	volume := buildRar4(rar4Options{}, rar4Entry{name: "movie.mkv", size: 4096, data: data})

	info, err := ParseHeaders(volume)
	require.NoError(t, err)

	assert.Equal(t, FormatRar4, info.Format)
	assert.False(t, info.IsSolid)
	assert.False(t, info.HasEncryptedHeaders)
	require.Len(t, info.Files, 1)

	entry := info.Files[0]
	assert.Equal(t, "movie.mkv", entry.Name)
	assert.Equal(t, int64(4096), entry.Size)
	assert.Equal(t, int64(4096), entry.CompressedSize)
	assert.Equal(t, byte(MethodStoreRar4), entry.Method)
	assert.Equal(t, uint32(0xdeadbeef), entry.CRC32)
	assert.False(t, entry.ContinuedToNext)

	// Data begins right after the FILE header.
	assert.Equal(t, data[0], volume[entry.DataOffset])
	assert.Equal(t, entry.DataOffset, info.HeaderEndOffset)
}

func TestParseRar4MultipleEntries(t *testing.T) {
	volume := buildRar4(rar4Options{},
		rar4Entry{name: "a.bin", size: 100, data: bytes.Repeat([]byte{1}, 100)},
		rar4Entry{name: "b.bin", size: 50, data: bytes.Repeat([]byte{2}, 50)},
	)
	info, err := ParseHeaders(volume)
	require.NoError(t, err)
	require.Len(t, info.Files, 2)
	assert.Equal(t, "a.bin", info.Files[0].Name)
	assert.Equal(t, "b.bin", info.Files[1].Name)
	assert.Greater(t, info.Files[1].DataOffset, info.Files[0].DataOffset+99)
}

func TestParseRar4SplitFlags(t *testing.T) {
	volume := buildRar4(rar4Options{multiVolume: true},
		rar4Entry{name: "movie.mkv", size: 5000, data: bytes.Repeat([]byte{7}, 2000), continuedToNext: true},
	)
	info, err := ParseHeaders(volume)
	require.NoError(t, err)
	assert.True(t, info.IsMultiVolume)
	require.Len(t, info.Files, 1)
	assert.True(t, info.Files[0].ContinuedToNext)
	assert.False(t, info.Files[0].ContinuedFromPrev)
}

func TestParseRar4HeaderPrefixOnly(t *testing.T) {
	// The parser sees only the first KiB of the volume: the FILE header
	// is visible but its data runs past the prefix.
	data := bytes.Repeat([]byte{0xab}, 1<<20)
	volume := buildRar4(rar4Options{}, rar4Entry{name: "movie.mkv", size: 1 << 20, data: data})

	info, err := ParseHeaders(volume[:1024])
	require.NoError(t, err)
	require.Len(t, info.Files, 1)
	assert.Equal(t, int64(1<<20), info.Files[0].Size)
}

func TestParseRar4TruncatedHeader(t *testing.T) {
	volume := buildRar4(rar4Options{}, rar4Entry{name: "movie.mkv", size: 100, data: make([]byte, 100)})
	_, err := ParseHeaders(volume[:10])
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

func TestParseRar4EncryptedHeaders(t *testing.T) {
	volume := buildRar4(rar4Options{encryptedHeaders: true})
	info, err := ParseHeaders(volume)
	require.NoError(t, err)
	assert.True(t, info.HasEncryptedHeaders)
}

func TestParseRar5SingleStoredFile(t *testing.T) {
	data := bytes.Repeat([]byte{0xcd}, 2048)
	volume := buildRar5(rar5Options{lastVolume: true}, rar5Entry{name: "movie.mkv", size: 2048, data: data})

	info, err := ParseHeaders(volume)
	require.NoError(t, err)

	assert.Equal(t, FormatRar5, info.Format)
	require.Len(t, info.Files, 1)
	entry := info.Files[0]
	assert.Equal(t, "movie.mkv", entry.Name)
	assert.Equal(t, int64(2048), entry.Size)
	assert.Equal(t, int64(2048), entry.CompressedSize)
	assert.Equal(t, byte(MethodStoreRar5), entry.Method)
	assert.True(t, entry.HasCRC32)
	assert.Equal(t, data[0], volume[entry.DataOffset])
}

func TestParseRar5SolidAndSplit(t *testing.T) {
	volume := buildRar5(rar5Options{solid: true, multiVolume: true},
		rar5Entry{name: "movie.mkv", size: 9000, data: make([]byte, 3000), continuedToNext: true},
	)
	info, err := ParseHeaders(volume)
	require.NoError(t, err)
	assert.True(t, info.IsSolid)
	assert.True(t, info.IsMultiVolume)
	require.Len(t, info.Files, 1)
	assert.True(t, info.Files[0].ContinuedToNext)
}

func TestParseRar5CompressedMethod(t *testing.T) {
	// compressionInfo low 6 bits carry the method.
	volume := buildRar5(rar5Options{lastVolume: true},
		rar5Entry{name: "movie.mkv", size: 100, data: make([]byte, 80), method: 0x03},
	)
	info, err := ParseHeaders(volume)
	require.NoError(t, err)
	require.Len(t, info.Files, 1)
	assert.Equal(t, byte(0x03), info.Files[0].Method)
}

func TestParseRar5EncryptedHeaders(t *testing.T) {
	volume := buildRar5(rar5Options{encryptedHeader: true})
	info, err := ParseHeaders(volume)
	require.NoError(t, err)
	assert.True(t, info.HasEncryptedHeaders)
}

func TestParseNotRar(t *testing.T) {
	_, err := ParseHeaders([]byte("PK\x03\x04 this is a zip file actually"))
	assert.ErrorIs(t, err, ErrNotRarArchive)

	_, err = ParseHeaders([]byte{0x52, 0x61})
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

func TestReadVint(t *testing.T) {
	v, n, err := readVint([]byte{0x7F}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7F), v)
	assert.Equal(t, 1, n)

	v, n, err = readVint([]byte{0x80, 0x01}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), v)
	assert.Equal(t, 2, n)

	v, n, err = readVint([]byte{0xFF, 0xFF, 0x03}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFF), v)
	assert.Equal(t, 3, n)

	_, _, err = readVint([]byte{0x80}, 0)
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

func TestCanStream(t *testing.T) {
	ok, _ := CanStream(&ArchiveInfo{Files: []FileEntry{{Method: MethodStoreRar4}}})
	assert.True(t, ok)
	ok, _ = CanStream(&ArchiveInfo{Files: []FileEntry{{Method: MethodStoreRar5}}})
	assert.True(t, ok)

	ok, reason := CanStream(&ArchiveInfo{IsSolid: true})
	assert.False(t, ok)
	assert.Equal(t, "Solid archive cannot be streamed - requires full extraction", reason)

	ok, reason = CanStream(&ArchiveInfo{HasEncryptedHeaders: true})
	assert.False(t, ok)
	assert.Contains(t, reason, "encrypted")

	ok, reason = CanStream(&ArchiveInfo{Files: []FileEntry{{Method: 0x33}}})
	assert.False(t, ok)
	assert.Contains(t, reason, "Compressed")
}
