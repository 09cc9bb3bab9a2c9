// Package rarchive parses RAR4 and RAR5 volume headers and assembles
// stored (uncompressed) archive entries into virtual files that can be
// streamed without extraction.
package rarchive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotRarArchive indicates the data does not start with a RAR
	// signature.
	ErrNotRarArchive = errors.New("not a RAR archive")
	// ErrNeedMoreData indicates the available prefix ends inside a
	// header; callers should supply more bytes and retry.
	ErrNeedMoreData = errors.New("need more data to parse RAR headers")
	// ErrMalformedHeader indicates a structurally invalid block header.
	ErrMalformedHeader = errors.New("malformed RAR header")
)

// NotStreamableError reports why an archive cannot be streamed.
type NotStreamableError struct {
	Reason string
}

func (e *NotStreamableError) Error() string {
	return "archive not streamable: " + e.Reason
}

// Format identifies the archive generation.
type Format string

const (
	FormatRar4 Format = "rar4"
	FormatRar5 Format = "rar5"
)

var (
	rar4Signature = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
	rar5Signature = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}
)

// RAR4 block types and flags.
const (
	rar4BlockMain = 0x73
	rar4BlockFile = 0x74
	rar4BlockEnd  = 0x7B

	rar4MainFlagVolume    = 0x0001
	rar4MainFlagSolid     = 0x0008
	rar4MainFlagEncrypted = 0x0080

	rar4FileFlagContinuedFromPrev = 0x0001
	rar4FileFlagContinuedToNext   = 0x0002
	rar4FileFlagEncrypted         = 0x0004
	rar4FileFlagLargeFile         = 0x0100

	rar4FlagAddSize = 0x8000
)

// RAR5 header types and flags.
const (
	rar5TypeMain       = 1
	rar5TypeFile       = 2
	rar5TypeEncryption = 4
	rar5TypeEnd        = 5

	rar5HeaderFlagExtra       = 0x0001
	rar5HeaderFlagData        = 0x0002
	rar5HeaderFlagSplitBefore = 0x0008
	rar5HeaderFlagSplitAfter  = 0x0010

	rar5MainFlagVolume = 0x0001
	rar5MainFlagSolid  = 0x0004

	rar5FileFlagMtime = 0x0002
	rar5FileFlagCRC32 = 0x0004
)

// Method values considered "stored". 0x30 is RAR4 store; RAR5 encodes
// store as method 0.
const (
	MethodStoreRar4 = 0x30
	MethodStoreRar5 = 0x00
)

// FileEntry is one archive entry as seen in a single volume.
type FileEntry struct {
	Name           string
	Size           int64
	CompressedSize int64
	// DataOffset is where the entry's packed data starts within the
	// volume's decoded byte stream.
	DataOffset  int64
	Method      byte
	IsEncrypted bool
	CRC32       uint32
	HasCRC32    bool
	Attributes  uint32
	ModTime     time.Time

	ContinuedFromPrev bool
	ContinuedToNext   bool
}

// ArchiveInfo describes the headers of one volume.
type ArchiveInfo struct {
	Format              Format
	IsMultiVolume       bool
	IsEncrypted         bool
	HasEncryptedHeaders bool
	IsSolid             bool
	Files               []FileEntry
	// HeaderEndOffset is the volume offset right after the last parsed
	// header, i.e. where the first entry's data begins.
	HeaderEndOffset int64
}

// reasonSolid is the canonical refusal for solid archives.
const reasonSolid = "Solid archive cannot be streamed - requires full extraction"

// CanStream reports whether a parsed archive can be streamed without
// extraction, with the refusal reason when it cannot.
func CanStream(info *ArchiveInfo) (bool, string) {
	if info.HasEncryptedHeaders {
		return false, "Archive headers are encrypted"
	}
	if info.IsSolid {
		return false, reasonSolid
	}
	for _, f := range info.Files {
		if f.Method != MethodStoreRar4 && f.Method != MethodStoreRar5 {
			return false, fmt.Sprintf("Compressed archive cannot be streamed (method 0x%02x)", f.Method)
		}
	}
	return true, ""
}

// ParseHeaders parses block headers from the start of a volume. The
// input may be a prefix of the volume: parsing stops cleanly once it
// reaches an entry's data area that extends past the prefix, and
// reports ErrNeedMoreData only when the prefix ends in the middle of a
// header.
func ParseHeaders(data []byte) (*ArchiveInfo, error) {
	switch {
	case bytes.HasPrefix(data, rar5Signature):
		return parseRar5(data)
	case bytes.HasPrefix(data, rar4Signature):
		return parseRar4(data)
	case len(data) < len(rar5Signature):
		return nil, ErrNeedMoreData
	default:
		return nil, ErrNotRarArchive
	}
}

func parseRar4(data []byte) (*ArchiveInfo, error) {
	info := &ArchiveInfo{Format: FormatRar4}
	pos := int64(len(rar4Signature))

	for {
		if pos+7 > int64(len(data)) {
			if len(info.Files) > 0 || info.HeaderEndOffset > 0 {
				return info, nil
			}
			return nil, ErrNeedMoreData
		}

		blockType := data[pos+2]
		flags := binary.LittleEndian.Uint16(data[pos+3 : pos+5])
		headerSize := int64(binary.LittleEndian.Uint16(data[pos+5 : pos+7]))
		if headerSize < 7 {
			return nil, fmt.Errorf("%w: block size %d", ErrMalformedHeader, headerSize)
		}

		var addSize int64
		if flags&rar4FlagAddSize != 0 {
			if pos+11 > int64(len(data)) {
				return nil, ErrNeedMoreData
			}
			addSize = int64(binary.LittleEndian.Uint32(data[pos+7 : pos+11]))
		}

		if pos+headerSize > int64(len(data)) {
			return nil, ErrNeedMoreData
		}
		body := data[pos+7 : pos+headerSize]

		switch blockType {
		case rar4BlockMain:
			info.IsMultiVolume = flags&rar4MainFlagVolume != 0
			info.IsSolid = flags&rar4MainFlagSolid != 0
			info.HasEncryptedHeaders = flags&rar4MainFlagEncrypted != 0
			if info.HasEncryptedHeaders {
				// Everything after this block is ciphertext.
				info.HeaderEndOffset = pos + headerSize
				return info, nil
			}

		case rar4BlockFile:
			entry, err := parseRar4FileHeader(body, flags)
			if err != nil {
				return nil, err
			}
			entry.DataOffset = pos + headerSize
			info.Files = append(info.Files, *entry)
			if entry.IsEncrypted {
				info.IsEncrypted = true
			}
			if info.HeaderEndOffset == 0 {
				info.HeaderEndOffset = entry.DataOffset
			}
			// The next block starts after the packed data.
			addSize = entry.CompressedSize

		case rar4BlockEnd:
			if info.HeaderEndOffset == 0 {
				info.HeaderEndOffset = pos + headerSize
			}
			return info, nil
		}

		pos += headerSize + addSize
		if pos >= int64(len(data)) && blockType == rar4BlockFile {
			// Data area runs past the prefix; later blocks live beyond
			// what we can see.
			return info, nil
		}
	}
}

// parseRar4FileHeader decodes the FILE block body that follows the
// 7-byte block prelude (add-size field included in the body here).
func parseRar4FileHeader(body []byte, flags uint16) (*FileEntry, error) {
	// packSize u32, unpSize u32, hostOS u8, crc32 u32, mtime u32,
	// version u8, method u8, nameSize u16, attributes u32.
	if len(body) < 25 {
		return nil, fmt.Errorf("%w: short FILE header", ErrMalformedHeader)
	}
	entry := &FileEntry{
		CompressedSize: int64(binary.LittleEndian.Uint32(body[0:4])),
		Size:           int64(binary.LittleEndian.Uint32(body[4:8])),
		CRC32:          binary.LittleEndian.Uint32(body[9:13]),
		HasCRC32:       true,
		ModTime:        dosTime(binary.LittleEndian.Uint32(body[13:17])),
		Method:         body[18],
		Attributes:     binary.LittleEndian.Uint32(body[21:25]),

		IsEncrypted:       flags&rar4FileFlagEncrypted != 0,
		ContinuedFromPrev: flags&rar4FileFlagContinuedFromPrev != 0,
		ContinuedToNext:   flags&rar4FileFlagContinuedToNext != 0,
	}
	nameSize := int(binary.LittleEndian.Uint16(body[19:21]))

	nameStart := 25
	if flags&rar4FileFlagLargeFile != 0 {
		if len(body) < 33 {
			return nil, fmt.Errorf("%w: short large-file header", ErrMalformedHeader)
		}
		entry.CompressedSize |= int64(binary.LittleEndian.Uint32(body[25:29])) << 32
		entry.Size |= int64(binary.LittleEndian.Uint32(body[29:33])) << 32
		nameStart = 33
	}
	if len(body) < nameStart+nameSize {
		return nil, fmt.Errorf("%w: name extends past header", ErrMalformedHeader)
	}
	name := body[nameStart : nameStart+nameSize]
	// Unicode name blocks embed a NUL-separated encoded form; the
	// leading segment is plain UTF-8 either way.
	if idx := bytes.IndexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}
	entry.Name = string(name)
	return entry, nil
}

func parseRar5(data []byte) (*ArchiveInfo, error) {
	info := &ArchiveInfo{Format: FormatRar5}
	pos := int64(len(rar5Signature))

	for {
		header, err := readRar5Header(data, pos)
		if errors.Is(err, ErrNeedMoreData) {
			if len(info.Files) > 0 {
				return info, nil
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}

		switch header.htype {
		case rar5TypeMain:
			archiveFlags, _, err := readVint(header.body, 0)
			if err != nil {
				return nil, err
			}
			info.IsMultiVolume = archiveFlags&rar5MainFlagVolume != 0
			info.IsSolid = archiveFlags&rar5MainFlagSolid != 0

		case rar5TypeEncryption:
			info.HasEncryptedHeaders = true
			info.HeaderEndOffset = header.end
			return info, nil

		case rar5TypeFile:
			entry, err := parseRar5FileHeader(header)
			if err != nil {
				return nil, err
			}
			entry.DataOffset = header.end
			info.Files = append(info.Files, *entry)
			if info.HeaderEndOffset == 0 {
				info.HeaderEndOffset = header.end
			}

		case rar5TypeEnd:
			endFlags, _, err := readVint(header.body, 0)
			if err == nil && endFlags&0x0001 != 0 {
				info.IsMultiVolume = true
			}
			if info.HeaderEndOffset == 0 {
				info.HeaderEndOffset = header.end
			}
			return info, nil
		}

		pos = header.end + header.dataSize
		if pos >= int64(len(data)) && header.htype == rar5TypeFile {
			return info, nil
		}
	}
}

// rar5Header is one generic RAR5 header with its type-specific body.
type rar5Header struct {
	htype    uint64
	flags    uint64
	dataSize int64
	// body holds the type-specific fields (after type, flags and the
	// optional extra/data size vints).
	body []byte
	// end is the volume offset just past the header.
	end int64
}

func readRar5Header(data []byte, pos int64) (*rar5Header, error) {
	// crc32 u32, then vint header size.
	if pos+5 > int64(len(data)) {
		return nil, ErrNeedMoreData
	}
	headerSize, sizeLen, err := readVint(data, int(pos)+4)
	if err != nil {
		return nil, err
	}
	bodyStart := pos + 4 + int64(sizeLen)
	end := bodyStart + int64(headerSize)
	if end > int64(len(data)) {
		return nil, ErrNeedMoreData
	}
	raw := data[bodyStart:end]

	htype, n, err := readVint(raw, 0)
	if err != nil {
		return nil, err
	}
	flags, m, err := readVint(raw, n)
	if err != nil {
		return nil, err
	}
	off := n + m

	if flags&rar5HeaderFlagExtra != 0 {
		_, k, err := readVint(raw, off)
		if err != nil {
			return nil, err
		}
		off += k
	}
	var dataSize uint64
	if flags&rar5HeaderFlagData != 0 {
		var k int
		dataSize, k, err = readVint(raw, off)
		if err != nil {
			return nil, err
		}
		off += k
	}

	return &rar5Header{
		htype:    htype,
		flags:    flags,
		dataSize: int64(dataSize),
		body:     raw[off:],
		end:      end,
	}, nil
}

func parseRar5FileHeader(header *rar5Header) (*FileEntry, error) {
	body := header.body
	off := 0

	fileFlags, n, err := readVint(body, off)
	if err != nil {
		return nil, err
	}
	off += n

	unpackedSize, n, err := readVint(body, off)
	if err != nil {
		return nil, err
	}
	off += n

	attributes, n, err := readVint(body, off)
	if err != nil {
		return nil, err
	}
	off += n

	entry := &FileEntry{
		Size:           int64(unpackedSize),
		CompressedSize: header.dataSize,
		Attributes:     uint32(attributes),

		ContinuedFromPrev: header.flags&rar5HeaderFlagSplitBefore != 0,
		ContinuedToNext:   header.flags&rar5HeaderFlagSplitAfter != 0,
	}

	if fileFlags&rar5FileFlagMtime != 0 {
		if off+4 > len(body) {
			return nil, fmt.Errorf("%w: truncated mtime", ErrMalformedHeader)
		}
		entry.ModTime = time.Unix(int64(binary.LittleEndian.Uint32(body[off:off+4])), 0).UTC()
		off += 4
	}
	if fileFlags&rar5FileFlagCRC32 != 0 {
		if off+4 > len(body) {
			return nil, fmt.Errorf("%w: truncated crc32", ErrMalformedHeader)
		}
		entry.CRC32 = binary.LittleEndian.Uint32(body[off : off+4])
		entry.HasCRC32 = true
		off += 4
	}

	compressionInfo, n, err := readVint(body, off)
	if err != nil {
		return nil, err
	}
	off += n
	entry.Method = byte(compressionInfo & 0x3F)

	// hostOS
	_, n, err = readVint(body, off)
	if err != nil {
		return nil, err
	}
	off += n

	nameLength, n, err := readVint(body, off)
	if err != nil {
		return nil, err
	}
	off += n
	if off+int(nameLength) > len(body) {
		return nil, fmt.Errorf("%w: name extends past header", ErrMalformedHeader)
	}
	entry.Name = string(body[off : off+int(nameLength)])
	return entry, nil
}

// readVint decodes a RAR5 variable-length integer: little-endian 7-bit
// groups with continuation bit 0x80.
func readVint(data []byte, pos int) (uint64, int, error) {
	var value uint64
	for i := 0; i < 10; i++ {
		if pos+i >= len(data) {
			return 0, 0, ErrNeedMoreData
		}
		b := data[pos+i]
		value |= uint64(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: vint too long", ErrMalformedHeader)
}

// dosTime converts an MS-DOS packed timestamp.
func dosTime(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Date(
		int(v>>25)+1980,
		time.Month((v>>21)&0x0F),
		int((v>>16)&0x1F),
		int((v>>11)&0x1F),
		int((v>>5)&0x3F),
		int((v&0x1F)*2),
		0, time.UTC,
	)
}
