// Package yenc decodes yEnc-encoded Usenet article bodies.
package yenc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedYenc indicates the body is not a valid yEnc document.
	ErrMalformedYenc = errors.New("malformed yEnc data")
)

// yEnc escape byte and decoding offsets.
const (
	escapeByte    = 0x3D // '='
	decodeOffset  = 42
	escapedOffset = 64
)

// Header represents a parsed =ybegin line, optionally merged with the
// =ypart line that follows it for multipart articles.
type Header struct {
	Part  int
	Total int
	Line  int
	Size  int64
	Name  string

	// Begin and End come from the =ypart line (1-based, inclusive).
	// Zero when the article is not multipart.
	Begin int64
	End   int64
}

// Trailer represents a parsed =yend line.
type Trailer struct {
	Size      int64
	Part      int
	CRC32     uint32
	HasCRC32  bool
	PartCRC32 uint32
	HasPCRC32 bool
}

// Decoded is the result of decoding one article body.
type Decoded struct {
	Header  Header
	Trailer Trailer
	Data    []byte
}

// header must appear within the first lines of the body, the trailer
// within the last ones. Anything else is treated as not-yEnc.
const (
	headerScanLines  = 10
	trailerScanLines = 5
)

// Decode decodes a complete yEnc article body. Line endings may be
// CRLF (raw article) or bare LF (bodies read through a dot-decoding
// reader). CRC values from the trailer are surfaced but not verified.
func Decode(body []byte) (*Decoded, error) {
	lines := splitLines(body)

	headerIdx := -1
	limit := min(headerScanLines, len(lines))
	for i := 0; i < limit; i++ {
		if bytes.HasPrefix(lines[i], []byte("=ybegin ")) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, fmt.Errorf("%w: no =ybegin in first %d lines", ErrMalformedYenc, headerScanLines)
	}

	header, err := parseHeaderLine(string(lines[headerIdx]))
	if err != nil {
		return nil, err
	}

	dataStart := headerIdx + 1
	if header.Part > 0 {
		if dataStart >= len(lines) || !bytes.HasPrefix(lines[dataStart], []byte("=ypart ")) {
			return nil, fmt.Errorf("%w: multipart article without =ypart line", ErrMalformedYenc)
		}
		if err := parsePartLine(string(lines[dataStart]), header); err != nil {
			return nil, err
		}
		dataStart++
	}

	trailerIdx := -1
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-trailerScanLines; i-- {
		if bytes.HasPrefix(lines[i], []byte("=yend ")) {
			trailerIdx = i
			break
		}
	}
	if trailerIdx < 0 || trailerIdx < dataStart {
		return nil, fmt.Errorf("%w: no =yend in last %d lines", ErrMalformedYenc, trailerScanLines)
	}

	trailer, err := parseTrailerLine(string(lines[trailerIdx]))
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, trailer.Size)
	for _, line := range lines[dataStart:trailerIdx] {
		data = decodeLine(data, line)
	}

	return &Decoded{Header: *header, Trailer: *trailer, Data: data}, nil
}

// ExtractHeader scans the first KiB of a body for a =ybegin line. It
// returns nil when none is found; only the header is parsed.
func ExtractHeader(body []byte) *Header {
	window := body
	if len(window) > 1024 {
		window = window[:1024]
	}
	for _, line := range splitLines(window) {
		if bytes.HasPrefix(line, []byte("=ybegin ")) {
			header, err := parseHeaderLine(string(line))
			if err != nil {
				return nil
			}
			return header
		}
	}
	return nil
}

// splitLines splits on LF and drops a trailing CR from each line, so
// CRLF and LF bodies parse identically.
func splitLines(body []byte) [][]byte {
	lines := bytes.Split(body, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimSuffix(line, []byte("\r"))
	}
	return lines
}

// decodeLine appends the decoded bytes of one data line to dst.
func decodeLine(dst []byte, line []byte) []byte {
	escaped := false
	for _, b := range line {
		switch {
		case b == '\r' || b == '\n':
			continue
		case escaped:
			dst = append(dst, b-escapedOffset-decodeOffset)
			escaped = false
		case b == escapeByte:
			escaped = true
		default:
			dst = append(dst, b-decodeOffset)
		}
	}
	return dst
}

func parseHeaderLine(line string) (*Header, error) {
	rest, ok := strings.CutPrefix(line, "=ybegin ")
	if !ok {
		return nil, fmt.Errorf("%w: bad =ybegin line", ErrMalformedYenc)
	}

	header := &Header{}

	// name= consumes the remainder of the line and may contain spaces
	// and further '=' characters.
	if idx := strings.Index(rest, "name="); idx >= 0 {
		header.Name = strings.TrimRight(rest[idx+len("name="):], "\r\n")
		rest = rest[:idx]
	}

	for _, field := range strings.Fields(rest) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case "part":
			header.Part = parseInt(value)
		case "total":
			header.Total = parseInt(value)
		case "line":
			header.Line = parseInt(value)
		case "size":
			header.Size = parseInt64(value)
		}
	}

	if header.Size <= 0 && header.Name == "" {
		return nil, fmt.Errorf("%w: =ybegin line carries no size or name", ErrMalformedYenc)
	}
	return header, nil
}

func parsePartLine(line string, header *Header) error {
	rest, ok := strings.CutPrefix(line, "=ypart ")
	if !ok {
		return fmt.Errorf("%w: bad =ypart line", ErrMalformedYenc)
	}
	for _, field := range strings.Fields(rest) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case "begin":
			header.Begin = parseInt64(value)
		case "end":
			header.End = parseInt64(value)
		}
	}
	if header.Begin <= 0 || header.End < header.Begin {
		return fmt.Errorf("%w: =ypart range %d-%d", ErrMalformedYenc, header.Begin, header.End)
	}
	return nil
}

func parseTrailerLine(line string) (*Trailer, error) {
	rest, ok := strings.CutPrefix(line, "=yend ")
	if !ok {
		return nil, fmt.Errorf("%w: bad =yend line", ErrMalformedYenc)
	}
	trailer := &Trailer{}
	for _, field := range strings.Fields(rest) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case "size":
			trailer.Size = parseInt64(value)
		case "part":
			trailer.Part = parseInt(value)
		case "crc32":
			if crc, err := strconv.ParseUint(strings.TrimSpace(value), 16, 32); err == nil {
				trailer.CRC32 = uint32(crc)
				trailer.HasCRC32 = true
			}
		case "pcrc32":
			if crc, err := strconv.ParseUint(strings.TrimSpace(value), 16, 32); err == nil {
				trailer.PartCRC32 = uint32(crc)
				trailer.HasPCRC32 = true
			}
		}
	}
	return trailer, nil
}

func parseInt(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
