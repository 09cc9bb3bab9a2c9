// Package streamer turns an NZB file into an ordered byte stream with
// range support, prefetching segments ahead of the read position.
package streamer

import (
	"strconv"
	"strings"

	"github.com/stellarr/stellarr/internal/nzb"
)

// ParseRangeHeader parses an HTTP Range header against a known total
// size. Supported forms are bytes=S-E, bytes=S- and bytes=-N. A nil
// result means "serve the whole file": callers treat malformed and
// unsatisfiable headers the same way.
func ParseRangeHeader(header string, totalSize int64) *nzb.ByteRange {
	header = strings.TrimSpace(header)
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil
	}
	// Multiple ranges are not supported; serve full.
	if strings.Contains(spec, ",") {
		return nil
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return nil
	}

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil
		}
		if n > totalSize {
			n = totalSize
		}
		return &nzb.ByteRange{Start: totalSize - n, End: totalSize - 1}
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= totalSize {
		return nil
	}
	if endStr == "" {
		return &nzb.ByteRange{Start: start, End: -1}
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil
	}
	return &nzb.ByteRange{Start: start, End: end}
}
