package yenc

import (
	"bytes"
	"fmt"
	"hash/crc32"
)

// EncodeOptions controls article framing for Encode.
type EncodeOptions struct {
	Name     string
	LineLen  int
	Part     int   // 0 = single-part
	Total    int
	Begin    int64 // 1-based, inclusive; required when Part > 0
	FileSize int64 // total file size; required when Part > 0
}

// Encode produces a complete yEnc article body (header, data lines,
// trailer) for the given payload. It exists for the benefit of test
// fixtures and fake NNTP servers; the streaming path only decodes.
func Encode(data []byte, opts EncodeOptions) []byte {
	lineLen := opts.LineLen
	if lineLen <= 0 {
		lineLen = 128
	}

	var buf bytes.Buffer
	if opts.Part > 0 {
		fmt.Fprintf(&buf, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n",
			opts.Part, opts.Total, lineLen, opts.FileSize, opts.Name)
		fmt.Fprintf(&buf, "=ypart begin=%d end=%d\r\n", opts.Begin, opts.Begin+int64(len(data))-1)
	} else {
		fmt.Fprintf(&buf, "=ybegin line=%d size=%d name=%s\r\n", lineLen, len(data), opts.Name)
	}

	col := 0
	for _, b := range data {
		encoded := b + decodeOffset
		// NULL, CR, LF and the escape byte itself must be escaped.
		// Escaping '.' and tab/space guards column-1 corner cases
		// (dot-stuffing, trailing whitespace) the same way common
		// encoders do.
		critical := encoded == 0x00 || encoded == '\r' || encoded == '\n' || encoded == escapeByte
		if !critical && col == 0 && (encoded == '.' || encoded == '\t' || encoded == ' ') {
			critical = true
		}
		if critical {
			buf.WriteByte(escapeByte)
			buf.WriteByte(encoded + escapedOffset)
			col += 2
		} else {
			buf.WriteByte(encoded)
			col++
		}
		if col >= lineLen {
			buf.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		buf.WriteString("\r\n")
	}

	crc := crc32.ChecksumIEEE(data)
	if opts.Part > 0 {
		fmt.Fprintf(&buf, "=yend size=%d part=%d pcrc32=%08x\r\n", len(data), opts.Part, crc)
	} else {
		fmt.Fprintf(&buf, "=yend size=%d crc32=%08x\r\n", len(data), crc)
	}
	return buf.Bytes()
}
