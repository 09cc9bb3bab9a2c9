// Package nzb parses NZB documents and maps file byte offsets onto the
// Usenet segments that carry them.
package nzb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

// ErrInvalidNzb indicates the document is not a parseable NZB.
var ErrInvalidNzb = errors.New("invalid NZB document")

// Segment is one Usenet article of a file. Bytes is the NZB-declared
// wire size, an estimate of the decoded length.
type Segment struct {
	MessageID string
	Number    int
	Bytes     int64
}

// File is one file described by an NZB, with its segments ordered by
// segment number.
type File struct {
	Index         int
	Name          string
	Poster        string
	Date          int64
	Subject       string
	Groups        []string
	Segments      []Segment
	Size          int64
	IsRar         bool
	RarPartNumber int
}

// Parsed is the immutable result of parsing one NZB document.
type Parsed struct {
	Hash       string
	Files      []File
	MediaFiles []File
	TotalSize  int64
	Groups     []string
}

// xmlNzb mirrors the NZB 1.1 document shape.
type xmlNzb struct {
	XMLName xml.Name  `xml:"nzb"`
	Files   []xmlFile `xml:"file"`
}

type xmlFile struct {
	Subject  string       `xml:"subject,attr"`
	Poster   string       `xml:"poster,attr"`
	Date     int64        `xml:"date,attr"`
	Groups   []string     `xml:"groups>group"`
	Segments []xmlSegment `xml:"segments>segment"`
}

type xmlSegment struct {
	Bytes     int64  `xml:"bytes,attr"`
	Number    int    `xml:"number,attr"`
	MessageID string `xml:",chardata"`
}

var (
	quotedNameRe  = regexp.MustCompile(`"([^"]+)"`)
	yencSubjectRe = regexp.MustCompile(`yEnc\s*\(\d+/\d+\)\s*(.+?)(?:\s*\[|$)`)
	extensionRe   = regexp.MustCompile(`[^\s/\\]+\.[a-z0-9]{2,4}$`)
	rarPartRe     = regexp.MustCompile(`(?i)\.part(\d+)\.rar$`)
	rarRxxRe      = regexp.MustCompile(`(?i)\.r(\d{2})$`)
	rarNumericRe  = regexp.MustCompile(`\.(\d{3})$`)
	rarBareRe     = regexp.MustCompile(`(?i)\.rar$`)
	rarDetectRe   = regexp.MustCompile(`(?i)(\.part\d+\.rar|\.rar|\.r\d{2}|\.\d{3})$`)

	videoExts = extSet("mkv", "mp4", "avi", "mov", "wmv", "flv", "webm", "m4v", "mpg", "mpeg", "ts", "m2ts", "vob")
	audioExts = extSet("mp3", "flac", "aac", "ogg", "wav", "m4a", "wma")
)

func extSet(exts ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set["."+e] = struct{}{}
	}
	return set
}

// Parse decodes NZB XML and derives file names, sizes, RAR structure
// and media ordering. The document hash identifies the NZB in caches.
func Parse(data []byte) (*Parsed, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	decoder.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	}

	var doc xmlNzb
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNzb, err)
	}
	if len(doc.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrInvalidNzb)
	}

	sum := sha256.Sum256(data)
	parsed := &Parsed{Hash: hex.EncodeToString(sum[:])}

	groupSet := make(map[string]struct{})
	for _, xf := range doc.Files {
		file := File{
			Name:    ExtractFilename(xf.Subject),
			Poster:  xf.Poster,
			Date:    xf.Date,
			Subject: xf.Subject,
			Groups:  xf.Groups,
		}
		for _, g := range xf.Groups {
			groupSet[g] = struct{}{}
		}

		file.Segments = make([]Segment, 0, len(xf.Segments))
		for _, xs := range xf.Segments {
			file.Segments = append(file.Segments, Segment{
				MessageID: strings.TrimSpace(xs.MessageID),
				Number:    xs.Number,
				Bytes:     xs.Bytes,
			})
		}
		sort.Slice(file.Segments, func(i, j int) bool {
			return file.Segments[i].Number < file.Segments[j].Number
		})
		for _, s := range file.Segments {
			file.Size += s.Bytes
		}

		file.IsRar = IsRarFile(file.Name)
		if file.IsRar {
			file.RarPartNumber = RarPartNumber(file.Name)
		}

		parsed.Files = append(parsed.Files, file)
		parsed.TotalSize += file.Size
	}

	sort.Slice(parsed.Files, func(i, j int) bool {
		return parsed.Files[i].Name < parsed.Files[j].Name
	})
	for i := range parsed.Files {
		parsed.Files[i].Index = i
	}

	parsed.MediaFiles = selectMediaFiles(parsed.Files)

	parsed.Groups = make([]string, 0, len(groupSet))
	for g := range groupSet {
		parsed.Groups = append(parsed.Groups, g)
	}
	sort.Strings(parsed.Groups)

	return parsed, nil
}

// selectMediaFiles keeps media and RAR files, ordering plain media
// first by name and RAR volumes after them by part number.
func selectMediaFiles(files []File) []File {
	var media, rar []File
	for _, f := range files {
		switch {
		case f.IsRar:
			rar = append(rar, f)
		case IsMediaFile(f.Name):
			media = append(media, f)
		}
	}
	sort.Slice(media, func(i, j int) bool { return media[i].Name < media[j].Name })
	sort.SliceStable(rar, func(i, j int) bool { return rar[i].RarPartNumber < rar[j].RarPartNumber })
	return append(media, rar...)
}

// ExtractFilename recovers the filename from an NZB subject line. It
// tries, in order: a quoted substring, the token after a yEnc part
// marker, a trailing extension-bearing token, and finally the subject
// itself truncated to 100 characters.
func ExtractFilename(subject string) string {
	if m := quotedNameRe.FindStringSubmatch(subject); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := yencSubjectRe.FindStringSubmatch(subject); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := extensionRe.FindString(subject); m != "" {
		return m
	}
	if len(subject) > 100 {
		return subject[:100]
	}
	return subject
}

// IsRarFile reports whether the name looks like a RAR volume.
func IsRarFile(name string) bool {
	return rarDetectRe.MatchString(name)
}

// IsMediaFile reports whether the name carries a known video or audio
// extension.
func IsMediaFile(name string) bool {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return false
	}
	ext := strings.ToLower(name[idx:])
	if _, ok := videoExts[ext]; ok {
		return true
	}
	_, ok := audioExts[ext]
	return ok
}

// RarPartNumber derives the 1-based volume order from a volume name:
// .partN.rar carries N, old-style .rNN follows the leading .rar volume
// so it maps to NN+1, a bare numeric .NNN extension is used verbatim,
// and a bare .rar is volume 1.
func RarPartNumber(name string) int {
	if m := rarPartRe.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := rarRxxRe.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n + 1
	}
	if m := rarNumericRe.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if rarBareRe.MatchString(name) {
		return 1
	}
	return 0
}
