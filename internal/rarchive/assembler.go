package rarchive

import "fmt"

// VolumeInfo pairs one volume's parsed headers with the NZB file that
// carries it. Volumes must be supplied in part-number order.
type VolumeInfo struct {
	// NzbFileIndex identifies the NZB file backing this volume.
	NzbFileIndex int
	PartNumber   int
	Info         *ArchiveInfo
}

// Span is a contiguous run of one assembled file inside one volume.
type Span struct {
	VolumeIndex  int
	NzbFileIndex int
	// VolumeOffset is where the run starts within the volume's decoded
	// byte stream.
	VolumeOffset int64
	// FileOffset is where the run starts within the assembled file.
	FileOffset int64
	Size       int64
}

// AssembledFile is one logical archive entry reassembled across
// volumes. Spans are ordered, contiguous and start at file offset 0.
type AssembledFile struct {
	Name        string
	Size        int64
	Method      byte
	IsEncrypted bool
	Spans       []Span
}

// Assemble walks volumes in order and stitches split entries back into
// logical files. An entry continues into the next volume when it is
// flagged continued-to-next and the next volume opens with an entry of
// the same name.
func Assemble(volumes []VolumeInfo) ([]*AssembledFile, error) {
	var files []*AssembledFile
	byName := make(map[string]*AssembledFile)
	prevVolumeContinues := false

	for volIdx, vol := range volumes {
		entries := vol.Info.Files
		for entryIdx, entry := range entries {
			current := byName[entry.Name]

			continuation := entryIdx == 0 && current != nil && current.openEnd() &&
				(entry.ContinuedFromPrev || prevVolumeContinues)
			if !continuation {
				if current != nil && current.openEnd() {
					return nil, fmt.Errorf("volume %d: entry %q restarts while previous run is unfinished", volIdx, entry.Name)
				}
				current = &AssembledFile{
					Name:        entry.Name,
					Size:        entry.Size,
					Method:      entry.Method,
					IsEncrypted: entry.IsEncrypted,
				}
				files = append(files, current)
				byName[entry.Name] = current
			}

			remaining := current.Size - current.assembled()
			size := entry.CompressedSize
			if size > remaining {
				size = remaining
			}
			if size < 0 {
				size = 0
			}
			current.Spans = append(current.Spans, Span{
				VolumeIndex:  volIdx,
				NzbFileIndex: vol.NzbFileIndex,
				VolumeOffset: entry.DataOffset,
				FileOffset:   current.assembled(),
				Size:         size,
			})
		}
		prevVolumeContinues = len(entries) > 0 && entries[len(entries)-1].ContinuedToNext
	}

	for _, f := range files {
		if got := f.assembled(); got != f.Size {
			return nil, fmt.Errorf("file %q: spans cover %d of %d bytes", f.Name, got, f.Size)
		}
	}
	return files, nil
}

// assembled is the number of bytes the spans cover so far.
func (f *AssembledFile) assembled() int64 {
	if len(f.Spans) == 0 {
		return 0
	}
	last := f.Spans[len(f.Spans)-1]
	return last.FileOffset + last.Size
}

func (f *AssembledFile) openEnd() bool {
	return f.assembled() < f.Size
}

// FindSpansForRange returns the ordered spans overlapping the
// inclusive logical range [start, end].
func (f *AssembledFile) FindSpansForRange(start, end int64) []Span {
	var overlapping []Span
	for _, span := range f.Spans {
		spanEnd := span.FileOffset + span.Size - 1
		if span.FileOffset > end || spanEnd < start {
			continue
		}
		overlapping = append(overlapping, span)
	}
	return overlapping
}
