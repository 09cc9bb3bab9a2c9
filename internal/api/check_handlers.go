package api

import (
	"errors"
	"net/http"

	"github.com/stellarr/stellarr/internal/mounts"
	"github.com/stellarr/stellarr/internal/nzb"
)

// maxSampledSegments bounds the STAT probes per file: first, last and
// a spread of middle segments.
const maxSampledSegments = 8

// FileCheckResult reports sampled segment availability for one file
type FileCheckResult struct {
	Name            string   `json:"name"`
	SegmentsTotal   int      `json:"segments_total"`
	SegmentsChecked int      `json:"segments_checked"`
	Missing         []string `json:"missing,omitempty"`
}

// MountCheckResponse aggregates the per-file results
type MountCheckResponse struct {
	Complete bool              `json:"complete"`
	Files    []FileCheckResult `json:"files"`
}

// handleCheckMount probes sampled segments of every file in the mount
// against the providers.
func (s *Server) handleCheckMount(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		WriteError(w, http.StatusServiceUnavailable, ErrCodeUpstream, "No NNTP providers configured", "")
		return
	}

	mount, err := s.mounts.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, mounts.ErrMountNotFound) {
			WriteNotFound(w, "Mount not found", r.PathValue("id"))
			return
		}
		WriteInternalError(w, "Failed to load mount", err.Error())
		return
	}

	response := MountCheckResponse{Complete: true}
	for i := range mount.Parsed.Files {
		file := &mount.Parsed.Files[i]
		result := FileCheckResult{
			Name:          file.Name,
			SegmentsTotal: len(file.Segments),
		}
		for _, segment := range sampleSegments(file.Segments) {
			exists, err := s.providers.ArticleExists(r.Context(), segment.MessageID)
			if err != nil {
				WriteError(w, http.StatusBadGateway, ErrCodeUpstream, "Existence check failed", err.Error())
				return
			}
			result.SegmentsChecked++
			if !exists {
				result.Missing = append(result.Missing, segment.MessageID)
				response.Complete = false
			}
		}
		response.Files = append(response.Files, result)
	}
	WriteSuccess(w, response)
}

// sampleSegments picks the first, the last and an even spread of
// middle segments, at most maxSampledSegments in total.
func sampleSegments(segments []nzb.Segment) []nzb.Segment {
	if len(segments) <= maxSampledSegments {
		return segments
	}
	sampled := make([]nzb.Segment, 0, maxSampledSegments)
	step := float64(len(segments)-1) / float64(maxSampledSegments-1)
	prev := -1
	for i := 0; i < maxSampledSegments; i++ {
		idx := int(float64(i) * step)
		if i == maxSampledSegments-1 {
			idx = len(segments) - 1
		}
		if idx == prev {
			continue
		}
		prev = idx
		sampled = append(sampled, segments[idx])
	}
	return sampled
}
