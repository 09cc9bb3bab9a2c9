package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/stellarr/stellarr/internal/mounts"
	"github.com/stellarr/stellarr/internal/nntp"
	"github.com/stellarr/stellarr/internal/streamer"
	"github.com/stellarr/stellarr/internal/streamservice"
)

// handleStream serves GET/HEAD /stream/{mount}/{file} with HTTP range
// semantics over the Usenet-backed file.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	mountID := r.PathValue("mount")
	fileIndex, err := strconv.Atoi(r.PathValue("file"))
	if err != nil {
		WriteBadRequest(w, "File index must be an integer", r.PathValue("file"))
		return
	}

	result, err := s.streams.CreateStream(r.Context(), mountID, fileIndex, r.Header.Get("Range"))
	if err != nil {
		s.writeStreamError(w, err)
		return
	}
	defer result.Reader.Close()

	h := w.Header()
	h.Set("Content-Type", result.ContentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	if result.IsPartial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", result.StartByte, result.EndByte, result.TotalSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, result.Reader); err != nil {
		// Headers are gone; nothing to do but log. Client disconnects
		// land here as write errors.
		s.logger.DebugContext(r.Context(), "Stream copy ended early",
			"mount_id", mountID, "file_index", fileIndex, "error", err)
	}
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	var notReady *streamservice.MountNotReadyError
	switch {
	case errors.Is(err, mounts.ErrMountNotFound):
		WriteNotFound(w, "Mount not found", err.Error())
	case errors.Is(err, streamservice.ErrFileNotFound):
		WriteNotFound(w, "File not found in mount", err.Error())
	case errors.As(err, &notReady):
		WriteError(w, http.StatusConflict, ErrCodeNotReady, "Mount is not ready for streaming", notReady.Error())
	case errors.Is(err, streamer.ErrInvalidRange):
		WriteError(w, http.StatusRequestedRangeNotSatisfiable, ErrCodeRangeInvalid, "Requested range cannot be satisfied", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nntp.ErrPoolTimeout):
		WriteError(w, http.StatusGatewayTimeout, ErrCodeUpstreamSlow, "Upstream provider timed out", err.Error())
	case errors.Is(err, nntp.ErrArticleNotFound):
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, "Article not available on any provider", err.Error())
	default:
		s.logger.Error("Stream creation failed", "error", err)
		WriteInternalError(w, "Failed to create stream", err.Error())
	}
}
