package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/stellarr/stellarr/internal/mounts"
	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/rarchive"
)

// maxNzbBodySize caps POST /mounts request bodies at 100 MiB; NZB
// documents for very large posts stay well below this.
const maxNzbBodySize = 100 << 20

// handleCreateMount accepts an NZB document body and registers a mount
func (s *Server) handleCreateMount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNzbBodySize))
	if err != nil {
		WriteBadRequest(w, "Failed to read request body", err.Error())
		return
	}
	if len(body) == 0 {
		WriteBadRequest(w, "Request body must be an NZB document", "")
		return
	}

	mount, err := s.mounts.Create(r.Context(), body)
	if err != nil {
		s.writeMountError(w, err)
		return
	}
	WriteCreated(w, mount.Info)
}

func (s *Server) writeMountError(w http.ResponseWriter, err error) {
	var notStreamable *rarchive.NotStreamableError
	switch {
	case errors.Is(err, mounts.ErrMountExists):
		WriteError(w, http.StatusConflict, ErrCodeConflict, "Mount already exists for this NZB", err.Error())
	case errors.As(err, &notStreamable):
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeNotStreamable, "Archive cannot be streamed", notStreamable.Reason)
	case errors.Is(err, nzb.ErrInvalidNzb):
		WriteBadRequest(w, "Invalid NZB document", err.Error())
	default:
		s.logger.Error("Mount creation failed", "error", err)
		WriteInternalError(w, "Failed to create mount", err.Error())
	}
}

func (s *Server) handleListMounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.mounts.List()
	if err != nil {
		WriteInternalError(w, "Failed to list mounts", err.Error())
		return
	}
	WriteSuccess(w, list)
}

func (s *Server) handleGetMount(w http.ResponseWriter, r *http.Request) {
	mount, err := s.mounts.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, mounts.ErrMountNotFound) {
			WriteNotFound(w, "Mount not found", r.PathValue("id"))
			return
		}
		WriteInternalError(w, "Failed to load mount", err.Error())
		return
	}
	WriteSuccess(w, mount.Info)
}

func (s *Server) handleDeleteMount(w http.ResponseWriter, r *http.Request) {
	if err := s.mounts.Delete(r.PathValue("id")); err != nil {
		if errors.Is(err, mounts.ErrMountNotFound) {
			WriteNotFound(w, "Mount not found", r.PathValue("id"))
			return
		}
		WriteInternalError(w, "Failed to delete mount", err.Error())
		return
	}
	WriteNoContent(w)
}
