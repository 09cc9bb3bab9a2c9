package api

import (
	"errors"
	"net/http"

	"github.com/stellarr/stellarr/internal/iptv"
)

// handleLiveChannel proxies GET/HEAD /livetv/stream/{account}/{channel}
func (s *Server) handleLiveChannel(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	channel := r.PathValue("channel")
	if err := s.livetv.ServeChannel(w, r, account, channel); err != nil {
		s.writeLiveError(w, r, err)
	}
}

// handleLiveSegment proxies segments and sub-manifests below a channel
func (s *Server) handleLiveSegment(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	channel := r.PathValue("channel")
	component := r.PathValue("path")
	if err := s.livetv.ServeSegment(w, r, account, channel, component); err != nil {
		s.writeLiveError(w, r, err)
	}
}

func (s *Server) writeLiveError(w http.ResponseWriter, r *http.Request, err error) {
	var portalErr *iptv.PortalError
	switch {
	case errors.Is(err, iptv.ErrAccountNotFound):
		WriteNotFound(w, "Live TV account not found", err.Error())
	case errors.Is(err, iptv.ErrSessionExpired):
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, "Portal session expired", err.Error())
	case errors.As(err, &portalErr):
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, "Portal request failed", portalErr.Message)
	default:
		s.logger.ErrorContext(r.Context(), "Live TV proxy failed", "error", err, "path", r.URL.Path)
		WriteError(w, http.StatusBadGateway, ErrCodeUpstream, "Upstream fetch failed", err.Error())
	}
}
