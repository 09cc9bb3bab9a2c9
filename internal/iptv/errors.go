// Package iptv proxies Stalker-portal IPTV streams over HTTP, rewriting
// HLS manifests so every URL resolves through the local proxy.
package iptv

import (
	"errors"
	"fmt"
)

// ErrSessionExpired indicates the portal rejected the session twice in
// a row; the caller must surface the failure.
var ErrSessionExpired = errors.New("portal session expired")

// PortalError is a structured error message returned by the portal.
type PortalError struct {
	Message string
}

func (e *PortalError) Error() string {
	return fmt.Sprintf("portal error: %s", e.Message)
}
