// Package mounts manages NZB mounts: parsed NZBs bound to an ID, with
// RAR archives analysed and assembled at creation time.
package mounts

import (
	"errors"
	"time"

	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/rarchive"
)

var (
	// ErrMountNotFound indicates no mount exists under the ID.
	ErrMountNotFound = errors.New("mount not found")
	// ErrMountExists indicates a mount for the same NZB already exists.
	ErrMountExists = errors.New("mount already exists for this NZB")
)

// Status is the mount lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// MediaFile is one streamable entry of a mount: either a plain NZB
// file or an archive entry assembled across RAR volumes.
type MediaFile struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsRar bool   `json:"is_rar"`

	// NzbFileIndex locates the backing file for plain entries.
	NzbFileIndex int `json:"nzb_file_index"`

	// Assembled carries the span layout for RAR entries.
	Assembled *rarchive.AssembledFile `json:"assembled,omitempty"`
}

// MountInfo is the persisted description of one mount.
type MountInfo struct {
	ID           string      `json:"id"`
	NzbHash      string      `json:"nzb_hash"`
	Name         string      `json:"name"`
	Status       Status      `json:"status"`
	Error        string      `json:"error,omitempty"`
	MediaFiles   []MediaFile `json:"media_files"`
	TotalSize    int64       `json:"total_size"`
	CreatedAt    time.Time   `json:"created_at"`
	LastAccessAt time.Time   `json:"last_access_at"`
}

// Mount couples the persisted info with the parsed NZB it came from.
// The parsed document never hits the store; it is re-parsed or served
// from cache on restart.
type Mount struct {
	Info   MountInfo
	Parsed *nzb.Parsed
}

// NzbFileByIndex returns the parsed NZB file with the given index.
func (m *Mount) NzbFileByIndex(index int) *nzb.File {
	for i := range m.Parsed.Files {
		if m.Parsed.Files[i].Index == index {
			return &m.Parsed.Files[i]
		}
	}
	return nil
}
