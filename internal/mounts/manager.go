package mounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarr/stellarr/internal/nzb"
	"github.com/stellarr/stellarr/internal/rarchive"
	"github.com/stellarr/stellarr/internal/streamer"
)

// maxHeaderSegments caps how many segments per volume are fetched while
// looking for the archive headers.
const maxHeaderSegments = 8

// Manager creates and resolves mounts. Parsed NZBs live only in
// memory; the store persists the metadata.
type Manager struct {
	store   Store
	fetcher streamer.SegmentFetcher
	log     *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*Mount
	byHash map[string]string
}

// NewManager builds a manager over a store. Mounts persisted by an
// earlier run surface in List but need re-creation to stream again.
func NewManager(store Store, fetcher streamer.SegmentFetcher) *Manager {
	return &Manager{
		store:   store,
		fetcher: fetcher,
		log:     slog.Default().With("component", "mounts"),
		byID:    make(map[string]*Mount),
		byHash:  make(map[string]string),
	}
}

// Create parses the NZB, analyses any RAR volumes and registers the
// mount. Archives that cannot be streamed fail with a
// rarchive.NotStreamableError and are recorded in error state.
func (m *Manager) Create(ctx context.Context, nzbData []byte) (*Mount, error) {
	parsed, err := nzb.Parse(nzbData)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	existingID, exists := m.byHash[parsed.Hash]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: id %s", ErrMountExists, existingID)
	}

	now := time.Now().UTC()
	mount := &Mount{
		Info: MountInfo{
			ID:           uuid.NewString(),
			NzbHash:      parsed.Hash,
			Name:         mountName(parsed),
			Status:       StatusPending,
			CreatedAt:    now,
			LastAccessAt: now,
		},
		Parsed: parsed,
	}

	media, err := m.buildMediaFiles(ctx, parsed)
	if err != nil {
		mount.Info.Status = StatusError
		mount.Info.Error = err.Error()
		if saveErr := m.store.Save(&mount.Info); saveErr != nil {
			m.log.ErrorContext(ctx, "Failed to persist errored mount", "mount_id", mount.Info.ID, "error", saveErr)
		}
		m.register(mount)
		return nil, err
	}

	mount.Info.MediaFiles = media
	for _, f := range media {
		mount.Info.TotalSize += f.Size
	}
	mount.Info.Status = StatusReady

	if err := m.store.Save(&mount.Info); err != nil {
		return nil, err
	}
	m.register(mount)
	m.log.InfoContext(ctx, "Mount created",
		"mount_id", mount.Info.ID, "name", mount.Info.Name,
		"media_files", len(media), "total_size", mount.Info.TotalSize)
	return mount, nil
}

func (m *Manager) register(mount *Mount) {
	m.mu.Lock()
	m.byID[mount.Info.ID] = mount
	m.byHash[mount.Info.NzbHash] = mount.Info.ID
	m.mu.Unlock()
}

// buildMediaFiles maps plain media files directly and assembles RAR
// volume sets into logical entries.
func (m *Manager) buildMediaFiles(ctx context.Context, parsed *nzb.Parsed) ([]MediaFile, error) {
	var media []MediaFile
	var rarFiles []nzb.File
	for _, f := range parsed.MediaFiles {
		if f.IsRar {
			rarFiles = append(rarFiles, f)
			continue
		}
		media = append(media, MediaFile{
			Name:         f.Name,
			Size:         f.Size,
			NzbFileIndex: f.Index,
		})
	}
	if len(rarFiles) == 0 {
		return media, nil
	}

	volumes, err := m.analyseVolumes(ctx, rarFiles)
	if err != nil {
		return nil, err
	}
	assembled, err := rarchive.Assemble(volumes)
	if err != nil {
		return nil, err
	}
	for _, af := range assembled {
		if !nzb.IsMediaFile(af.Name) {
			continue
		}
		media = append(media, MediaFile{
			Name:      af.Name,
			Size:      af.Size,
			IsRar:     true,
			Assembled: af,
		})
	}
	return media, nil
}

// analyseVolumes fetches each volume's leading segments until its
// headers parse, gating on streamability as soon as it is decidable.
func (m *Manager) analyseVolumes(ctx context.Context, rarFiles []nzb.File) ([]rarchive.VolumeInfo, error) {
	var volumes []rarchive.VolumeInfo
	for _, file := range rarFiles {
		info, err := m.parseVolumeHeaders(ctx, &file)
		if err != nil {
			return nil, fmt.Errorf("volume %q: %w", file.Name, err)
		}
		if ok, reason := rarchive.CanStream(info); !ok {
			return nil, &rarchive.NotStreamableError{Reason: reason}
		}
		volumes = append(volumes, rarchive.VolumeInfo{
			NzbFileIndex: file.Index,
			PartNumber:   file.RarPartNumber,
			Info:         info,
		})
	}
	return volumes, nil
}

// parseVolumeHeaders accumulates decoded segments until the header
// parser stops asking for more data.
func (m *Manager) parseVolumeHeaders(ctx context.Context, file *nzb.File) (*rarchive.ArchiveInfo, error) {
	var prefix []byte
	for i := 0; i < len(file.Segments) && i < maxHeaderSegments; i++ {
		decoded, err := m.fetcher.GetDecodedArticle(ctx, file.Segments[i].MessageID)
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, decoded.Data...)

		info, err := rarchive.ParseHeaders(prefix)
		if errors.Is(err, rarchive.ErrNeedMoreData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(info.Files) == 0 && !info.HasEncryptedHeaders && i+1 < len(file.Segments) && i+1 < maxHeaderSegments {
			// Headers parsed so far carry no entries; read further.
			continue
		}
		return info, nil
	}
	return nil, fmt.Errorf("%w after %d segments", rarchive.ErrNeedMoreData, maxHeaderSegments)
}

// Get resolves a mount and bumps its access time. The access time
// lives in the store; the in-memory mount is shared between concurrent
// streams and stays unmodified after publication.
func (m *Manager) Get(id string) (*Mount, error) {
	m.mu.RLock()
	mount, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMountNotFound
	}
	_ = m.store.Touch(id)
	return mount, nil
}

// List returns persisted mount metadata ordered by creation time.
func (m *Manager) List() ([]*MountInfo, error) {
	return m.store.List()
}

// Delete removes a mount from the store and the runtime set.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if mount, ok := m.byID[id]; ok {
		delete(m.byHash, mount.Info.NzbHash)
		delete(m.byID, id)
	}
	m.mu.Unlock()
	return m.store.Delete(id)
}

// mountName picks the most representative name for a mount.
func mountName(parsed *nzb.Parsed) string {
	if len(parsed.MediaFiles) > 0 {
		return parsed.MediaFiles[0].Name
	}
	if len(parsed.Files) > 0 {
		return parsed.Files[0].Name
	}
	return parsed.Hash[:12]
}
