package mounts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Store persists mount metadata.
type Store interface {
	Get(id string) (*MountInfo, error)
	List() ([]*MountInfo, error)
	Save(info *MountInfo) error
	Delete(id string) error
	// Touch bumps the last-access timestamp.
	Touch(id string) error
}

// FileStore keeps one JSON document per mount on an afero filesystem,
// fronted by an in-memory map. Backed by afero.NewMemMapFs it doubles
// as the in-memory store for tests.
type FileStore struct {
	fs  afero.Fs
	dir string

	mu    sync.RWMutex
	cache map[string]*MountInfo
}

// NewFileStore loads existing mount documents from dir.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mount dir: %w", err)
	}
	s := &FileStore{fs: fs, dir: dir, cache: make(map[string]*MountInfo)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("read mount dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read mount %s: %w", entry.Name(), err)
		}
		var info MountInfo
		if err := json.Unmarshal(data, &info); err != nil {
			// Skip unreadable documents rather than refusing to start.
			continue
		}
		s.cache[info.ID] = &info
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Get(id string) (*MountInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.cache[id]
	if !ok {
		return nil, ErrMountNotFound
	}
	copied := *info
	return &copied, nil
}

func (s *FileStore) List() ([]*MountInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MountInfo, 0, len(s.cache))
	for _, info := range s.cache {
		copied := *info
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) Save(info *MountInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mount %s: %w", info.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := afero.WriteFile(s.fs, s.path(info.ID), data, 0o644); err != nil {
		return fmt.Errorf("write mount %s: %w", info.ID, err)
	}
	copied := *info
	s.cache[info.ID] = &copied
	return nil
}

func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[id]; !ok {
		return ErrMountNotFound
	}
	delete(s.cache, id)
	if err := s.fs.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove mount %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Touch(id string) error {
	s.mu.Lock()
	info, ok := s.cache[id]
	if !ok {
		s.mu.Unlock()
		return ErrMountNotFound
	}
	info.LastAccessAt = time.Now().UTC()
	copied := *info
	s.mu.Unlock()

	// Persistence of the timestamp is best-effort.
	if data, err := json.MarshalIndent(&copied, "", "  "); err == nil {
		_ = afero.WriteFile(s.fs, s.path(id), data, 0o644)
	}
	return nil
}
