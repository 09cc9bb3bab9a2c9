package nntp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stellarr/stellarr/internal/yenc"
)

// reapInterval is how often idle connections are swept across pools.
const reapInterval = 60 * time.Second

// Manager owns one pool per provider and routes article fetches across
// them in priority order.
type Manager struct {
	log *slog.Logger

	mu    sync.RWMutex
	pools []*Pool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager builds pools for the given providers, ordered by ascending
// Priority, and starts the idle-connection reaper.
func NewManager(providers []ServerConfig) *Manager {
	m := &Manager{
		log:  slog.Default().With("component", "nntp-manager"),
		stop: make(chan struct{}),
	}
	m.setProviders(providers)
	go m.reapLoop()
	return m
}

func (m *Manager) setProviders(providers []ServerConfig) {
	sorted := make([]ServerConfig, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	pools := make([]*Pool, 0, len(sorted))
	for _, cfg := range sorted {
		pools = append(pools, NewPool(cfg))
	}

	m.mu.Lock()
	old := m.pools
	m.pools = pools
	m.mu.Unlock()

	for _, p := range old {
		p.Close()
	}
}

// Reload replaces the provider set. In-flight operations finish on the
// old pools; new acquisitions see the new set immediately.
func (m *Manager) Reload(providers []ServerConfig) {
	m.log.Info("Reloading NNTP providers", "count", len(providers))
	m.setProviders(providers)
}

// Providers returns the labels of the configured providers in priority
// order.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	labels := make([]string, 0, len(m.pools))
	for _, p := range m.pools {
		labels = append(labels, p.Provider())
	}
	return labels
}

func (m *Manager) snapshot() []*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := make([]*Pool, len(m.pools))
	copy(pools, m.pools)
	return pools
}

// GetArticle fetches the raw body of the article from the first
// provider that has it, trying providers in priority order. When every
// provider fails, the per-provider errors are aggregated.
func (m *Manager) GetArticle(ctx context.Context, messageID string) ([]byte, error) {
	pools := m.snapshot()
	if len(pools) == 0 {
		return nil, errors.New("no NNTP providers configured")
	}

	attempts := make([]ProviderAttempt, 0, len(pools))
	for _, pool := range pools {
		body, err := m.fetchFromPool(ctx, pool, messageID)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempts = append(attempts, ProviderAttempt{Provider: pool.Provider(), Err: err})
		m.log.DebugContext(ctx, "Provider failed, trying next",
			"provider", pool.Provider(), "message_id", messageID, "error", err)
	}
	return nil, &ArticleNotFoundEverywhereError{MessageID: messageID, Attempts: attempts}
}

func (m *Manager) fetchFromPool(ctx context.Context, pool *Pool, messageID string) ([]byte, error) {
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	body, err := pc.Conn().Body(ctx, messageID)
	if err != nil {
		// Protocol-level misses keep the connection; socket failures
		// poison it.
		if errors.Is(err, ErrArticleNotFound) || errors.Is(err, ErrServiceUnavailable) {
			pool.Release(pc)
		} else {
			pool.Discard(pc)
		}
		return nil, err
	}
	pool.Release(pc)
	return body, nil
}

// GetDecodedArticle fetches an article body and yEnc-decodes it.
func (m *Manager) GetDecodedArticle(ctx context.Context, messageID string) (*yenc.Decoded, error) {
	body, err := m.GetArticle(ctx, messageID)
	if err != nil {
		return nil, err
	}
	decoded, err := yenc.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode article %s: %w", messageID, err)
	}
	return decoded, nil
}

// ArticleExists checks providers in priority order with STAT and
// short-circuits on the first positive answer.
func (m *Manager) ArticleExists(ctx context.Context, messageID string) (bool, error) {
	pools := m.snapshot()
	if len(pools) == 0 {
		return false, errors.New("no NNTP providers configured")
	}

	var lastErr error
	for _, pool := range pools {
		pc, err := pool.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		exists, err := pc.Conn().Stat(ctx, messageID)
		if err != nil {
			pool.Discard(pc)
			lastErr = err
			continue
		}
		pool.Release(pc)
		if exists {
			return true, nil
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// Stats reports occupancy per provider.
func (m *Manager) Stats() map[string]PoolStats {
	stats := make(map[string]PoolStats)
	for _, pool := range m.snapshot() {
		total, inUse, waiting := pool.Stats()
		stats[pool.Provider()] = PoolStats{Total: total, InUse: inUse, Waiting: waiting}
	}
	return stats
}

// PoolStats is a point-in-time view of one provider pool.
type PoolStats struct {
	Total   int `json:"total_connections"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, pool := range m.snapshot() {
				pool.CleanupIdle()
			}
		case <-m.stop:
			return
		}
	}
}

// Close stops the reaper and closes every pool.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()
	for _, pool := range pools {
		pool.Close()
	}
}
