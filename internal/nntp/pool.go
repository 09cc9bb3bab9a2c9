package nntp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AcquireTimeout bounds how long a caller waits for a free connection
// before the pool gives up.
const AcquireTimeout = 30 * time.Second

// IdleTimeout is how long a released connection may sit unused before
// CleanupIdle closes it.
const IdleTimeout = 60 * time.Second

// PooledConnection wraps a Connection with pool bookkeeping.
type PooledConnection struct {
	conn         *Connection
	inUse        bool
	lastUsed     time.Time
	requestCount int64
}

// Conn exposes the underlying connection for issuing commands.
func (p *PooledConnection) Conn() *Connection {
	return p.conn
}

// waiter is one blocked Acquire call. The pool hands a connection
// directly to the oldest waiter on release instead of returning it to
// the idle set, so waiters are served in FIFO order.
type waiter struct {
	ch chan *PooledConnection

	// err carries a failed replacement dial to the blocked Acquire.
	// It is written before ch is closed and read only after the
	// receive observes the close.
	err error
}

// Pool maintains up to MaxConnections lazily-dialed connections to one
// provider.
type Pool struct {
	cfg ServerConfig
	log *slog.Logger

	mu      sync.Mutex
	conns   []*PooledConnection
	waiters []*waiter
	closed  bool
}

// NewPool creates an empty pool. Connections are dialed on demand by
// Acquire, never ahead of time.
func NewPool(cfg ServerConfig) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	return &Pool{
		cfg: cfg,
		log: slog.Default().With("component", "nntp-pool", "provider", cfg.Label()),
	}
}

// Provider returns the label of the provider this pool serves.
func (p *Pool) Provider() string {
	return p.cfg.Label()
}

// Acquire returns an exclusive connection, reusing an idle one, dialing
// a new one while under the limit, or waiting up to AcquireTimeout for
// a release.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reuse the most recently used idle connection; stale ones are left
	// for CleanupIdle.
	if pc := p.takeIdleLocked(); pc != nil {
		p.mu.Unlock()
		return pc, nil
	}

	if len(p.conns) < p.cfg.MaxConnections {
		pc := &PooledConnection{inUse: true, lastUsed: time.Now()}
		p.conns = append(p.conns, pc)
		p.mu.Unlock()

		conn, err := Connect(ctx, p.cfg)
		if err != nil {
			p.remove(pc)
			return nil, err
		}
		pc.conn = conn
		pc.requestCount++
		return pc, nil
	}

	w := &waiter{ch: make(chan *PooledConnection, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case pc, ok := <-w.ch:
		if !ok {
			if w.err != nil {
				return nil, w.err
			}
			return nil, ErrPoolClosed
		}
		return pc, nil
	case <-timer.C:
		p.abandonWaiter(w)
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool. Broken connections are
// discarded; healthy ones go straight to the oldest waiter if any.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}
	if pc.conn == nil || !pc.conn.IsReady() {
		p.Discard(pc)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.conn.Close()
		return
	}
	pc.lastUsed = time.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.requestCount++
		p.mu.Unlock()
		w.ch <- pc
		return
	}

	pc.inUse = false
	p.mu.Unlock()
}

// Discard closes a connection and frees its pool slot, allowing a
// replacement dial. A pending waiter is woken with a fresh slot.
func (p *Pool) Discard(pc *PooledConnection) {
	if pc == nil {
		return
	}
	if pc.conn != nil {
		pc.conn.Close()
	}
	p.remove(pc)
}

func (p *Pool) remove(pc *PooledConnection) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	var w *waiter
	if len(p.waiters) > 0 && len(p.conns) < p.cfg.MaxConnections {
		w = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()

	// The freed slot goes to the oldest waiter, which must dial its own
	// replacement connection.
	if w != nil {
		go p.dialForWaiter(w)
	}
}

func (p *Pool) dialForWaiter(w *waiter) {
	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()

	pc, err := p.Acquire(ctx)
	if err != nil {
		w.err = err
		close(w.ch)
		return
	}
	w.ch <- pc
}

func (p *Pool) takeIdleLocked() *PooledConnection {
	var best *PooledConnection
	for _, pc := range p.conns {
		if pc.inUse || pc.conn == nil {
			continue
		}
		if best == nil || pc.lastUsed.After(best.lastUsed) {
			best = pc
		}
	}
	if best != nil {
		best.inUse = true
		best.lastUsed = time.Now()
		best.requestCount++
	}
	return best
}

func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// The waiter was already served between timeout and removal; put the
	// handed-off connection back.
	select {
	case pc, ok := <-w.ch:
		if ok {
			p.Release(pc)
		}
	default:
	}
}

// CleanupIdle closes connections that have been idle longer than
// IdleTimeout and reports how many were closed.
func (p *Pool) CleanupIdle() int {
	cutoff := time.Now().Add(-IdleTimeout)

	p.mu.Lock()
	var stale []*PooledConnection
	kept := p.conns[:0]
	for _, pc := range p.conns {
		if !pc.inUse && pc.conn != nil && pc.lastUsed.Before(cutoff) {
			stale = append(stale, pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.conns = kept
	p.mu.Unlock()

	for _, pc := range stale {
		pc.conn.Quit()
	}
	if len(stale) > 0 {
		p.log.Debug("Closed idle connections", "count", len(stale))
	}
	return len(stale)
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() (total, inUse, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = len(p.conns)
	for _, pc := range p.conns {
		if pc.inUse {
			inUse++
		}
	}
	return total, inUse, len(p.waiters)
}

// Close shuts the pool down: waiters are rejected and every connection
// is closed, including ones currently checked out.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, pc := range conns {
		if pc.conn != nil {
			pc.conn.Close()
		}
	}
}
