package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-mqpool/internal"
	"github.com/go-i2p/go-mqpool/transport"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// DefaultEvictionThreshold is the number of consecutive over-minimum
// eviction cycles a pool must see before it shrinks.
const DefaultEvictionThreshold = 3

// ConnPool manages the connections of one pool kind. Connections are either
// available (idle, ordered most idle first) or in use; the two sets are
// disjoint and together never exceed MaxSize. Connections being dialed hold
// a reserved slot counted in pending.
type ConnPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	config    *PoolConfig
	dialer    transport.Dialer
	available *idleHeap
	inUse     map[*PooledConn]struct{}
	pending   int
	closed    bool

	// overMinimumCycles counts consecutive eviction cycles that found more
	// than MinSize available connections
	overMinimumCycles int
	threshold         int

	nextID uint64

	// Metrics
	acquireCount  atomic.Uint64
	waitCount     atomic.Uint64
	createdCount  atomic.Uint64
	disposedCount atomic.Uint64
	replaceCount  atomic.Uint64
}

// Option customizes a ConnPool.
type Option func(*ConnPool)

// WithEvictionThreshold sets how many consecutive over-minimum eviction
// cycles are required before idle connections are disposed.
func WithEvictionThreshold(n int) Option {
	return func(p *ConnPool) {
		p.threshold = n
	}
}

// NewConnPool creates a pool for config and primes it with MinSize
// available connections.
func NewConnPool(ctx context.Context, config *PoolConfig, dialer transport.Dialer, opts ...Option) (*ConnPool, error) {
	if config == nil || dialer == nil {
		return nil, oops.
			Code("INVALID_POOL_ARGS").
			In("pool").
			Errorf("pool config and dialer are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &ConnPool{
		config:    config,
		dialer:    dialer,
		available: newIdleHeap(),
		inUse:     make(map[*PooledConn]struct{}),
		threshold: DefaultEvictionThreshold,
	}
	p.cond = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < config.MinSize; i++ {
		conn, err := p.open(ctx)
		if err != nil {
			p.Close()
			return nil, oops.
				Code("POOL_PRIME_FAILED").
				In("pool").
				With("kind", config.Kind.String()).
				With("primed", i).
				With("min_size", config.MinSize).
				Wrapf(err, "failed to prime %s pool", config.Kind)
		}
		p.mu.Lock()
		p.available.add(conn)
		p.mu.Unlock()
	}

	log.WithFields(logrus.Fields{
		"kind":     config.Kind.String(),
		"min_size": config.MinSize,
		"max_size": config.MaxSize,
	}).Info("connection pool created")

	return p, nil
}

// Kind returns the pool kind.
func (p *ConnPool) Kind() Kind {
	return p.config.Kind
}

// Config returns the pool configuration.
func (p *ConnPool) Config() *PoolConfig {
	return p.config
}

// open creates and initializes a new connection outside the pool lock.
func (p *ConnPool) open(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	conn := newPooledConn(id, p.config)
	if err := conn.open(ctx, p.dialer); err != nil {
		return nil, err
	}
	p.createdCount.Add(1)
	return conn, nil
}

// sizeLocked returns the number of live and reserved connections (caller must hold lock).
func (p *ConnPool) sizeLocked() int {
	return p.available.Len() + len(p.inUse) + p.pending
}

// Acquire checks out a connection. It takes the most idle available
// connection, otherwise creates one while the pool is below MaxSize,
// otherwise blocks until a connection is released. Cancelling ctx while
// blocked returns the context error and leaves the pool unchanged.
func (p *ConnPool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.acquireCount.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, p.closedError()
		}

		if err := ctx.Err(); err != nil {
			return nil, oops.
				Code("ACQUIRE_CANCELLED").
				In("pool").
				With("pool", p.stringLocked()).
				Wrapf(err, "interrupted waiting on %s pool", p.config.Kind)
		}

		if conn := p.available.popOldest(); conn != nil {
			p.inUse[conn] = struct{}{}
			log.WithField("pool", p.stringLocked()).Debug("acquired available connection")
			return conn, nil
		}

		if p.sizeLocked() < p.config.MaxSize {
			return p.createLocked(ctx)
		}

		p.waitCount.Add(1)
		log.WithField("pool", p.stringLocked()).Debug("pool empty, waiting for release")
		p.waitWithContext(ctx)
	}
}

// createLocked reserves a slot, dials outside the lock and moves the new
// connection to in-use (caller must hold lock).
func (p *ConnPool) createLocked(ctx context.Context) (*PooledConn, error) {
	p.pending++
	p.mu.Unlock()

	conn, err := p.open(ctx)

	p.mu.Lock()
	p.pending--

	if err != nil {
		p.cond.Signal()
		log.WithError(err).WithField("pool", p.stringLocked()).Warn("failed to create connection")
		return nil, err
	}

	if p.closed {
		p.disposedCount.Add(1)
		go conn.Dispose()
		return nil, p.closedError()
	}

	p.inUse[conn] = struct{}{}
	log.WithField("pool", p.stringLocked()).Debug("created new connection")
	return conn, nil
}

// waitWithContext waits for a condition signal or context cancellation.
func (p *ConnPool) waitWithContext(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	p.cond.Wait()
	close(done)
}

// Release returns conn to the available set and wakes one waiter. Releasing
// a disposed connection frees its slot instead of making it available.
func (p *ConnPool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, tracked := p.inUse[conn]
	delete(p.inUse, conn)

	switch {
	case p.available.contains(conn):
		log.WithField("conn_id", conn.ID()).Warn("connection released twice, ignoring")
		return

	case p.closed:
		p.disposedCount.Add(1)
		go conn.Dispose()
		return

	case conn.State() == internal.StateDisposed:
		log.WithFields(logrus.Fields{
			"conn_id": conn.ID(),
			"tracked": tracked,
		}).Warn("released connection already disposed, dropping")
		p.cond.Signal()
		return

	case !tracked && p.sizeLocked() >= p.config.MaxSize:
		log.WithField("conn_id", conn.ID()).Warn("released connection not tracked and pool is full, disposing")
		p.disposedCount.Add(1)
		go conn.Dispose()
		return

	case !tracked:
		log.WithField("conn_id", conn.ID()).Warn("released connection was not in use")
	}

	p.available.add(conn)
	p.cond.Signal()
	log.WithField("pool", p.stringLocked()).Debug("released connection to pool")
}

// Replace disposes conn and returns a fresh connection from the same pool
// carrying conn's last-activity time. A replaced in-use connection hands its
// slot to the replacement. On failure the error is logged and conn itself is
// returned along with the error.
func (p *ConnPool) Replace(ctx context.Context, conn *PooledConn) (*PooledConn, error) {
	if conn == nil {
		return p.Acquire(ctx)
	}

	prior := conn.LastActivity()

	p.mu.Lock()
	_, tracked := p.inUse[conn]
	delete(p.inUse, conn)
	p.available.remove(conn)
	if tracked {
		p.pending++
	}
	p.mu.Unlock()

	conn.Dispose()
	p.disposedCount.Add(1)

	var (
		fresh *PooledConn
		err   error
	)
	if tracked {
		fresh, err = p.fillReserved(ctx)
	} else {
		fresh, err = p.Acquire(ctx)
	}
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"conn_id": conn.ID(),
			"kind":    p.config.Kind.String(),
		}).Error("failed to replace connection")
		return conn, err
	}

	fresh.setLastActivity(prior)
	p.replaceCount.Add(1)

	log.WithFields(logrus.Fields{
		"old_conn_id": conn.ID(),
		"new_conn_id": fresh.ID(),
		"kind":        p.config.Kind.String(),
	}).Info("replaced connection")
	return fresh, nil
}

// fillReserved turns a reserved slot into an in-use connection, preferring
// an available connection over dialing a new one.
func (p *ConnPool) fillReserved(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.pending--
		p.cond.Broadcast()
		return nil, p.closedError()
	}

	if conn := p.available.popOldest(); conn != nil {
		p.pending--
		p.inUse[conn] = struct{}{}
		return conn, nil
	}

	// The reserved slot is handed to createLocked, which takes its own.
	p.pending--
	return p.createLocked(ctx)
}

// Remove takes conn out of the pool and disposes it.
func (p *ConnPool) Remove(conn *PooledConn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	_, tracked := p.inUse[conn]
	delete(p.inUse, conn)
	idle := p.available.remove(conn)
	if tracked || idle {
		p.cond.Signal()
	}
	p.mu.Unlock()

	conn.Dispose()
	p.disposedCount.Add(1)
}

// Evict runs one eviction cycle and returns the number of connections
// disposed. A pool must hold more than MinSize available connections for
// threshold consecutive cycles before it is shrunk back to MinSize in a
// single pass, so short bursts of demand do not cause churn.
func (p *ConnPool) Evict() int {
	p.mu.Lock()

	log.WithField("pool", p.stringLocked()).Debug("eviction timer expired")

	var victims []*PooledConn
	switch {
	case p.closed:
	case p.available.Len() <= p.config.MinSize:
		p.overMinimumCycles = 0
	default:
		p.overMinimumCycles++
		if p.overMinimumCycles >= p.threshold {
			for p.available.Len() > p.config.MinSize {
				victims = append(victims, p.available.popOldest())
			}
			p.overMinimumCycles = 0
			p.cond.Broadcast()
		}
	}
	p.mu.Unlock()

	for _, conn := range victims {
		log.WithFields(logrus.Fields{
			"conn_id":       conn.ID(),
			"kind":          p.config.Kind.String(),
			"last_activity": conn.LastActivity(),
		}).Debug("disposing of idle connection")
		conn.Dispose()
		p.disposedCount.Add(1)
	}

	if len(victims) > 0 {
		log.WithFields(logrus.Fields{
			"kind":    p.config.Kind.String(),
			"evicted": len(victims),
		}).Info("evicted idle connections")
	}
	return len(victims)
}

// Close disposes every connection and rejects further acquisitions.
// Blocked acquirers are woken and fail with ErrPoolClosed.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	conns := p.available.drain()
	for conn := range p.inUse {
		conns = append(conns, conn)
	}
	p.inUse = make(map[*PooledConn]struct{})
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Dispose()
		p.disposedCount.Add(1)
	}

	log.WithFields(logrus.Fields{
		"kind":     p.config.Kind.String(),
		"disposed": len(conns),
	}).Info("connection pool closed")
	return nil
}

func (p *ConnPool) closedError() error {
	return oops.
		Code("POOL_CLOSED").
		In("pool").
		With("kind", p.config.Kind.String()).
		Wrapf(ErrPoolClosed, "%s pool is closed", p.config.Kind)
}

// Stats describes the state of a pool at one instant.
type Stats struct {
	Kind              Kind
	MinSize           int
	MaxSize           int
	Available         int
	InUse             int
	Pending           int
	OverMinimumCycles int
	AcquireCount      uint64
	WaitCount         uint64
	CreatedCount      uint64
	DisposedCount     uint64
	ReplaceCount      uint64
	OldestIdle        time.Time
}

// Stats returns current pool statistics.
func (p *ConnPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Kind:              p.config.Kind,
		MinSize:           p.config.MinSize,
		MaxSize:           p.config.MaxSize,
		Available:         p.available.Len(),
		InUse:             len(p.inUse),
		Pending:           p.pending,
		OverMinimumCycles: p.overMinimumCycles,
		AcquireCount:      p.acquireCount.Load(),
		WaitCount:         p.waitCount.Load(),
		CreatedCount:      p.createdCount.Load(),
		DisposedCount:     p.disposedCount.Load(),
		ReplaceCount:      p.replaceCount.Load(),
	}
	if len(p.available.entries) > 0 {
		s.OldestIdle = p.available.entries[0].conn.LastActivity()
	}
	return s
}

// String summarizes the pool for logging.
func (p *ConnPool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stringLocked()
}

func (p *ConnPool) stringLocked() string {
	return fmt.Sprintf("pool type: %s, available: %d, in use: %d, over minimum count: %d",
		p.config.Kind, p.available.Len(), len(p.inUse), p.overMinimumCycles)
}
