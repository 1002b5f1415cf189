// Package mqpool provides a client-side connection pool for a message-queue
// transport. Read, write and bulk traffic use three independently sized
// pools; idle connections are evicted after sustained quiescence, and the
// Dispatcher transparently replaces failed connections while retrying
// sends and receives.
package mqpool

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/go-mqpool/pool"
	"github.com/go-i2p/go-mqpool/transport"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Registry owns the read, write and bulk pools and the eviction timer that
// shrinks them. The pools are fully independent; traffic of one kind never
// contends with another.
type Registry struct {
	config *Config
	pools  [3]*pool.ConnPool

	// ctx is cancelled when the registry shuts down
	ctx    context.Context
	cancel context.CancelFunc

	// done is closed when the eviction loop has exited
	done chan struct{}

	// once ensures shutdown only happens once
	once sync.Once
}

// New validates cfg, primes the three pools concurrently and starts the
// eviction timer. The caller owns the registry and must Close it.
func New(ctx context.Context, cfg *Config, dialer transport.Dialer) (*Registry, error) {
	if cfg == nil || dialer == nil {
		return nil, oops.
			Code("INVALID_REGISTRY_ARGS").
			In("mqpool").
			Wrapf(ErrConfiguration, "config and dialer are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		config: cfg,
		done:   make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range pool.Kinds {
		g.Go(func() error {
			p, err := pool.NewConnPool(gctx, cfg.Pool(kind), dialer,
				pool.WithEvictionThreshold(cfg.OverMinimumThreshold))
			if err != nil {
				return err
			}
			r.pools[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.closePools()
		return nil, oops.
			Code("REGISTRY_INIT_FAILED").
			In("mqpool").
			Wrapf(err, "failed to initialize connection pools")
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	go r.evictionLoop(cfg.EvictionPeriod)

	log.WithFields(logrus.Fields{
		"eviction_period": cfg.EvictionPeriod.String(),
		"threshold":       cfg.OverMinimumThreshold,
	}).Info("connection pool registry initialized")
	return r, nil
}

// Config returns the registry configuration.
func (r *Registry) Config() *Config {
	return r.config
}

// Pool returns the pool of the given kind.
func (r *Registry) Pool(kind pool.Kind) (*pool.ConnPool, error) {
	for i, k := range pool.Kinds {
		if k == kind && r.pools[i] != nil {
			return r.pools[i], nil
		}
	}
	return nil, oops.
		Code("UNKNOWN_POOL").
		In("mqpool").
		With("kind", int(kind)).
		Errorf("no pool of kind %s", kind)
}

// Acquire checks out a connection of the given kind, blocking while that
// pool is saturated.
func (r *Registry) Acquire(ctx context.Context, kind pool.Kind) (*pool.PooledConn, error) {
	p, err := r.Pool(kind)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns conn to the pool it came from.
func (r *Registry) Release(conn *pool.PooledConn) {
	if conn == nil {
		return
	}
	p, err := r.Pool(conn.Kind())
	if err != nil {
		log.WithError(err).WithField("conn_id", conn.ID()).Error("cannot release connection")
		return
	}
	p.Release(conn)
}

// Dispose removes conn from its pool and releases its transport.
func (r *Registry) Dispose(conn *pool.PooledConn) {
	if conn == nil {
		return
	}
	p, err := r.Pool(conn.Kind())
	if err != nil {
		log.WithError(err).WithField("conn_id", conn.ID()).Warn("disposing connection of unknown pool")
		conn.Dispose()
		return
	}
	p.Remove(conn)
}

// Replace disposes conn and returns a fresh connection from the same pool.
// On failure conn is returned together with the error.
func (r *Registry) Replace(ctx context.Context, conn *pool.PooledConn) (*pool.PooledConn, error) {
	if conn == nil {
		return nil, oops.
			Code("NIL_CONNECTION").
			In("mqpool").
			Errorf("cannot replace nil connection")
	}
	p, err := r.Pool(conn.Kind())
	if err != nil {
		return conn, err
	}
	return p.Replace(ctx, conn)
}

// Evict runs one eviction cycle on every pool and returns how many
// connections each disposed.
func (r *Registry) Evict() map[pool.Kind]int {
	evicted := make(map[pool.Kind]int, len(r.pools))
	for i, p := range r.pools {
		evicted[pool.Kinds[i]] = p.Evict()
	}
	return evicted
}

// Stats returns statistics for every pool, in read, write, bulk order.
func (r *Registry) Stats() []pool.Stats {
	stats := make([]pool.Stats, 0, len(r.pools))
	for _, p := range r.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// evictionLoop fires Evict every period until the registry is closed.
func (r *Registry) evictionLoop(period time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Evict()
		}
	}
}

// Close stops the eviction timer and disposes every connection. Blocked
// acquirers fail with pool.ErrPoolClosed. Calling Close again has no effect.
func (r *Registry) Close() error {
	r.once.Do(func() {
		log.Info("shutting down connection pool registry")
		r.cancel()
		<-r.done
		r.closePools()
		log.Info("connection pool registry shut down")
	})
	return nil
}

func (r *Registry) closePools() {
	for _, p := range r.pools {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			log.WithError(err).WithField("kind", p.Kind().String()).Error("error closing pool")
		}
	}
}
