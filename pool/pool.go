// Package pool implements a bounded idle-connection pool for a single
// memcached server endpoint: a small idle queue plus a factory that
// creates a connection on demand whenever the queue is empty.
//
// Acquire never blocks: there is no hard cap on live connections, only
// on how many idle ones are kept warm between requests. A
// golang.org/x/sync/semaphore sized to the idle capacity is acquired and
// released alongside every checkout; it never gates Acquire, and no
// method of Pool reads it. Pressure reports the checked-out count.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultIdleCapacity is the default number of idle connections kept
// warm per server.
const DefaultIdleCapacity = 5

var (
	ErrClosedPool = fmt.Errorf("pool is closed")
	ErrNewFuncNil = fmt.Errorf("newFunc for pool is nil, can not create connection")
)

var _ ConnPool = (*Pool)(nil)

// ConnPool is the method set Pool provides. Pool is the only
// implementation; the memcached client holds *Pool values directly.
type ConnPool interface {
	Acquire() (any, error)
	Release(v any)
	Pop() (any, bool)
	Clear()
	Len() int
}

// Pool is a bounded idle queue of connections for one server, plus the
// factory used when the queue is empty.
type Pool struct {
	newConn   func() (any, error)
	closeConn func(any)

	store     chan any
	closed    chan struct{}
	closeOnce sync.Once
	maxIdle   int

	// outstanding counts connections currently checked out of the
	// pool, read by Pressure for metrics.
	outstanding atomic.Int64

	// gauge is a non-blocking semaphore exercised in lockstep with
	// outstanding. It never gates Acquire — TryAcquire simply fails
	// open once saturated — and nothing in this package reads it.
	gauge *semaphore.Weighted
}

// New creates a Pool with the given idle capacity. Panics if maxIdle
// is not positive: a pool with no idle capacity is a configuration
// error, not a runtime condition.
func New(maxIdle int, newFunc func() (any, error), closeFunc func(any)) *Pool {
	if maxIdle <= 0 {
		panic("invalid memcached pool idle capacity")
	}

	return &Pool{
		newConn:   newFunc,
		closeConn: closeFunc,
		store:     make(chan any, maxIdle),
		closed:    make(chan struct{}),
		maxIdle:   maxIdle,
		gauge:     semaphore.NewWeighted(int64(maxIdle)),
	}
}

// Len returns the number of idle connections currently held.
func (p *Pool) Len() int {
	return len(p.store)
}

// Acquire returns an idle connection if one is available, otherwise
// creates a new one via the factory. It never blocks.
func (p *Pool) Acquire() (any, error) {
	select {
	case v, ok := <-p.store:
		if !ok {
			return nil, ErrClosedPool
		}
		p.outstanding.Add(1)
		p.gauge.TryAcquire(1)
		return v, nil
	default:
	}

	if p.isClosed() {
		return nil, ErrClosedPool
	}
	if p.newConn == nil {
		return nil, ErrNewFuncNil
	}

	cn, err := p.newConn()
	if err != nil {
		return nil, err
	}
	p.outstanding.Add(1)
	p.gauge.TryAcquire(1)
	return cn, nil
}

// Pop returns an idle connection without creating one, for callers
// that want to drain warm connections without growing the pool.
func (p *Pool) Pop() (any, bool) {
	if p.isClosed() {
		return nil, false
	}
	select {
	case v, ok := <-p.store:
		return v, ok
	default:
		return nil, false
	}
}

// Release returns v to the idle queue. If the queue is already full
// or the pool is closed, v is discarded and closed via the pool's
// close function.
func (p *Pool) Release(v any) {
	p.releasePressure()
	if !p.isClosed() {
		select {
		case p.store <- v:
			return
		default:
		}
	}
	if p.closeConn != nil {
		p.closeConn(v)
	}
}

// Close discards v: releases its pressure accounting and runs the
// pool's close function on it.
func (p *Pool) Close(v any) {
	p.releasePressure()
	if p.closeConn != nil {
		p.closeConn(v)
	}
}

// Clear drops every idle connection, closing each via closeConn. It
// is the recovery primitive the stale-connection retry path uses:
// after a connection-closed error, every pool in the ring is Cleared
// before the failed operation is retried once.
func (p *Pool) Clear() {
	for {
		select {
		case v, ok := <-p.store:
			if !ok {
				return
			}
			if p.closeConn != nil {
				p.closeConn(v)
			}
		default:
			return
		}
	}
}

// Destroy clears the pool and marks it closed; further Acquire calls
// fail with ErrClosedPool. It is safe to call more than once, including
// concurrently.
func (p *Pool) Destroy() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.Clear()
}

// Pressure reports the number of connections currently checked out of
// the pool (acquired but not yet released or closed). It is a gauge
// for metrics, not an enforced limit.
func (p *Pool) Pressure() int64 {
	return p.outstanding.Load()
}

func (p *Pool) releasePressure() {
	if p.outstanding.Add(-1) < 0 {
		p.outstanding.Store(0)
	}
	defer func() {
		// Release can panic if called more times than TryAcquire
		// succeeded; the gauge is best-effort, so swallow rather than
		// take down a caller's goroutine over it.
		_ = recover()
	}()
	p.gauge.Release(1)
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
