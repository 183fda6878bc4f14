package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/someonegg/gox/syncx"
)

var ErrPoolClosed = errors.New("transport: connection pool closed")

// Factory dials a new transport for the pool.
type Factory func(ctx context.Context) (*ClientTransport, error)

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Size    int // configured upper bound
	Created int // live transports, idle or handed out
	Idle    int
}

// ConnPool keeps up to size transports to one remote address.
//
// A transport is handed out by Get and returned by Put right after the request bytes
// are written, so calls in flight are bounded by what the server answers, not by
// the pool size. Connections are created lazily and never exceed size.
//
// Pool design: the idle set is a buffered channel of capacity size, a natural FIFO
// queue that never blocks on Put since at most size transports exist.
type ConnPool struct {
	mu      sync.Mutex
	idle    chan *ClientTransport
	freed   chan struct{} // a slot was released by discarding a broken transport
	size    int
	created int
	closed  bool
	done    syncx.DoneChan
	factory Factory
}

func NewConnPool(size int, factory Factory) *ConnPool {
	if size < 1 {
		size = 1
	}
	return &ConnPool{
		idle:    make(chan *ClientTransport, size),
		freed:   make(chan struct{}, size),
		size:    size,
		done:    syncx.NewDoneChan(),
		factory: factory,
	}
}

// Get returns a usable transport.
// Strategy:
//  1. Take an idle transport, discarding any whose connection has died
//  2. If none is idle but the pool is under its limit, dial a new one
//  3. Otherwise block until one is returned, a slot frees up, or ctx ends
func (p *ConnPool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		select {
		case t := <-p.idle:
			if t.Closed() {
				p.discard()
				continue
			}
			return t, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.created < p.size {
			p.created++
			p.mu.Unlock()
			return p.createNew(ctx)
		}
		p.mu.Unlock()

		// At capacity, block until a transport is returned or a slot is freed
		select {
		case t := <-p.idle:
			if t.Closed() {
				p.discard()
				continue
			}
			return t, nil
		case <-p.freed:
		case <-p.done:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// createNew dials via the factory for a slot already reserved by the caller.
func (p *ConnPool) createNew(ctx context.Context) (*ClientTransport, error) {
	t, err := p.factory(ctx)
	if err != nil {
		p.discard()
		return nil, err
	}
	return t, nil
}

// Put returns a transport to the pool.
// A transport whose connection is broken is dropped and its slot freed.
func (p *ConnPool) Put(t *ClientTransport) {
	if t.Closed() {
		p.discard()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.created--
		t.Close()
		return
	}
	p.idle <- t
}

func (p *ConnPool) discard() {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Close shuts down the pool and closes all idle transports. Transports handed
// out at that moment are closed when they are Put back.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.done.SetDone()

	for {
		select {
		case t := <-p.idle:
			t.Close()
			p.created--
		default:
			return nil
		}
	}
}

func (p *ConnPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Size: p.size, Created: p.created, Idle: len(p.idle)}
}
