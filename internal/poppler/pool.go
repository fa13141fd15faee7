package poppler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("converter pool closed")

// Pool bounds the number of pdftohtml processes running at once.
// A nil *Pool is valid and never blocks.
type Pool struct {
	mu     sync.Mutex
	sem    chan struct{}
	closed bool

	completed atomic.Int64
	failed    atomic.Int64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Enabled   bool  `json:"enabled"`
	Capacity  int   `json:"capacity"`
	Idle      int   `json:"idle"`
	InUse     int   `json:"in_use"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// NewPool returns a pool with size slots, or nil when size is not positive.
func NewPool(size int) *Pool {
	if size <= 0 {
		return nil
	}
	p := &Pool{sem: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.sem <- struct{}{}
	}
	return p
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	select {
	case <-p.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot and records the outcome of the conversion it ran.
func (p *Pool) Release(err error) {
	if p == nil {
		return
	}
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	select {
	case p.sem <- struct{}{}:
	default:
	}
}

// Close rejects further Acquire calls. It is idempotent.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Stats reports capacity and usage.
func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	capacity := cap(p.sem)
	idle := len(p.sem)
	return Stats{
		Enabled:   !closed,
		Capacity:  capacity,
		Idle:      idle,
		InUse:     capacity - idle,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Limit wraps c so every Convert call holds a slot of p.
func Limit(c Converter, p *Pool) Converter {
	if p == nil {
		return c
	}
	return &limited{next: c, pool: p}
}

type limited struct {
	next Converter
	pool *Pool
}

func (l *limited) Convert(ctx context.Context, inputPath string, opts Options) (string, error) {
	if err := l.pool.Acquire(ctx); err != nil {
		return "", err
	}
	out, err := l.next.Convert(ctx, inputPath, opts)
	l.pool.Release(err)
	return out, err
}
