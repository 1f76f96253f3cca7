// Package pool manages reusable handles to the durable cache store.
//
// A handle is owned exclusively by the caller that acquired it until it is
// released. The idle list is bounded (MaxIdle); handles returned while the
// idle list is full are closed instead of pooled. Creation of new handles is
// unbounded unless MaxOpen is set.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMaxIdle is the idle list size used when Config.MaxIdle is zero.
const DefaultMaxIdle = 10

var (
	// ErrUnavailable indicates the underlying store could not be reached.
	ErrUnavailable = errors.New("store connection unavailable")

	// ErrClosed is returned by Acquire after the pool has been closed.
	ErrClosed = errors.New("pool closed")
)

// Prometheus metrics for pool operations.
var (
	poolDialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agro_pool_dials_total",
		Help: "Total number of store connection dials by result",
	}, []string{"pool", "result"})

	poolClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agro_pool_closes_total",
		Help: "Total number of store connections closed by reason",
	}, []string{"pool", "reason"})
)

// ConnectionError wraps a failure to obtain a store handle.
type ConnectionError struct {
	Pool string
	Err  error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pool %s: %v: %v", e.Pool, ErrUnavailable, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports ErrUnavailable as a match so callers can test the condition
// without knowing the driver error.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrUnavailable
}

// Config holds pool configuration.
type Config[C any] struct {
	// Name labels metrics and errors (e.g. "postgres", "redis").
	Name string

	// MaxIdle is the maximum number of idle handles kept for reuse.
	MaxIdle int

	// MaxOpen caps simultaneously open handles. Zero leaves creation unbounded.
	MaxOpen int

	// Dial opens a new handle.
	Dial func(ctx context.Context) (C, error)

	// Close releases a handle's resources.
	Close func(c C) error
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle   int   `json:"idle"`
	InUse  int   `json:"in_use"`
	Dialed int64 `json:"dialed"`
	Closed int64 `json:"closed"`
}

// Pool is a bounded idle list of store handles.
type Pool[C any] struct {
	cfg Config[C]

	mu     sync.Mutex
	idle   []C
	inUse  int
	dialed int64
	closed int64
	done   bool

	// slots is nil when MaxOpen is zero.
	slots chan struct{}
}

// New creates a pool. Dial and Close are required.
func New[C any](cfg Config[C]) (*Pool[C], error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("pool dial function is required")
	}
	if cfg.Close == nil {
		return nil, fmt.Errorf("pool close function is required")
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	p := &Pool[C]{
		cfg:  cfg,
		idle: make([]C, 0, cfg.MaxIdle),
	}
	if cfg.MaxOpen > 0 {
		p.slots = make(chan struct{}, cfg.MaxOpen)
	}
	return p, nil
}

// Acquire returns an idle handle if one is available, otherwise dials a new one.
// Dialing happens outside the pool lock.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C

	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return zero, &ConnectionError{Pool: p.cfg.Name, Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		p.freeSlot()
		return zero, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.cfg.Dial(ctx)
	if err != nil {
		poolDialsTotal.WithLabelValues(p.cfg.Name, "error").Inc()
		p.freeSlot()
		return zero, &ConnectionError{Pool: p.cfg.Name, Err: err}
	}
	poolDialsTotal.WithLabelValues(p.cfg.Name, "ok").Inc()

	p.mu.Lock()
	p.dialed++
	p.inUse++
	p.mu.Unlock()

	return c, nil
}

// Release hands a handle back. It is pooled while the idle list is below
// MaxIdle and closed otherwise.
func (p *Pool[C]) Release(c C) {
	p.mu.Lock()
	p.inUse--
	if !p.done && len(p.idle) < p.cfg.MaxIdle {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		p.freeSlot()
		return
	}
	p.mu.Unlock()

	p.closeHandle(c, "overflow")
	p.freeSlot()
}

// Discard closes a handle that must not be reused.
func (p *Pool[C]) Discard(c C) {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()

	p.closeHandle(c, "discard")
	p.freeSlot()
}

// With runs fn with an acquired handle and returns it afterwards. When fn
// reports a connection-level failure (errors.Is ErrUnavailable) the handle
// is discarded.
func (p *Pool[C]) With(ctx context.Context, fn func(C) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(c)
	if errors.Is(err, ErrUnavailable) {
		p.Discard(c)
		return err
	}
	p.Release(c)
	return err
}

// Close closes every idle handle. Handles still checked out are closed when
// released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil
	}
	p.done = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := p.closeHandle(c, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the current pool counters.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:   len(p.idle),
		InUse:  p.inUse,
		Dialed: p.dialed,
		Closed: p.closed,
	}
}

// Name returns the configured pool name.
func (p *Pool[C]) Name() string {
	return p.cfg.Name
}

func (p *Pool[C]) closeHandle(c C, reason string) error {
	poolClosesTotal.WithLabelValues(p.cfg.Name, reason).Inc()

	p.mu.Lock()
	p.closed++
	p.mu.Unlock()

	if err := p.cfg.Close(c); err != nil {
		return fmt.Errorf("close %s connection: %w", p.cfg.Name, err)
	}
	return nil
}

func (p *Pool[C]) freeSlot() {
	if p.slots != nil {
		<-p.slots
	}
}
