// Package pool maintains bounded sets of reusable backend connections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/isometry/directoryd/internal/logging"
)

// ErrDial wraps the last error of a failed dial sequence.
var ErrDial = errors.New("pool: dial failed")

// Observer receives acquire timings, e.g. for metrics.
type Observer interface {
	AcquireWait(ctx context.Context, pool string, wait time.Duration)
	AcquireTimeout(ctx context.Context, pool string)
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	observer Observer
	now      func() time.Time
}

// WithObserver reports acquire timings to o.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

// entry is one live connection owned by the pool.
type entry[C any] struct {
	id       string
	value    C
	created  time.Time
	lastUsed time.Time
	verified time.Time
	state    atomic.Int32
}

func (e *entry[C]) State() State {
	return State(e.state.Load())
}

func (e *entry[C]) setState(s State) {
	e.state.Store(int32(s))
}

// Pool is a bounded connection pool. At most MaxConnections connections are
// in use at any time; further Acquire calls wait up to the acquire timeout.
type Pool[C any] struct {
	ctx     context.Context // logging context
	cfg     Config
	factory Factory[C]
	opts    options

	slots chan struct{}
	idle  chan *entry[C]

	mu     sync.RWMutex
	closed bool

	inUse     atomic.Int64
	created   atomic.Int64
	discarded atomic.Int64
	errs      atomic.Int64
	waits     atomic.Int64
	timeouts  atomic.Int64
	startTime time.Time

	healthStop chan struct{}
	healthWg   sync.WaitGroup
}

// New creates a pool. Connections are dialed on first demand.
func New[C any](ctx context.Context, cfg Config, factory Factory[C], opts ...Option) (*Pool[C], error) {
	if factory == nil {
		return nil, errors.New("pool: factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[C]{
		ctx:        ctx,
		cfg:        cfg,
		factory:    factory,
		opts:       o,
		slots:      make(chan struct{}, cfg.MaxConnections),
		idle:       make(chan *entry[C], cfg.MaxConnections),
		startTime:  o.now(),
		healthStop: make(chan struct{}),
	}

	if cfg.HealthCheckInterval > 0 {
		p.startHealthChecker()
	}

	logging.LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"pool":            cfg.Name,
		"max_connections": cfg.MaxConnections,
		"acquire_timeout": cfg.AcquireTimeout.String(),
	})

	return p, nil
}

// Name returns the pool name.
func (p *Pool[C]) Name() string {
	return p.cfg.Name
}

// Acquire returns a connection, waiting up to the configured acquire timeout.
func (p *Pool[C]) Acquire(ctx context.Context) (*Conn[C], error) {
	return p.AcquireTimeout(ctx, p.cfg.AcquireTimeout)
}

// AcquireTimeout returns a connection, waiting at most timeout for capacity.
// Only the calling goroutine blocks. The returned connection must be
// released exactly once with Conn.Release.
func (p *Pool[C]) AcquireTimeout(ctx context.Context, timeout time.Duration) (*Conn[C], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	start := p.opts.now()
	if err := p.takeSlot(ctx, timeout); err != nil {
		return nil, err
	}
	if p.opts.observer != nil {
		p.opts.observer.AcquireWait(ctx, p.cfg.Name, p.opts.now().Sub(start))
	}

	if p.isClosed() {
		<-p.slots
		return nil, ErrClosed
	}

	if e := p.takeIdle(); e != nil {
		return p.handOut(e), nil
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	e, err := p.dial(dctx)
	cancel()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return p.handOut(e), nil
}

func (p *Pool[C]) takeSlot(ctx context.Context, timeout time.Duration) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	p.waits.Add(1)
	logging.LogPoolEvent(p.ctx, "pool_exhausted", map[string]any{
		"pool":   p.cfg.Name,
		"in_use": p.inUse.Load(),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		p.timeouts.Add(1)
		if p.opts.observer != nil {
			p.opts.observer.AcquireTimeout(ctx, p.cfg.Name)
		}
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeIdle pops the first usable idle connection, discarding broken or
// expired ones on the way.
func (p *Pool[C]) takeIdle() *entry[C] {
	for {
		select {
		case e := <-p.idle:
			if p.usable(e) {
				return e
			}
			p.discard(e, "unusable")
		default:
			return nil
		}
	}
}

func (p *Pool[C]) usable(e *entry[C]) bool {
	if e.State() == StateBroken {
		return false
	}
	return p.opts.now().Sub(e.lastUsed) < p.cfg.MaxIdleTime
}

func (p *Pool[C]) handOut(e *entry[C]) *Conn[C] {
	e.setState(StateInUse)
	p.inUse.Add(1)
	logging.LogPoolEvent(p.ctx, "connection_acquired", map[string]any{
		"pool":       p.cfg.Name,
		"connection": e.id,
	})
	return &Conn[C]{pool: p, entry: e}
}

// dial creates a connection with exponential backoff between attempts.
// AcquireTimeout bounds the whole sequence through ctx.
func (p *Pool[C]) dial(ctx context.Context) (*entry[C], error) {
	var lastErr error
	backoff := p.cfg.InitialBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		value, err := p.factory.Dial(ctx)
		if err == nil {
			now := p.opts.now()
			e := &entry[C]{
				id:       uuid.NewString(),
				value:    value,
				created:  now,
				lastUsed: now,
				verified: now,
			}
			p.created.Add(1)
			logging.LogPoolEvent(p.ctx, "connection_created", map[string]any{
				"pool":       p.cfg.Name,
				"connection": e.id,
				"attempt":    attempt + 1,
			})
			return e, nil
		}

		lastErr = err
		p.errs.Add(1)
		logging.LogPoolEvent(p.ctx, "dial_failed", map[string]any{
			"pool":    p.cfg.Name,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})

		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrDial, ctx.Err())
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*p.cfg.BackoffFactor), p.cfg.MaxBackoff)
		}
	}

	logging.LogPoolEvent(p.ctx, "all_dials_failed", map[string]any{
		"pool":     p.cfg.Name,
		"attempts": p.cfg.MaxRetries + 1,
	})
	return nil, fmt.Errorf("%w: %w", ErrDial, lastErr)
}

// release returns e to the idle set, or discards it when broken or closed,
// and frees its capacity slot.
func (p *Pool[C]) release(e *entry[C]) {
	p.inUse.Add(-1)
	defer func() { <-p.slots }()

	if e.State() == StateBroken {
		p.discard(e, "broken")
		return
	}

	e.lastUsed = p.opts.now()
	e.setState(StateIdle)
	if !p.pushIdle(e) {
		return
	}
	logging.LogPoolEvent(p.ctx, "connection_released", map[string]any{
		"pool":       p.cfg.Name,
		"connection": e.id,
	})
}

// pushIdle puts e back into the idle set. When the pool is closed or the
// idle set is full, e is discarded outside the lock and false is returned.
func (p *Pool[C]) pushIdle(e *entry[C]) bool {
	reason := ""

	p.mu.RLock()
	if p.closed {
		reason = "pool_closed"
	} else {
		select {
		case p.idle <- e:
		default:
			reason = "idle_full"
		}
	}
	p.mu.RUnlock()

	if reason != "" {
		p.discard(e, reason)
		return false
	}
	return true
}

func (p *Pool[C]) discard(e *entry[C], reason string) {
	e.setState(StateBroken)
	p.discarded.Add(1)
	if err := p.factory.Close(e.value); err != nil {
		p.errs.Add(1)
	}
	logging.LogPoolEvent(p.ctx, "connection_discarded", map[string]any{
		"pool":       p.cfg.Name,
		"connection": e.id,
		"reason":     reason,
	})
}

func (p *Pool[C]) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// HealthCheck pings idle connections that have not been verified within the
// freshness threshold and marks failures Broken. Broken connections stay in
// the idle set until the next Acquire discards them. A connection being
// checked holds a capacity slot, so checks stop early when the pool is busy.
// It returns the number of connections marked Broken.
func (p *Pool[C]) HealthCheck(ctx context.Context) int {
	if p.isClosed() {
		return 0
	}

	broken := 0
	for range len(p.idle) {
		select {
		case p.slots <- struct{}{}:
		default:
			return broken
		}

		var e *entry[C]
		select {
		case e = <-p.idle:
		default:
		}
		if e == nil {
			<-p.slots
			return broken
		}

		if e.State() == StateIdle && p.opts.now().Sub(e.verified) >= p.cfg.FreshnessThreshold {
			if p.checkAlive(ctx, e) {
				e.verified = p.opts.now()
			} else {
				e.setState(StateBroken)
				broken++
			}
		}
		p.pushIdle(e)
		<-p.slots
	}

	return broken
}

func (p *Pool[C]) checkAlive(ctx context.Context, e *entry[C]) bool {
	timeout := p.cfg.PingTimeout
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.factory.Ping(pctx, e.value); err != nil {
		logging.LogPoolEvent(p.ctx, "health_check_failed", map[string]any{
			"pool":       p.cfg.Name,
			"connection": e.id,
			"error":      err.Error(),
		})
		return false
	}
	return true
}

func (p *Pool[C]) startHealthChecker() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)

	p.healthWg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.HealthCheck(context.Background())
			case <-p.healthStop:
				return
			}
		}
	})
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[C]) Stats() Stats {
	return Stats{
		Name:      p.cfg.Name,
		Max:       p.cfg.MaxConnections,
		InUse:     p.inUse.Load(),
		Idle:      len(p.idle),
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
		Errors:    p.errs.Load(),
		Waits:     p.waits.Load(),
		Timeouts:  p.timeouts.Load(),
		Uptime:    p.opts.now().Sub(p.startTime),
	}
}

// Close stops the health checker and closes idle connections. Connections
// in use are closed when released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.healthStop)
	p.healthWg.Wait()

	for {
		select {
		case e := <-p.idle:
			p.discard(e, "pool_closed")
		default:
			logging.LogPoolEvent(p.ctx, "pool_closed", map[string]any{"pool": p.cfg.Name})
			return nil
		}
	}
}

// Conn is a connection handed out by Acquire.
type Conn[C any] struct {
	pool     *Pool[C]
	entry    *entry[C]
	released atomic.Bool
}

// Value returns the underlying connection.
func (c *Conn[C]) Value() C {
	return c.entry.value
}

// ID returns the pool-assigned connection id.
func (c *Conn[C]) ID() string {
	return c.entry.id
}

// State returns the connection state.
func (c *Conn[C]) State() State {
	return c.entry.State()
}

// MarkBroken flags the connection so that Release discards it.
func (c *Conn[C]) MarkBroken() {
	c.entry.setState(StateBroken)
	logging.LogPoolEvent(c.pool.ctx, "connection_broken", map[string]any{
		"pool":       c.pool.cfg.Name,
		"connection": c.entry.id,
	})
}

// Release returns the connection to the pool. Calls after the first are
// ignored.
func (c *Conn[C]) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.release(c.entry)
}

// With acquires a connection, runs fn with it and releases it on every
// path. Errors matching the pool's IsBroken predicate mark the connection
// Broken before release.
func With[C, T any](ctx context.Context, p *Pool[C], fn func(C) (T, error)) (T, error) {
	var zero T

	conn, err := p.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer conn.Release()

	v, err := fn(conn.Value())
	if err != nil && p.cfg.IsBroken != nil && p.cfg.IsBroken(err) {
		conn.MarkBroken()
	}
	return v, err
}
