package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Managed is the type-independent view of a Pool.
type Managed interface {
	Name() string
	Stats() Stats
	HealthCheck(ctx context.Context) int
	Close() error
}

// Registry holds one pool per backend id.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]Managed
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]Managed)}
}

// Register adds p under its name.
func (r *Registry) Register(p Managed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[p.Name()]; exists {
		return fmt.Errorf("pool %q already registered", p.Name())
	}
	r.pools[p.Name()] = p
	return nil
}

// Get returns the pool registered under name.
func (r *Registry) Get(name string) (Managed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Lookup returns the typed pool registered under name.
func Lookup[C any](r *Registry, name string) (*Pool[C], bool) {
	m, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	p, ok := m.(*Pool[C])
	return p, ok
}

// AcquireFrom acquires a connection from the pool registered for backend.
func AcquireFrom[C any](ctx context.Context, r *Registry, backend string, timeout time.Duration) (*Conn[C], error) {
	p, ok := Lookup[C](r, backend)
	if !ok {
		return nil, fmt.Errorf("no pool registered for backend %q", backend)
	}
	return p.AcquireTimeout(ctx, timeout)
}

// Stats returns the stats of every pool ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	stats := make([]Stats, 0, len(r.pools))
	for _, p := range r.pools {
		stats = append(stats, p.Stats())
	}
	r.mu.RUnlock()

	slices.SortFunc(stats, func(a, b Stats) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return stats
}

// Close closes every pool and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]Managed)
	r.mu.Unlock()

	var errs []error
	for name, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
