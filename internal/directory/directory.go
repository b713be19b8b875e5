// Package directory is the single entry point for principal lookups,
// membership expansion and credential verification across SQL, LDAP and
// static backends.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/singleflight"

	"github.com/isometry/directoryd/internal/cache"
	"github.com/isometry/directoryd/internal/logging"
	"github.com/isometry/directoryd/internal/secret"
	"github.com/isometry/directoryd/internal/telemetry"
)

// RetryPolicy controls the single retry of transient backend failures.
type RetryPolicy struct {
	// Enabled allows one retry of ErrTimeout after Backoff.
	// ErrConnectionLost is always retried once.
	Enabled bool          `yaml:"enabled" default:"true"`
	Backoff time.Duration `yaml:"backoff" default:"100ms"`
}

// Options configures a Directory.
type Options struct {
	DefaultBackend string
	PositiveTTL    time.Duration
	NegativeTTL    time.Duration
	Retry          RetryPolicy
	DefaultScheme  secret.Scheme
	HashParams     secret.Params
	Cache          cache.Config
	Metrics        *telemetry.DirectoryMetrics
	CasePolicies   map[string]CasePolicy // by backend id, default CaseFold
}

// DefaultOptions returns the options used for unset fields.
func DefaultOptions() Options {
	return Options{
		PositiveTTL:   5 * time.Minute,
		NegativeTTL:   30 * time.Second,
		Retry:         RetryPolicy{Enabled: true, Backoff: 100 * time.Millisecond},
		DefaultScheme: secret.SchemeArgon2id,
		HashParams:    secret.DefaultParams(),
		Cache:         cache.Config{Capacity: 10000, Shards: 16, SweepInterval: time.Minute},
	}
}

// result is the cached value. Exactly one field is meaningful per key kind.
type result struct {
	principal *Principal
	members   []string
	local     bool
}

// Directory dispatches operations to the configured backends through the
// lookup cache.
type Directory struct {
	ctx      context.Context
	opts     Options
	backends map[string]Backend
	order    []string
	cache    *cache.Cache[result]
	group    singleflight.Group
	dummy    secret.Credential

	// generations counts invalidations per backend. A fetch that started
	// under an older generation is not cached.
	genMu       sync.Mutex
	generations map[string]uint64

	closeOnce sync.Once
}

// New builds a Directory over backends. The first backend is the default
// unless Options.DefaultBackend names another.
func New(ctx context.Context, opts Options, backends ...Backend) (*Directory, error) {
	if len(backends) == 0 {
		return nil, errors.New("at least one backend is required")
	}

	if opts.DefaultScheme == "" {
		opts.DefaultScheme = secret.SchemeArgon2id
	}
	if !opts.DefaultScheme.Known() {
		return nil, fmt.Errorf("unknown default credential scheme %q", opts.DefaultScheme)
	}
	if opts.HashParams == (secret.Params{}) {
		opts.HashParams = secret.DefaultParams()
	}
	if opts.Cache.Capacity <= 0 {
		opts.Cache = DefaultOptions().Cache
	}

	d := &Directory{
		ctx:         ctx,
		opts:        opts,
		backends:    make(map[string]Backend, len(backends)),
		generations: make(map[string]uint64, len(backends)),
	}

	for _, b := range backends {
		id := b.ID()
		if id == "" {
			return nil, errors.New("backend id cannot be empty")
		}
		if _, dup := d.backends[id]; dup {
			return nil, fmt.Errorf("duplicate backend id %q", id)
		}
		d.backends[id] = b
		d.order = append(d.order, id)
	}

	if d.opts.DefaultBackend == "" {
		d.opts.DefaultBackend = d.order[0]
	}
	if _, ok := d.backends[d.opts.DefaultBackend]; !ok {
		return nil, fmt.Errorf("default backend %q is not configured", d.opts.DefaultBackend)
	}

	dummy, err := secret.Hash(opts.DefaultScheme, "directoryd-timing-equalizer", opts.HashParams)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy credential: %w", err)
	}
	d.dummy = secret.Parse(dummy)

	c, err := cache.New[result](ctx, opts.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}
	d.cache = c

	tflog.SubsystemDebug(ctx, logging.SubsystemDirectory, "Directory initialized", map[string]any{
		"backends":        d.order,
		"default_backend": d.opts.DefaultBackend,
		"positive_ttl":    opts.PositiveTTL.String(),
		"negative_ttl":    opts.NegativeTTL.String(),
	})

	return d, nil
}

// Backends returns the configured backend ids in registration order.
func (d *Directory) Backends() []string {
	return slices.Clone(d.order)
}

// DefaultBackend returns the id used when an operation names no backend.
func (d *Directory) DefaultBackend() string {
	return d.opts.DefaultBackend
}

func (d *Directory) backend(id string) (Backend, error) {
	if id == "" {
		id = d.opts.DefaultBackend
	}
	b, ok := d.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
	}
	return b, nil
}

func (d *Directory) policy(id string) CasePolicy {
	if p, ok := d.opts.CasePolicies[id]; ok {
		return p
	}
	return CaseFold
}

// FindPrincipal resolves one principal by name, email or id. A missing
// principal yields an error matching ErrNotFound. The returned principal is
// the caller's own copy.
func (d *Directory) FindPrincipal(ctx context.Context, backend string, kind QueryKind, value string) (*Principal, error) {
	b, err := d.backend(backend)
	if err != nil {
		return nil, err
	}

	switch kind {
	case ByName, ByEmail, ByID:
	default:
		return nil, NewBackendError(b.ID(), "lookup", ErrUnsupported, fmt.Errorf("query kind %q is not a principal lookup", kind))
	}
	if !b.Capabilities().Has(CapabilityFor(kind)) {
		return nil, NewBackendError(b.ID(), string(kind), ErrUnsupported, nil)
	}

	key := NewLookupKey(b.ID(), kind, value, d.policy(b.ID()))
	if key.Value == "" {
		return nil, NewBackendError(b.ID(), string(kind), ErrNotFound, nil)
	}

	res, err := d.cached(ctx, key, func(ctx context.Context) (result, error) {
		p, err := b.Lookup(ctx, kind, value)
		if err != nil {
			return result{}, err
		}
		if p == nil {
			return result{}, NewBackendError(b.ID(), string(kind), ErrNotFound, nil)
		}
		return result{principal: p}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.principal.Clone(), nil
}

// directMembers returns the cached direct member list of a container.
func (d *Directory) directMembers(ctx context.Context, b Backend, p *Principal) ([]string, error) {
	if !b.Capabilities().Has(CapExpandMembers) {
		return slices.Clone(p.Members), nil
	}

	key := NewLookupKey(b.ID(), ExpandMembers, p.Name, d.policy(b.ID()))
	res, err := d.cached(ctx, key, func(ctx context.Context) (result, error) {
		members, err := b.Members(ctx, p.Name)
		if err != nil {
			return result{}, err
		}
		return result{members: members}, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(res.members), nil
}

// cached serves key from the cache or runs fetch once for all concurrent
// callers. fetch runs detached from the caller's cancellation; each caller
// still returns as soon as its own ctx is done.
func (d *Directory) cached(ctx context.Context, key LookupKey, fetch func(context.Context) (result, error)) (result, error) {
	ck := key.CacheKey()

	if e, ok := d.cache.Get(ck); ok {
		if e.Absent {
			d.opts.Metrics.RecordCache(ctx, key.Backend, telemetry.CacheNegative)
			return result{}, NewBackendError(key.Backend, string(key.Kind), ErrNotFound, nil)
		}
		d.opts.Metrics.RecordCache(ctx, key.Backend, telemetry.CacheHit)
		return e.Value, nil
	}
	d.opts.Metrics.RecordCache(ctx, key.Backend, telemetry.CacheMiss)

	gen := d.generation(key.Backend)
	flight := ck.String() + "\x00" + strconv.FormatUint(gen, 10)
	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(flight, func() (any, error) {
		res, err := d.call(detached, key, fetch)
		d.store(ck, gen, res, err)
		return res, err
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return result{}, r.Err
		}
		return r.Val.(result), nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (d *Directory) generation(backend string) uint64 {
	d.genMu.Lock()
	defer d.genMu.Unlock()
	return d.generations[backend]
}

// store caches a fetch outcome unless the backend was invalidated since gen.
// Backend errors other than NotFound are never cached.
func (d *Directory) store(ck cache.Key, gen uint64, res result, err error) {
	d.genMu.Lock()
	defer d.genMu.Unlock()

	if d.generations[ck.Backend] != gen {
		return
	}
	switch {
	case err == nil:
		d.cache.Put(ck, res, d.opts.PositiveTTL)
	case IsNotFound(err):
		d.cache.PutAbsent(ck, d.opts.NegativeTTL)
	}
}

// call invokes fetch with the retry policy applied.
func (d *Directory) call(ctx context.Context, key LookupKey, fetch func(context.Context) (result, error)) (result, error) {
	res, err := d.attempt(ctx, key, fetch)
	if err == nil {
		return res, nil
	}

	if !IsRetryable(err) {
		return res, err
	}
	var wait time.Duration
	if errors.Is(err, ErrTimeout) {
		if !d.opts.Retry.Enabled {
			return res, err
		}
		wait = d.opts.Retry.Backoff
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemDirectory, "Retrying backend call", map[string]any{
		"backend":    key.Backend,
		"query_kind": string(key.Kind),
		"error_kind": KindName(err),
		"backoff":    wait.String(),
	})

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return res, err
		}
	}

	return d.attempt(ctx, key, fetch)
}

func (d *Directory) attempt(ctx context.Context, key LookupKey, fetch func(context.Context) (result, error)) (result, error) {
	var res result
	start := time.Now()

	err := logging.LogOperation(ctx, logging.SubsystemDirectory, string(key.Kind), map[string]any{
		"backend": key.Backend,
		"value":   key.Value,
	}, func() error {
		var err error
		res, err = fetch(ctx)
		return err
	})

	if err != nil {
		var be *BackendError
		if !errors.As(err, &be) {
			err = NewBackendError(key.Backend, string(key.Kind), nil, err)
		}
	}

	d.opts.Metrics.RecordLookup(ctx, key.Backend, string(key.Kind), KindName(err), time.Since(start))
	if err != nil && !IsNotFound(err) {
		logging.LogBackendError(ctx, logging.SubsystemDirectory, string(key.Kind), err, map[string]any{
			"backend":    key.Backend,
			"error_kind": KindName(err),
		})
	}

	return res, err
}

// Invalidate drops one cached lookup. Lookups of the backend already in
// flight are answered but not cached, and later callers do not join them.
func (d *Directory) Invalidate(backend string, kind QueryKind, value string) error {
	b, err := d.backend(backend)
	if err != nil {
		return err
	}
	ck := NewLookupKey(b.ID(), kind, value, d.policy(b.ID())).CacheKey()

	d.genMu.Lock()
	d.generations[b.ID()]++
	d.cache.Invalidate(ck)
	d.genMu.Unlock()
	return nil
}

// InvalidateBackend drops every cached lookup of a backend and returns the
// number of entries removed.
func (d *Directory) InvalidateBackend(backend string) (int, error) {
	b, err := d.backend(backend)
	if err != nil {
		return 0, err
	}
	d.genMu.Lock()
	d.generations[b.ID()]++
	n := d.cache.InvalidatePrefix(b.ID())
	d.genMu.Unlock()

	tflog.SubsystemDebug(d.ctx, logging.SubsystemDirectory, "Backend cache invalidated", map[string]any{
		"backend": b.ID(),
		"removed": n,
	})
	return n, nil
}

// Stats returns the lookup cache counters.
func (d *Directory) Stats() cache.Stats {
	return d.cache.Stats()
}

// Close stops the cache sweeper and closes every backend.
func (d *Directory) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		d.cache.Close()
		for _, id := range d.order {
			if err := d.backends[id].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close backend %q: %w", id, err))
			}
		}
	})
	return errors.Join(errs...)
}
