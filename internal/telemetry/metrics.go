// Package telemetry holds the OpenTelemetry metric instruments of the
// directory service. Without an installed MeterProvider every instrument is
// a no-op.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cache result labels.
const (
	CacheHit      = "hit"
	CacheNegative = "negative"
	CacheMiss     = "miss"
)

// DirectoryMetrics holds the instruments recorded by the directory facade.
type DirectoryMetrics struct {
	LookupCounter  metric.Int64Counter     // Total backend lookups
	LookupDuration metric.Float64Histogram // Backend lookup latency
	CacheResults   metric.Int64Counter     // Cache hits, negative hits and misses
	AuthCounter    metric.Int64Counter     // Credential checks by outcome
}

// NewDirectoryMetrics creates the facade instruments.
func NewDirectoryMetrics() (*DirectoryMetrics, error) {
	meter := otel.Meter("directoryd/directory")

	lookupCounter, err := meter.Int64Counter(
		"directory.lookup.count",
		metric.WithDescription("Total number of backend lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	// Buckets: 1ms to 5s
	lookupDuration, err := meter.Float64Histogram(
		"directory.lookup.duration",
		metric.WithDescription("Backend lookup duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	cacheResults, err := meter.Int64Counter(
		"directory.cache.result",
		metric.WithDescription("Lookup cache results by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	authCounter, err := meter.Int64Counter(
		"directory.auth.count",
		metric.WithDescription("Total number of credential verifications"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return &DirectoryMetrics{
		LookupCounter:  lookupCounter,
		LookupDuration: lookupDuration,
		CacheResults:   cacheResults,
		AuthCounter:    authCounter,
	}, nil
}

// RecordLookup records one backend call. outcome is "ok" or the error kind.
func (m *DirectoryMetrics) RecordLookup(ctx context.Context, backend, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("query.kind", kind),
		attribute.String("outcome", outcome),
	)
	m.LookupCounter.Add(ctx, 1, attrs)
	m.LookupDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordCache records a cache lookup with one of CacheHit, CacheNegative or
// CacheMiss.
func (m *DirectoryMetrics) RecordCache(ctx context.Context, backend, result string) {
	if m == nil {
		return
	}
	m.CacheResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("cache.result", result),
	))
}

// RecordAuth records a credential check. Failure reasons are not recorded.
func (m *DirectoryMetrics) RecordAuth(ctx context.Context, backend string, ok bool) {
	if m == nil {
		return
	}
	m.AuthCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.Bool("success", ok),
	))
}

// PoolMetrics holds connection pool instruments. It implements
// pool.Observer.
type PoolMetrics struct {
	WaitDuration metric.Float64Histogram // Time spent waiting for a slot
	Timeouts     metric.Int64Counter     // Acquires that gave up
}

// NewPoolMetrics creates the pool instruments.
func NewPoolMetrics() (*PoolMetrics, error) {
	meter := otel.Meter("directoryd/pool")

	acquireWait, err := meter.Float64Histogram(
		"pool.acquire.wait",
		metric.WithDescription("Time spent waiting to acquire a pooled connection"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return nil, err
	}

	acquireTimeouts, err := meter.Int64Counter(
		"pool.acquire.timeouts",
		metric.WithDescription("Total number of acquires that timed out"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		WaitDuration: acquireWait,
		Timeouts:     acquireTimeouts,
	}, nil
}

// AcquireWait records the time a caller waited for capacity.
func (m *PoolMetrics) AcquireWait(ctx context.Context, pool string, wait time.Duration) {
	if m == nil {
		return
	}
	m.WaitDuration.Record(ctx, float64(wait.Microseconds())/1000,
		metric.WithAttributes(attribute.String("pool", pool)))
}

// AcquireTimeout counts an acquire that gave up.
func (m *PoolMetrics) AcquireTimeout(ctx context.Context, pool string) {
	if m == nil {
		return
	}
	m.Timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}
