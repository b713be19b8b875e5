package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/ldap"
	"github.com/isometry/directoryd/internal/logging"
	"github.com/isometry/directoryd/internal/pool"
	"github.com/isometry/directoryd/internal/secret"
	dirsql "github.com/isometry/directoryd/internal/sql"
	"github.com/isometry/directoryd/internal/static"
	"github.com/isometry/directoryd/internal/telemetry"
)

// Runtime is a directory assembled from a configuration.
type Runtime struct {
	Directory *directory.Directory
	Pools     *pool.Registry
}

// Close closes the directory and with it every backend and pool.
func (r *Runtime) Close() error {
	return errors.Join(r.Directory.Close(), r.Pools.Close())
}

// DirectoryOptions converts the configuration into façade options.
func (c *Config) DirectoryOptions() directory.Options {
	scheme, _ := secret.ParseScheme(c.Credentials.DefaultScheme)
	opts := directory.Options{
		DefaultBackend: c.DefaultBackend,
		PositiveTTL:    c.CacheTTLPositive,
		NegativeTTL:    c.CacheTTLNegative,
		Retry:          c.Retry,
		DefaultScheme:  scheme,
		HashParams:     c.Credentials.Params,
		Cache:          c.Cache,
		CasePolicies:   make(map[string]directory.CasePolicy, len(c.Backends)),
	}
	for _, b := range c.Backends {
		if b.CaseSensitive {
			opts.CasePolicies[b.ID] = directory.CaseExact
		}
	}
	return opts
}

// Build opens every configured backend and assembles the directory. A
// failure closes whatever was already opened.
func Build(ctx context.Context, cfg *Config) (*Runtime, error) {
	dirMetrics, err := telemetry.NewDirectoryMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create directory metrics: %w", err)
	}
	poolMetrics, err := telemetry.NewPoolMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create pool metrics: %w", err)
	}

	registry := pool.NewRegistry()
	backends := make([]directory.Backend, 0, len(cfg.Backends))
	cleanup := func() {
		for _, b := range backends {
			_ = b.Close()
		}
		_ = registry.Close()
	}

	for i := range cfg.Backends {
		bc := &cfg.Backends[i]
		b, managed, err := openBackend(ctx, bc, poolMetrics)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("backend %q: %w", bc.ID, err)
		}
		backends = append(backends, b)

		if managed != nil {
			if err := registry.Register(managed); err != nil {
				cleanup()
				return nil, err
			}
		}

		tflog.SubsystemInfo(ctx, logging.SubsystemDirectory, "Backend opened", map[string]any{
			"backend":        bc.ID,
			"type":           bc.Type,
			"capabilities":   b.Capabilities().String(),
			"case_sensitive": bc.CaseSensitive,
		})
	}

	opts := cfg.DirectoryOptions()
	opts.Metrics = dirMetrics

	d, err := directory.New(ctx, opts, backends...)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &Runtime{Directory: d, Pools: registry}, nil
}

// openBackend opens one backend and returns its pool, if it has one.
func openBackend(ctx context.Context, bc *BackendConfig, observer pool.Observer) (directory.Backend, pool.Managed, error) {
	switch bc.Type {
	case TypeSQL:
		dsn, err := bc.SQLDSN()
		if err != nil {
			return nil, nil, err
		}
		b, err := dirsql.Open(ctx, bc.ID, dsn, dirsql.Options{
			CaseSensitive: bc.CaseSensitive,
			AutoMigrate:   bc.AutoMigrate,
			Pool:          bc.poolConfig(),
			Observer:      observer,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Pool(), nil

	case TypeLDAP:
		lc, err := bc.ldapConfig()
		if err != nil {
			return nil, nil, err
		}
		b, err := ldap.New(ctx, bc.ID, lc, ldap.Options{
			Pool:     bc.poolConfig(),
			Observer: observer,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Pool(), nil

	case TypeStatic:
		b, err := static.New(ctx, bc.ID, bc.staticConfig(), bc.CaseSensitive)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}
