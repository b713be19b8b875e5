// Package sql serves principals from a relational database through bun.
// PostgreSQL and SQLite are supported; the schema is managed by the
// migrations subpackage.
package sql

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/uptrace/bun"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/logging"
	"github.com/isometry/directoryd/internal/pool"
	"github.com/isometry/directoryd/internal/secret"
	"github.com/isometry/directoryd/internal/sql/migrations"
	"github.com/isometry/directoryd/internal/sql/models"
)

// Options configures a Backend.
type Options struct {
	CaseSensitive bool
	AutoMigrate   bool
	Pool          pool.Config
	Observer      pool.Observer
}

// Backend looks principals up in the directory tables.
type Backend struct {
	id            string
	db            *bun.DB
	pool          *pool.Pool[bun.Conn]
	caseSensitive bool
	ownsDB        bool
}

var (
	_ directory.Backend       = (*Backend)(nil)
	_ directory.DomainChecker = (*Backend)(nil)
)

// connFactory hands out dedicated connections of a bun.DB.
type connFactory struct {
	db *bun.DB
}

func (f connFactory) Dial(ctx context.Context) (bun.Conn, error) {
	return f.db.Conn(ctx)
}

func (f connFactory) Ping(ctx context.Context, conn bun.Conn) error {
	return conn.PingContext(ctx)
}

func (f connFactory) Close(conn bun.Conn) error {
	return conn.Close()
}

// New creates a backend over db. The caller keeps ownership of db.
func New(ctx context.Context, id string, db *bun.DB, opts Options) (*Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("sql backend %q: database is required", id)
	}

	if opts.AutoMigrate {
		group, err := migrations.Migrate(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("sql backend %q: %w", id, err)
		}
		if !group.IsZero() {
			tflog.SubsystemInfo(ctx, logging.SubsystemSQL, "Applied schema migrations", map[string]any{
				"backend":    id,
				"group":      group.ID,
				"migrations": group.Migrations.String(),
			})
		}
	}

	cfg := opts.Pool
	if cfg.MaxConnections == 0 {
		cfg = pool.DefaultConfig()
	}
	cfg.Name = id
	cfg.IsBroken = isBroken
	if IsSQLite(db) && cfg.MaxConnections > 1 {
		// the database handle itself is limited to one connection
		cfg.MaxConnections = 1
	}

	var poolOpts []pool.Option
	if opts.Observer != nil {
		poolOpts = append(poolOpts, pool.WithObserver(opts.Observer))
	}
	p, err := pool.New(ctx, cfg, pool.Factory[bun.Conn](connFactory{db: db}), poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("sql backend %q: %w", id, err)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemSQL, "SQL backend ready", map[string]any{
		"backend":         id,
		"dialect":         db.Dialect().Name().String(),
		"max_connections": cfg.MaxConnections,
		"case_sensitive":  opts.CaseSensitive,
	})

	return &Backend{
		id:            id,
		db:            db,
		pool:          p,
		caseSensitive: opts.CaseSensitive,
	}, nil
}

// Open connects to dsn and creates a backend that owns the database.
func Open(ctx context.Context, id, dsn string, opts Options) (*Backend, error) {
	maxConns := opts.Pool.MaxConnections
	db, err := NewDB(ctx, dsn, maxConns)
	if err != nil {
		return nil, directory.NewBackendError(id, "connect", nil, err)
	}

	b, err := New(ctx, id, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// ID returns the backend id.
func (b *Backend) ID() string {
	return b.id
}

// Capabilities reports full support.
func (b *Backend) Capabilities() directory.Capability {
	return directory.CapAll
}

// Pool returns the connection pool for registration and stats.
func (b *Backend) Pool() *pool.Pool[bun.Conn] {
	return b.pool
}

// DB returns the underlying database.
func (b *Backend) DB() *bun.DB {
	return b.db
}

// Lookup finds an active principal.
func (b *Backend) Lookup(ctx context.Context, kind directory.QueryKind, value string) (*directory.Principal, error) {
	value = strings.TrimSpace(value)

	switch kind {
	case directory.ByName, directory.ByEmail, directory.ByID:
	default:
		return nil, directory.NewBackendError(b.id, string(kind), directory.ErrUnsupported, nil)
	}

	p, err := pool.With(ctx, b.pool, func(conn bun.Conn) (*directory.Principal, error) {
		row, err := b.findRow(ctx, conn, kind, value)
		if err != nil {
			return nil, err
		}
		return b.load(ctx, conn, row)
	})
	if err != nil {
		return nil, b.wrap(string(kind), err)
	}
	return p, nil
}

func (b *Backend) findRow(ctx context.Context, conn bun.Conn, kind directory.QueryKind, value string) (*models.Principal, error) {
	row := new(models.Principal)
	q := conn.NewSelect().Model(row).Where("p.active = ?", true)

	switch kind {
	case directory.ByName:
		q = b.whereName(q, value)
	case directory.ByID:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, directory.NewBackendError(b.id, string(kind), directory.ErrNotFound, nil)
		}
		q = q.Where("p.id = ?", id)
	case directory.ByEmail:
		owner, err := b.addressOwner(ctx, conn, value)
		if err != nil {
			return nil, err
		}
		q = q.Where("p.name = ?", owner)
	}

	if err := q.OrderExpr("p.name").Limit(1).Scan(ctx); err != nil {
		return nil, err
	}
	return row, nil
}

func (b *Backend) whereName(q *bun.SelectQuery, name string) *bun.SelectQuery {
	if b.caseSensitive {
		return q.Where("p.name = ?", name)
	}
	return q.Where("lower(p.name) = lower(?)", name)
}

// addressOwner returns the principal name owning address. Domains always
// compare case-insensitively; local parts only when the backend folds case.
func (b *Backend) addressOwner(ctx context.Context, conn bun.Conn, address string) (string, error) {
	var rows []models.Email
	err := conn.NewSelect().
		Model(&rows).
		Where("lower(e.address) = lower(?)", address).
		OrderExpr("e.address").
		Scan(ctx)
	if err != nil {
		return "", err
	}

	for _, r := range rows {
		if !b.caseSensitive || localPart(r.Address) == localPart(address) {
			return r.Name, nil
		}
	}
	return "", directory.NewBackendError(b.id, string(directory.ByEmail), directory.ErrNotFound, nil)
}

func localPart(address string) string {
	if at := strings.LastIndexByte(address, '@'); at >= 0 {
		return address[:at]
	}
	return address
}

func (b *Backend) load(ctx context.Context, conn bun.Conn, row *models.Principal) (*directory.Principal, error) {
	kind, ok := directory.ParseKind(row.Kind)
	if !ok {
		return nil, directory.NewBackendError(b.id, "load", directory.ErrMalformedResponse,
			fmt.Errorf("principal %q has unknown kind %q", row.Name, row.Kind))
	}

	p := &directory.Principal{
		Name: row.Name,
		ID:   strconv.FormatInt(row.ID, 10),
		Kind: kind,
	}
	if row.Secret != "" {
		p.Credential = secret.Parse(row.Secret)
	}

	var emails []models.Email
	err := conn.NewSelect().
		Model(&emails).
		Where("e.name = ?", row.Name).
		OrderExpr("CASE e.type WHEN ? THEN 0 ELSE 1 END, e.address", models.EmailPrimary).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range emails {
		p.Emails = append(p.Emails, e.Address)
	}

	err = conn.NewSelect().
		Model((*models.GroupMember)(nil)).
		Column("gm.member_of").
		Where("gm.name = ?", row.Name).
		OrderExpr("gm.member_of").
		Scan(ctx, &p.MemberOf)
	if err != nil {
		return nil, err
	}

	if kind.IsContainer() {
		if p.Members, err = b.memberRows(ctx, conn, row.Name); err != nil {
			return nil, err
		}
	}

	attrs := make(map[string]string, 2)
	if row.Description != "" {
		attrs[directory.AttrDescription] = row.Description
	}
	if row.Quota > 0 {
		attrs[directory.AttrQuota] = strconv.FormatInt(row.Quota, 10)
	}
	if len(attrs) > 0 {
		p.Attributes = attrs
	}

	return p, nil
}

func (b *Backend) memberRows(ctx context.Context, conn bun.Conn, container string) ([]string, error) {
	var members []string
	err := conn.NewSelect().
		Model((*models.GroupMember)(nil)).
		Column("gm.name").
		Where("gm.member_of = ?", container).
		OrderExpr("gm.name").
		Scan(ctx, &members)
	return members, err
}

// Members returns the direct member references of an active container.
func (b *Backend) Members(ctx context.Context, name string) ([]string, error) {
	name = strings.TrimSpace(name)

	members, err := pool.With(ctx, b.pool, func(conn bun.Conn) ([]string, error) {
		row, err := b.findRow(ctx, conn, directory.ByName, name)
		if err != nil {
			return nil, err
		}
		return b.memberRows(ctx, conn, row.Name)
	})
	if err != nil {
		return nil, b.wrap("members", err)
	}
	return members, nil
}

// IsLocalDomain reports whether domain is listed in the domains table.
func (b *Backend) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return false, nil
	}

	ok, err := pool.With(ctx, b.pool, func(conn bun.Conn) (bool, error) {
		return conn.NewSelect().
			Model((*models.Domain)(nil)).
			Where("lower(d.name) = lower(?)", domain).
			Exists(ctx)
	})
	if err != nil {
		return false, b.wrap(string(directory.LocalDomain), err)
	}
	return ok, nil
}

// Close closes the pool and, when the backend opened it, the database.
func (b *Backend) Close() error {
	err := b.pool.Close()
	if b.ownsDB {
		if dbErr := b.db.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}
	return err
}
