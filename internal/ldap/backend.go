package ldap

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/logging"
	"github.com/isometry/directoryd/internal/pool"
	"github.com/isometry/directoryd/internal/secret"
)

// Options configures a Backend.
type Options struct {
	Pool     pool.Config
	Observer pool.Observer

	// Dial replaces the network dialer, e.g. in tests.
	Dial DialFunc
	// Discovery resolves SRV records when no URLs are configured.
	Discovery *SRVDiscovery
}

// Backend looks principals up in an LDAP directory.
type Backend struct {
	id       string
	cfg      Config
	kinds    map[string]directory.Kind
	attrs    []string
	servers  []*ServerInfo
	dial     DialFunc
	kerberos *kerberosBinder
	pool     *pool.Pool[*session]
}

var (
	_ directory.Backend       = (*Backend)(nil)
	_ directory.Authenticator = (*Backend)(nil)
	_ directory.DomainChecker = (*Backend)(nil)
)

// New validates cfg, resolves the server list and creates the connection
// pool. Connections are dialed on first use.
func New(ctx context.Context, id string, cfg Config, opts Options) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ldap backend %q: %w", id, err)
	}

	discovery := opts.Discovery
	if discovery == nil {
		discovery = NewSRVDiscovery()
	}
	servers, err := resolveServers(ctx, &cfg, discovery)
	if err != nil {
		return nil, fmt.Errorf("ldap backend %q: %w", id, err)
	}

	b := &Backend{
		id:      id,
		cfg:     cfg,
		kinds:   cfg.kinds(),
		servers: servers,
		dial:    opts.Dial,
	}
	if b.dial == nil {
		b.dial = dialServer
	}
	b.attrs = b.searchAttributes()

	if cfg.Kerberos.Enabled {
		if b.kerberos, err = newKerberosBinder(ctx, &cfg); err != nil {
			return nil, fmt.Errorf("ldap backend %q: %w", id, err)
		}
	}

	pcfg := opts.Pool
	if pcfg.MaxConnections == 0 {
		pcfg = pool.DefaultConfig()
	}
	pcfg.Name = id
	pcfg.IsBroken = isBroken

	var poolOpts []pool.Option
	if opts.Observer != nil {
		poolOpts = append(poolOpts, pool.WithObserver(opts.Observer))
	}
	if b.pool, err = pool.New(ctx, pcfg, pool.Factory[*session](sessionFactory{b: b}), poolOpts...); err != nil {
		if b.kerberos != nil {
			b.kerberos.close()
		}
		return nil, fmt.Errorf("ldap backend %q: %w", id, err)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "LDAP backend ready", map[string]any{
		"backend":   id,
		"base_dn":   cfg.BaseDN,
		"servers":   len(servers),
		"kerberos":  cfg.Kerberos.Enabled,
		"auth_bind": cfg.AuthBind,
	})

	return b, nil
}

// ID returns the backend id.
func (b *Backend) ID() string {
	return b.id
}

// Capabilities reports the lookups with a configured filter. Credentials are
// fetched unless passwords are checked by binding.
func (b *Backend) Capabilities() directory.Capability {
	c := directory.CapExpandMembers
	if b.cfg.Filters.ByName != "" {
		c |= directory.CapLookupByName
	}
	if b.cfg.Filters.ByEmail != "" {
		c |= directory.CapLookupByEmail
	}
	if b.cfg.Filters.ByID != "" {
		c |= directory.CapLookupByID
	}
	if !b.cfg.AuthBind && b.cfg.Attributes.Secret != "" {
		c |= directory.CapFetchCredential
	}
	return c
}

// Pool exposes the connection pool for registration and stats.
func (b *Backend) Pool() pool.Managed {
	return b.pool
}

// searchAttributes lists the attributes requested for a principal.
func (b *Backend) searchAttributes() []string {
	a := b.cfg.Attributes
	attrs := []string{a.Name}
	attrs = append(attrs, a.Emails...)
	if !b.cfg.AuthBind {
		attrs = append(attrs, a.Secret)
	}
	attrs = append(attrs, a.Members, a.MemberOf, a.Description, a.Quota, a.ID, a.Class)

	out := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		if attr != "" && !slices.ContainsFunc(out, func(s string) bool { return strings.EqualFold(s, attr) }) {
			out = append(out, attr)
		}
	}
	return out
}

// filterFor renders the search filter of a lookup.
func (b *Backend) filterFor(kind directory.QueryKind, value string) (string, error) {
	var tmpl string
	switch kind {
	case directory.ByName:
		tmpl = b.cfg.Filters.ByName
	case directory.ByEmail:
		tmpl = b.cfg.Filters.ByEmail
	case directory.ByID:
		tmpl = b.cfg.Filters.ByID
	}
	if tmpl == "" {
		return "", directory.NewBackendError(b.id, string(kind), directory.ErrUnsupported, nil)
	}
	if value == "" {
		return "", directory.NewBackendError(b.id, string(kind), directory.ErrNotFound, nil)
	}

	escaped := ldap.EscapeFilter(value)
	if kind == directory.ByID {
		switch strings.ToLower(b.cfg.Attributes.ID) {
		case "objectguid":
			v, err := guidFilterValue(value)
			if err != nil {
				return "", directory.NewBackendError(b.id, string(kind), directory.ErrNotFound, err)
			}
			escaped = v
		case "objectsid":
			if !isSIDString(value) {
				return "", directory.NewBackendError(b.id, string(kind), directory.ErrNotFound, nil)
			}
		}
	}
	return strings.ReplaceAll(tmpl, "?", escaped), nil
}

// search runs a search request, logging slow ones.
func (b *Backend) search(ctx context.Context, conn Conn, base string, scope int, filter string, attrs []string, sizeLimit int) (*ldap.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := ldap.NewSearchRequest(base, scope, ldap.NeverDerefAliases,
		sizeLimit, int(b.cfg.Timeout.Seconds()), false, filter, attrs, nil)

	start := time.Now()
	res, err := conn.Search(req)
	logging.LogSlow(ctx, logging.SubsystemLDAP, "search", time.Since(start), map[string]any{
		"backend": b.id,
		"base_dn": base,
		"filter":  filter,
	})
	return res, err
}

// findEntry returns the single entry under the base DN matching filter.
func (b *Backend) findEntry(ctx context.Context, conn Conn, filter string) (*ldap.Entry, error) {
	res, err := b.search(ctx, conn, b.cfg.BaseDN, ldap.ScopeWholeSubtree, filter, b.attrs, 2)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			return nil, directory.NewBackendError(b.id, "search", directory.ErrMalformedResponse,
				fmt.Errorf("filter %s matches more than one entry", filter))
		}
		return nil, err
	}

	switch len(res.Entries) {
	case 0:
		return nil, directory.NewBackendError(b.id, "search", directory.ErrNotFound, nil)
	case 1:
		return res.Entries[0], nil
	default:
		return nil, directory.NewBackendError(b.id, "search", directory.ErrMalformedResponse,
			fmt.Errorf("filter %s matches %d entries", filter, len(res.Entries)))
	}
}

// Lookup finds one principal.
func (b *Backend) Lookup(ctx context.Context, kind directory.QueryKind, value string) (*directory.Principal, error) {
	filter, err := b.filterFor(kind, strings.TrimSpace(value))
	if err != nil {
		return nil, err
	}

	entry, err := pool.With(ctx, b.pool, func(s *session) (*ldap.Entry, error) {
		return b.findEntry(ctx, s.conn, filter)
	})
	if err != nil {
		return nil, b.wrap(string(kind), err)
	}

	p, err := b.toPrincipal(entry)
	if err != nil {
		return nil, b.wrap(string(kind), err)
	}
	return p, nil
}

// toPrincipal maps an entry through the attribute map.
func (b *Backend) toPrincipal(e *ldap.Entry) (*directory.Principal, error) {
	a := b.cfg.Attributes

	name := e.GetEqualFoldAttributeValue(a.Name)
	if name == "" {
		return nil, directory.NewBackendError(b.id, "decode", directory.ErrMalformedResponse,
			fmt.Errorf("entry %s has no %s attribute", e.DN, a.Name))
	}

	p := &directory.Principal{
		Name: name,
		ID:   b.decodeID(e),
		Kind: b.kindOf(e),
		DN:   e.DN,
	}

	for _, attr := range a.Emails {
		for _, addr := range e.GetEqualFoldAttributeValues(attr) {
			if addr = strings.TrimSpace(addr); addr != "" && !slices.ContainsFunc(p.Emails, func(s string) bool { return strings.EqualFold(s, addr) }) {
				p.Emails = append(p.Emails, addr)
			}
		}
	}

	if !b.cfg.AuthBind && a.Secret != "" {
		p.Credential = secret.Parse(e.GetEqualFoldAttributeValue(a.Secret))
	}

	if a.MemberOf != "" {
		for _, dn := range e.GetEqualFoldAttributeValues(a.MemberOf) {
			p.MemberOf = append(p.MemberOf, rdnValue(dn))
		}
	}
	if p.Kind.IsContainer() && a.Members != "" {
		for _, m := range e.GetEqualFoldAttributeValues(a.Members) {
			p.Members = append(p.Members, rdnValue(m))
		}
	}

	attrs := make(map[string]string, 2)
	if v := e.GetEqualFoldAttributeValue(a.Description); a.Description != "" && v != "" {
		attrs[directory.AttrDescription] = v
	}
	if v := e.GetEqualFoldAttributeValue(a.Quota); a.Quota != "" && v != "" {
		attrs[directory.AttrQuota] = v
	}
	if len(attrs) > 0 {
		p.Attributes = attrs
	}

	return p, nil
}

// decodeID renders the id attribute. Binary objectGUID and objectSid values
// are decoded; entries without an id fall back to their DN.
func (b *Backend) decodeID(e *ldap.Entry) string {
	attr := b.cfg.Attributes.ID
	if attr == "" {
		return e.DN
	}
	raw := e.GetEqualFoldRawAttributeValue(attr)
	if len(raw) == 0 {
		return e.DN
	}

	switch strings.ToLower(attr) {
	case "objectguid":
		if id, err := DecodeGUID(raw); err == nil {
			return id
		}
	case "objectsid":
		if id, err := DecodeSID(raw); err == nil {
			return id
		}
	default:
		return string(raw)
	}
	return e.DN
}

// kindOf maps the first recognized objectClass to a kind.
func (b *Backend) kindOf(e *ldap.Entry) directory.Kind {
	for _, class := range e.GetEqualFoldAttributeValues(b.cfg.Attributes.Class) {
		if kind, ok := b.kinds[strings.ToLower(class)]; ok {
			return kind
		}
	}
	return directory.KindIndividual
}

// Members returns the names of the direct members of the container called
// name. DN values are resolved to the member's name attribute; members that
// no longer exist are skipped.
func (b *Backend) Members(ctx context.Context, name string) ([]string, error) {
	filter, err := b.filterFor(directory.ByName, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}

	members, err := pool.With(ctx, b.pool, func(s *session) ([]string, error) {
		entry, err := b.findEntry(ctx, s.conn, filter)
		if err != nil {
			return nil, err
		}
		return b.resolveMembers(ctx, s.conn, entry.GetEqualFoldAttributeValues(b.cfg.Attributes.Members))
	})
	if err != nil {
		return nil, b.wrap("members", err)
	}
	return members, nil
}

func (b *Backend) resolveMembers(ctx context.Context, conn Conn, values []string) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))

	for _, v := range values {
		key := normalizeDN(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if !isDN(v) {
			out = append(out, strings.TrimSpace(v))
			continue
		}

		res, err := b.search(ctx, conn, v, ldap.ScopeBaseObject, "(objectClass=*)", []string{b.cfg.Attributes.Name}, 1)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Skipping dangling member", map[string]any{
					"backend": b.id,
					"member":  v,
				})
				continue
			}
			return nil, err
		}
		if len(res.Entries) == 0 {
			continue
		}
		if n := res.Entries[0].GetEqualFoldAttributeValue(b.cfg.Attributes.Name); n != "" {
			out = append(out, n)
		}
	}
	return out, nil
}

// Authenticate binds as the principal when auth_bind is set. The connection
// is re-bound as the service account before it returns to the pool.
func (b *Backend) Authenticate(ctx context.Context, p *directory.Principal, plaintext string) (bool, error) {
	if !b.cfg.AuthBind || p == nil || p.DN == "" || plaintext == "" {
		return false, nil
	}

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return false, b.wrap("authenticate", err)
	}
	defer conn.Release()

	s := conn.Value()
	bindErr := s.conn.Bind(p.DN, plaintext)

	if err := b.bindService(ctx, s.conn, s.server); err != nil {
		conn.MarkBroken()
		logging.LogConnectionEvent(ctx, logging.SubsystemLDAP, "bind_failed", map[string]any{
			"backend":    b.id,
			"connection": conn.ID(),
			"error":      err.Error(),
		})
	}

	switch {
	case bindErr == nil:
		return true, nil
	case isInvalidCredentials(bindErr):
		return false, nil
	default:
		if isBroken(bindErr) {
			conn.MarkBroken()
		}
		return false, b.wrap("authenticate", bindErr)
	}
}

// IsLocalDomain searches with the domain filter when one is configured,
// otherwise it consults the local_domains list.
func (b *Backend) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return false, nil
	}

	if b.cfg.DomainFilter == "" {
		if len(b.cfg.LocalDomains) == 0 {
			return false, directory.NewBackendError(b.id, "local_domain", directory.ErrUnsupported, nil)
		}
		return slices.ContainsFunc(b.cfg.LocalDomains, func(d string) bool {
			return strings.EqualFold(strings.TrimSuffix(d, "."), domain)
		}), nil
	}

	filter := strings.ReplaceAll(b.cfg.DomainFilter, "?", ldap.EscapeFilter(domain))
	found, err := pool.With(ctx, b.pool, func(s *session) (bool, error) {
		res, err := b.search(ctx, s.conn, b.cfg.BaseDN, ldap.ScopeWholeSubtree, filter, []string{"1.1"}, 1)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
				return true, nil
			}
			return false, err
		}
		return len(res.Entries) > 0, nil
	})
	if err != nil {
		return false, b.wrap("local_domain", err)
	}
	return found, nil
}

// Close shuts down the pool.
func (b *Backend) Close() error {
	err := b.pool.Close()
	if b.kerberos != nil {
		b.kerberos.close()
	}
	return err
}
