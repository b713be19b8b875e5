package ldap

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/pool"
	"github.com/isometry/directoryd/internal/secret"
)

const (
	testBaseDN    = "dc=example,dc=org"
	testServiceDN = "cn=service,dc=example,dc=org"
	aliceDN       = "cn=alice,ou=people,dc=example,dc=org"
	bobDN         = "cn=bob,ou=people,dc=example,dc=org"
	staffDN       = "cn=staff,ou=groups,dc=example,dc=org"
	aliceUUID     = "6f1b3c52-2d4e-4a8b-9c1d-0e2f3a4b5c6d"
)

// fakeDirectory answers the searches issued by the backend from an
// in-memory entry table.
type fakeDirectory struct {
	mu        sync.Mutex
	entries   map[string]*ldap.Entry   // normalized DN
	filters   map[string][]*ldap.Entry // lower-cased rendered filter
	passwords map[string]string        // normalized DN
	searchErr error
	dials     int
	binds     []string
}

func newFakeDirectory(cfg Config) *fakeDirectory {
	d := &fakeDirectory{
		entries:   make(map[string]*ldap.Entry),
		filters:   make(map[string][]*ldap.Entry),
		passwords: map[string]string{normalizeDN(testServiceDN): "service-secret"},
	}

	d.add(cfg, aliceDN, map[string][]string{
		"cn":                   {"alice"},
		"mail":                 {"alice@example.org"},
		"mailAlternateAddress": {"A.Smith@example.org", "alice@example.org"},
		"userPassword":         {"{PLAIN}wonderland"},
		"objectClass":          {"top", "inetOrgPerson"},
		"entryUUID":            {aliceUUID},
		"memberOf":             {staffDN},
		"description":          {"Alice Smith"},
		"mailQuota":            {"1024"},
	})
	d.passwords[normalizeDN(aliceDN)] = "wonderland"

	d.add(cfg, bobDN, map[string][]string{
		"cn":          {"bob"},
		"mail":        {"bob@example.org"},
		"objectClass": {"inetOrgPerson"},
		"entryUUID":   {"a3e1c9d0-7b45-4f0e-8d2c-1b2a3c4d5e6f"},
	})

	d.add(cfg, staffDN, map[string][]string{
		"cn":          {"staff"},
		"mail":        {"staff@example.org"},
		"objectClass": {"top", "groupOfNames"},
		"member": {
			aliceDN,
			bobDN,
			"cn=ghost,ou=people,dc=example,dc=org",
			"CN=Alice,OU=People,DC=example,DC=org",
		},
	})

	d.add(cfg, "cn=postmaster,ou=aliases,dc=example,dc=org", map[string][]string{
		"cn":          {"postmaster"},
		"mail":        {"postmaster@example.org"},
		"objectClass": {"nisMailAlias"},
	})

	for _, name := range []string{"shared1", "shared2", "shared3"} {
		d.add(cfg, "cn="+name+",ou=people,dc=example,dc=org", map[string][]string{
			"cn":   {name},
			"mail": {"shared@example.org"},
		})
	}

	d.addFilter("(associatedDomain=example.org)", ldap.NewEntry(testBaseDN, map[string][]string{
		"associatedDomain": {"example.org"},
	}))
	return d
}

// add stores an entry and indexes it under the filters a lookup by name,
// email or id renders for it.
func (d *fakeDirectory) add(cfg Config, dn string, attrs map[string][]string) {
	e := ldap.NewEntry(dn, attrs)
	d.entries[normalizeDN(dn)] = e

	render := func(tmpl, value string) string {
		return strings.ReplaceAll(tmpl, "?", ldap.EscapeFilter(value))
	}
	for _, v := range attrs[cfg.Attributes.Name] {
		d.addFilter(render(cfg.Filters.ByName, v), e)
	}
	seen := map[string]bool{}
	for _, attr := range cfg.Attributes.Emails {
		for _, v := range attrs[attr] {
			if !seen[strings.ToLower(v)] {
				seen[strings.ToLower(v)] = true
				d.addFilter(render(cfg.Filters.ByEmail, v), e)
			}
		}
	}
	for _, v := range attrs["entryUUID"] {
		d.addFilter(render(cfg.Filters.ByID, v), e)
	}
}

func (d *fakeDirectory) addFilter(filter string, e *ldap.Entry) {
	key := strings.ToLower(filter)
	d.filters[key] = append(d.filters[key], e)
}

func (d *fakeDirectory) setSearchErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searchErr = err
}

func (d *fakeDirectory) setPassword(dn, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[normalizeDN(dn)] = password
}

func (d *fakeDirectory) dial(_ context.Context, _ *ServerInfo, _ *Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return &fakeConn{dir: d}, nil
}

type fakeConn struct {
	dir    *fakeDirectory
	bound  string
	closed bool
}

func (c *fakeConn) Bind(username, password string) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	c.dir.binds = append(c.dir.binds, username)

	if want, ok := c.dir.passwords[normalizeDN(username)]; ok && password != "" && want == password {
		c.bound = username
		return nil
	}
	c.bound = ""
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (c *fakeConn) UnauthenticatedBind(username string) error {
	c.bound = username
	return nil
}

func (c *fakeConn) GSSAPIBind(ldap.GSSAPIClient, string, string) error {
	return ldap.NewError(ldap.LDAPResultAuthMethodNotSupported, errors.New("GSSAPI not supported"))
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	if c.dir.searchErr != nil {
		return nil, c.dir.searchErr
	}

	res := &ldap.SearchResult{}
	if req.Scope == ldap.ScopeBaseObject {
		if req.BaseDN == "" {
			res.Entries = append(res.Entries, ldap.NewEntry("", nil))
			return res, nil
		}
		e, ok := c.dir.entries[normalizeDN(req.BaseDN)]
		if !ok {
			return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
		}
		res.Entries = append(res.Entries, e)
		return res, nil
	}

	matches := c.dir.filters[strings.ToLower(req.Filter)]
	if req.SizeLimit > 0 && len(matches) > req.SizeLimit {
		res.Entries = append(res.Entries, matches[:req.SizeLimit]...)
		return res, ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
	}
	res.Entries = append(res.Entries, matches...)
	return res, nil
}

func (c *fakeConn) IsClosing() bool {
	return c.closed
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URLs = []string{"ldap://ldap.example.org"}
	cfg.BaseDN = testBaseDN
	cfg.BindDN = testServiceDN
	cfg.BindPassword = "service-secret"
	cfg.Attributes.Name = "cn"
	cfg.Filters.ByName = "(&(objectClass=*)(cn=?))"
	return cfg
}

func testPoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.HealthCheckInterval = 0
	cfg.MaxRetries = 0
	cfg.AcquireTimeout = time.Second
	return cfg
}

func newTestBackend(t *testing.T, cfg Config) (*Backend, *fakeDirectory) {
	t.Helper()
	dir := newFakeDirectory(cfg)
	b, err := New(context.Background(), "ldap", cfg, Options{
		Pool: testPoolConfig(),
		Dial: dir.dial,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func TestLookup(t *testing.T) {
	b, _ := newTestBackend(t, testConfig())

	tests := []struct {
		name     string
		kind     directory.QueryKind
		value    string
		wantName string
		wantKind directory.Kind
	}{
		{"by name", directory.ByName, "alice", "alice", directory.KindIndividual},
		{"by name padded", directory.ByName, "  bob ", "bob", directory.KindIndividual},
		{"by primary email", directory.ByEmail, "alice@example.org", "alice", directory.KindIndividual},
		{"by alternate email", directory.ByEmail, "a.smith@example.org", "alice", directory.KindIndividual},
		{"by id", directory.ByID, aliceUUID, "alice", directory.KindIndividual},
		{"group", directory.ByName, "staff", "staff", directory.KindGroup},
		{"alias", directory.ByEmail, "postmaster@example.org", "postmaster", directory.KindAlias},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := b.Lookup(context.Background(), tt.kind, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name)
			assert.Equal(t, tt.wantKind, p.Kind)
		})
	}
}

func TestLookupFields(t *testing.T) {
	b, _ := newTestBackend(t, testConfig())

	p, err := b.Lookup(context.Background(), directory.ByName, "alice")
	require.NoError(t, err)

	assert.Equal(t, aliceDN, p.DN)
	assert.Equal(t, aliceUUID, p.ID)
	assert.Equal(t, []string{"alice@example.org", "A.Smith@example.org"}, p.Emails)
	assert.Equal(t, secret.SchemePlain, p.Credential.Scheme)
	assert.Equal(t, []string{"staff"}, p.MemberOf)
	assert.Empty(t, p.Members)
	assert.Equal(t, map[string]string{
		directory.AttrDescription: "Alice Smith",
		directory.AttrQuota:       "1024",
	}, p.Attributes)

	staff, err := b.Lookup(context.Background(), directory.ByName, "staff")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "ghost", "Alice"}, staff.Members)
	assert.Equal(t, staffDN, staff.ID, "entries without an id fall back to the DN")
}

func TestLookupNotFound(t *testing.T) {
	b, _ := newTestBackend(t, testConfig())

	tests := []struct {
		name  string
		kind  directory.QueryKind
		value string
	}{
		{"unknown name", directory.ByName, "nobody"},
		{"unknown email", directory.ByEmail, "nobody@example.org"},
		{"empty value", directory.ByName, "   "},
		{"filter metacharacters", directory.ByName, "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Lookup(context.Background(), tt.kind, tt.value)
			require.Error(t, err)
			assert.True(t, directory.IsNotFound(err))
		})
	}

	assert.Zero(t, b.Pool().Stats().Discarded)
}

func TestLookupAmbiguous(t *testing.T) {
	b, _ := newTestBackend(t, testConfig())

	_, err := b.Lookup(context.Background(), directory.ByEmail, "shared@example.org")
	require.Error(t, err)
	assert.ErrorIs(t, err, directory.ErrMalformedResponse)
}

func TestLookupUnsupported(t *testing.T) {
	cfg := testConfig()
	cfg.Filters.ByID = ""
	b, _ := newTestBackend(t, cfg)

	assert.False(t, b.Capabilities().Has(directory.CapLookupByID))

	_, err := b.Lookup(context.Background(), directory.ByID, aliceUUID)
	assert.ErrorIs(t, err, directory.ErrUnsupported)

	_, err = b.Lookup(context.Background(), directory.ExpandMembers, "staff")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
}

func TestLookupConnectionLost(t *testing.T) {
	b, dir := newTestBackend(t, testConfig())

	_, err := b.Lookup(context.Background(), directory.ByName, "alice")
	require.NoError(t, err)

	dir.setSearchErr(ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset by peer")))
	_, err = b.Lookup(context.Background(), directory.ByName, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, directory.ErrConnectionLost)
	assert.True(t, directory.IsRetryable(err))
	assert.Equal(t, int64(1), b.Pool().Stats().Discarded)

	dir.setSearchErr(nil)
	p, err := b.Lookup(context.Background(), directory.ByName, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, 2, dir.dials)
}

func TestServiceBindRejected(t *testing.T) {
	cfg := testConfig()
	cfg.BindPassword = "wrong"
	b, _ := newTestBackend(t, cfg)

	_, err := b.Lookup(context.Background(), directory.ByName, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, directory.ErrPermissionDenied)
	assert.ErrorIs(t, err, pool.ErrDial)
}

func TestMembers(t *testing.T) {
	b, _ := newTestBackend(t, testConfig())

	members, err := b.Members(context.Background(), "staff")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members, "dangling and duplicate members are skipped")

	_, err = b.Members(context.Background(), "nobody")
	assert.True(t, directory.IsNotFound(err))
}

func TestAuthenticate(t *testing.T) {
	cfg := testConfig()
	cfg.AuthBind = true
	b, dir := newTestBackend(t, cfg)

	assert.False(t, b.Capabilities().Has(directory.CapFetchCredential))

	ctx := context.Background()
	alice, err := b.Lookup(ctx, directory.ByName, "alice")
	require.NoError(t, err)
	assert.False(t, alice.HasCredential(), "secrets are not read when binding")

	ok, err := b.Authenticate(ctx, alice, "wonderland")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Authenticate(ctx, alice, "rabbit-hole")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Authenticate(ctx, alice, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Authenticate(ctx, &directory.Principal{Name: "nodn"}, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)

	plain, _ := newTestBackend(t, testConfig())
	ok, err = plain.Authenticate(ctx, alice, "wonderland")
	require.NoError(t, err)
	assert.False(t, ok, "binding is only used with auth_bind")

	dir.mu.Lock()
	last := dir.binds[len(dir.binds)-1]
	dir.mu.Unlock()
	assert.Equal(t, testServiceDN, last, "connections return to the pool bound as the service account")
	assert.Zero(t, b.Pool().Stats().Discarded)
}

func TestAuthenticateRebindFailure(t *testing.T) {
	cfg := testConfig()
	cfg.AuthBind = true
	b, dir := newTestBackend(t, cfg)

	ctx := context.Background()
	alice, err := b.Lookup(ctx, directory.ByName, "alice")
	require.NoError(t, err)

	dir.setPassword(testServiceDN, "rotated")

	ok, err := b.Authenticate(ctx, alice, "wonderland")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), b.Pool().Stats().Discarded, "a connection left bound as the principal is discarded")
}

func TestIsLocalDomain(t *testing.T) {
	ctx := context.Background()

	t.Run("listed domains", func(t *testing.T) {
		cfg := testConfig()
		cfg.LocalDomains = []string{"example.org", "Example.NET."}
		b, _ := newTestBackend(t, cfg)

		for domain, want := range map[string]bool{
			"example.org":  true,
			"EXAMPLE.net":  true,
			"example.org.": true,
			"example.com":  false,
			"":             false,
		} {
			got, err := b.IsLocalDomain(ctx, domain)
			require.NoError(t, err)
			assert.Equal(t, want, got, domain)
		}
	})

	t.Run("domain filter", func(t *testing.T) {
		cfg := testConfig()
		cfg.DomainFilter = "(associatedDomain=?)"
		b, _ := newTestBackend(t, cfg)

		got, err := b.IsLocalDomain(ctx, "example.org")
		require.NoError(t, err)
		assert.True(t, got)

		got, err = b.IsLocalDomain(ctx, "example.com")
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("unconfigured", func(t *testing.T) {
		b, _ := newTestBackend(t, testConfig())

		_, err := b.IsLocalDomain(ctx, "example.org")
		assert.ErrorIs(t, err, directory.ErrUnsupported)
	})
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDN = ""
	cfg.Filters.ByEmail = "(mail=*)"

	_, err := New(context.Background(), "ldap", cfg, Options{Pool: testPoolConfig()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_dn is required")
	assert.Contains(t, err.Error(), "filters.by_email")
}

func TestNewDiscoversServers(t *testing.T) {
	cfg := testConfig()
	cfg.URLs = nil
	cfg.Domain = "example.org"

	resolver := &fakeResolver{records: map[string][]*net.SRV{
		"_ldap._tcp.example.org": {{Target: "dc1.example.org.", Port: 389}},
	}}
	dir := newFakeDirectory(cfg)
	b, err := New(context.Background(), "ldap", cfg, Options{
		Pool:      testPoolConfig(),
		Dial:      dir.dial,
		Discovery: &SRVDiscovery{resolver: resolver},
	})
	require.NoError(t, err)
	defer b.Close()

	require.Len(t, b.servers, 1)
	assert.Equal(t, "dc1.example.org", b.servers[0].Host)
	assert.Equal(t, "srv", b.servers[0].Source)
}

func TestSearchAttributes(t *testing.T) {
	b, _ := newTestBackend(t, testConfig())
	assert.Equal(t, []string{
		"cn", "mail", "mailAlternateAddress", "userPassword", "member",
		"memberOf", "description", "mailQuota", "entryUUID", "objectClass",
	}, b.attrs)

	cfg := testConfig()
	cfg.AuthBind = true
	cfg.Attributes.Quota = ""
	cfg.Attributes.Emails = []string{"mail", "MAIL"}
	b, _ = newTestBackend(t, cfg)
	assert.NotContains(t, b.attrs, "userPassword")
	assert.NotContains(t, b.attrs, "")
	assert.Equal(t, 1, strings.Count(strings.Join(b.attrs, ","), "mail,"))
}

func TestDecodeID(t *testing.T) {
	guid, err := EncodeGUID(aliceUUID)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Attributes.ID = "objectGUID"
	b, _ := newTestBackend(t, cfg)

	e := ldap.NewEntry(aliceDN, map[string][]string{"objectGUID": {string(guid)}})
	assert.Equal(t, aliceUUID, b.decodeID(e))

	e = ldap.NewEntry(aliceDN, map[string][]string{"objectGUID": {"short"}})
	assert.Equal(t, aliceDN, b.decodeID(e), "undecodable ids fall back to the DN")

	filter, err := b.filterFor(directory.ByID, aliceUUID)
	require.NoError(t, err)
	assert.Contains(t, filter, `\`)

	_, err = b.filterFor(directory.ByID, "not-a-guid")
	assert.True(t, directory.IsNotFound(err))
}

func TestDirectoryOverLDAP(t *testing.T) {
	b, _ := newTestBackend(t, testConfig())

	opts := directory.DefaultOptions()
	opts.HashParams = secret.Params{Argon2Memory: 1024, Argon2Time: 1, Argon2Threads: 1, SaltLength: 16, KeyLength: 32}
	d, err := directory.New(context.Background(), opts, b)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	assert.True(t, d.VerifyCredentials(ctx, "", "alice", "wonderland"))
	assert.True(t, d.VerifyCredentials(ctx, "", "A.Smith@example.org", "wonderland"))
	assert.False(t, d.VerifyCredentials(ctx, "", "alice", "rabbit-hole"))
	assert.False(t, d.VerifyCredentials(ctx, "", "bob", "anything"), "principals without a secret cannot authenticate")
	assert.False(t, d.VerifyCredentials(ctx, "", "nobody", "wonderland"))

	addrs, err := d.Expn(ctx, "", "staff@example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, addrs)
}

func TestDirectoryOverLDAPBind(t *testing.T) {
	cfg := testConfig()
	cfg.AuthBind = true
	b, _ := newTestBackend(t, cfg)

	opts := directory.DefaultOptions()
	opts.HashParams = secret.Params{Argon2Memory: 1024, Argon2Time: 1, Argon2Threads: 1, SaltLength: 16, KeyLength: 32}
	d, err := directory.New(context.Background(), opts, b)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	assert.True(t, d.VerifyCredentials(ctx, "", "alice", "wonderland"))
	assert.False(t, d.VerifyCredentials(ctx, "", "alice", "rabbit-hole"))
	assert.False(t, d.VerifyCredentials(ctx, "", "bob", "wonderland"))
	assert.False(t, d.VerifyCredentials(ctx, "", "nobody", "wonderland"))
}
