package static

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/secret"
)

var testParams = secret.Params{Argon2Memory: 1024, Argon2Time: 1, Argon2Threads: 1, SaltLength: 16, KeyLength: 32}

const tableYAML = `
domains: [example.org, Example.NET.]
principals:
  - name: alice
    id: "1001"
    emails: [alice@example.org, a.smith@example.org]
    secret: "%s"
    description: Alice Smith
    quota: 1048576
    roles: [user, admin]
  - name: bob
    kind: user
    emails: [bob@example.org]
  - name: staff
    kind: list
    emails: [staff@example.org]
    members: [alice, bob@example.org, ghost]
  - name: admins
    kind: group
    members: [alice, staff]
`

func loadTable(t *testing.T) Config {
	t.Helper()
	hash, err := secret.Hash(secret.SchemeArgon2id, "hunter2", testParams)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(fmt.Sprintf(tableYAML, hash)), &cfg))
	return cfg
}

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	b, err := New(context.Background(), "static", cfg, false)
	require.NoError(t, err)
	return b
}

func TestLookup(t *testing.T) {
	b := newTestBackend(t, loadTable(t))
	ctx := context.Background()

	tests := []struct {
		name  string
		kind  directory.QueryKind
		value string
		want  string
	}{
		{"by name", directory.ByName, "alice", "alice"},
		{"by name folded", directory.ByName, " ALICE ", "alice"},
		{"by primary email", directory.ByEmail, "alice@example.org", "alice"},
		{"by secondary email", directory.ByEmail, "A.Smith@EXAMPLE.org", "alice"},
		{"by id", directory.ByID, "1001", "alice"},
		{"id defaults to name", directory.ByID, "bob", "bob"},
		{"list by email", directory.ByEmail, "staff@example.org", "staff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := b.Lookup(ctx, tt.kind, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}

	_, err := b.Lookup(ctx, directory.ByName, "mallory")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	_, err = b.Lookup(ctx, directory.ExpandMembers, "staff")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
}

func TestPrincipalFields(t *testing.T) {
	b := newTestBackend(t, loadTable(t))

	alice, err := b.Lookup(context.Background(), directory.ByName, "alice")
	require.NoError(t, err)

	assert.Equal(t, directory.KindIndividual, alice.Kind)
	assert.Equal(t, "alice@example.org", alice.PrimaryEmail())
	assert.Equal(t, secret.SchemeArgon2id, alice.Credential.Scheme)
	assert.Equal(t, "Alice Smith", alice.Attributes[directory.AttrDescription])
	assert.Equal(t, "1048576", alice.Attributes[directory.AttrQuota])
	assert.Equal(t, "user,admin", alice.Attributes[directory.AttrRoles])
	assert.Equal(t, []string{"admins", "staff"}, alice.MemberOf)

	bob, err := b.Lookup(context.Background(), directory.ByName, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"staff"}, bob.MemberOf, "membership by address is resolved")
	assert.False(t, bob.HasCredential())

	staff, err := b.Lookup(context.Background(), directory.ByName, "staff")
	require.NoError(t, err)
	assert.Equal(t, directory.KindList, staff.Kind)
	assert.Equal(t, []string{"admins"}, staff.MemberOf)
}

func TestLookupReturnsCopies(t *testing.T) {
	b := newTestBackend(t, loadTable(t))

	p, err := b.Lookup(context.Background(), directory.ByName, "alice")
	require.NoError(t, err)
	p.Emails[0] = "eve@example.org"

	again, err := b.Lookup(context.Background(), directory.ByName, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", again.PrimaryEmail())
}

func TestMembers(t *testing.T) {
	b := newTestBackend(t, loadTable(t))

	members, err := b.Members(context.Background(), "staff")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob@example.org", "ghost"}, members)

	_, err = b.Members(context.Background(), "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestDomains(t *testing.T) {
	b := newTestBackend(t, loadTable(t))

	assert.Equal(t, []string{"example.net", "example.org"}, b.domainList())

	ok, err := b.IsLocalDomain(context.Background(), "EXAMPLE.org")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.IsLocalDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaseSensitive(t *testing.T) {
	b, err := New(context.Background(), "static", Config{
		Principals: []PrincipalConfig{
			{Name: "Alice", Emails: []string{"Alice@Example.org"}},
			{Name: "alice"},
		},
	}, true)
	require.NoError(t, err)

	p, err := b.Lookup(context.Background(), directory.ByName, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)

	p, err = b.Lookup(context.Background(), directory.ByName, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)

	_, err = b.Lookup(context.Background(), directory.ByEmail, "alice@example.org")
	assert.ErrorIs(t, err, directory.ErrNotFound, "local part is case-sensitive")

	p, err = b.Lookup(context.Background(), directory.ByEmail, "Alice@EXAMPLE.ORG")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)
}

func TestNewRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name       string
		principals []PrincipalConfig
		wantErr    string
	}{
		{"missing name", []PrincipalConfig{{Kind: "user"}}, "name is required"},
		{"unknown kind", []PrincipalConfig{{Name: "x", Kind: "robot"}}, "unknown kind"},
		{"duplicate name", []PrincipalConfig{{Name: "x"}, {Name: "X"}}, "duplicate principal name"},
		{"duplicate id", []PrincipalConfig{{Name: "x", ID: "1"}, {Name: "y", ID: "1"}}, "reuses id"},
		{"duplicate address", []PrincipalConfig{
			{Name: "x", Emails: []string{"a@example.org"}},
			{Name: "y", Emails: []string{"A@example.org"}},
		}, "already belongs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), "static", Config{Principals: tt.principals}, false)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domains: [example.com]
principals:
  - name: carol
    emails: [carol@example.com]
`), 0o600))

	b, err := New(context.Background(), "static", Config{
		File:       path,
		Principals: []PrincipalConfig{{Name: "dave"}},
	}, false)
	require.NoError(t, err)

	_, err = b.Lookup(context.Background(), directory.ByEmail, "carol@example.com")
	assert.NoError(t, err)
	_, err = b.Lookup(context.Background(), directory.ByName, "dave")
	assert.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, b.domainList())

	_, err = New(context.Background(), "static", Config{File: filepath.Join(dir, "missing.yaml")}, false)
	assert.Error(t, err)
}

func TestDirectoryOverStaticTable(t *testing.T) {
	b := newTestBackend(t, loadTable(t))

	opts := directory.DefaultOptions()
	opts.HashParams = testParams
	d, err := directory.New(context.Background(), opts, b)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	assert.True(t, d.VerifyCredentials(ctx, "", "alice", "hunter2"))
	assert.True(t, d.VerifyCredentials(ctx, "", "a.smith@example.org", "hunter2"))
	assert.False(t, d.VerifyCredentials(ctx, "", "alice", "wrong"))
	assert.False(t, d.VerifyCredentials(ctx, "", "bob", "hunter2"))
	assert.False(t, d.VerifyCredentials(ctx, "", "mallory", "hunter2"))

	addrs, err := d.Expn(ctx, "", "staff@example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, addrs)

	members, err := d.ExpandMembers(ctx, "", "admins")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].Name)
	assert.Equal(t, "bob", members[1].Name)

	local, err := d.IsLocalDomain(ctx, "", "example.net")
	require.NoError(t, err)
	assert.True(t, local)
}
