package directory

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/directoryd/internal/cache"
	"github.com/isometry/directoryd/internal/secret"
)

// cheap parameters keep the argon2 tests fast
var testParams = secret.Params{
	Argon2Memory:  1024,
	Argon2Time:    1,
	Argon2Threads: 1,
	ScryptLogN:    4,
	ScryptR:       8,
	ScryptP:       1,
	PBKDF2Rounds:  1000,
	BcryptCost:    4,
	SaltLength:    16,
	KeyLength:     32,
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HashParams = testParams
	opts.Retry = RetryPolicy{Enabled: true, Backoff: time.Millisecond}
	opts.Cache = cache.Config{Capacity: 1000, Shards: 1}
	return opts
}

func newTestDirectory(t *testing.T, opts Options, backends ...Backend) *Directory {
	t.Helper()
	d, err := New(context.Background(), opts, backends...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func credential(t *testing.T, scheme secret.Scheme, plaintext string) secret.Credential {
	t.Helper()
	stored, err := secret.Hash(scheme, plaintext, testParams)
	require.NoError(t, err)
	return secret.Parse(stored)
}

// MockBackend is a testify mock of Backend.
type MockBackend struct {
	mock.Mock
	id   string
	caps Capability
}

func newMockBackend(id string) *MockBackend {
	return &MockBackend{id: id, caps: CapAll}
}

func (m *MockBackend) ID() string               { return m.id }
func (m *MockBackend) Capabilities() Capability { return m.caps }

func (m *MockBackend) Lookup(ctx context.Context, kind QueryKind, value string) (*Principal, error) {
	args := m.Called(ctx, kind, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	p, ok := args.Get(0).(*Principal)
	if !ok {
		return nil, args.Error(1)
	}
	return p, args.Error(1)
}

func (m *MockBackend) Members(ctx context.Context, name string) ([]string, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBackend) Close() error {
	return nil
}

// memBackend is a small in-memory table.
type memBackend struct {
	id      string
	caps    Capability
	domains []string

	mu         sync.Mutex
	principals map[string]*Principal
	calls      map[QueryKind]int
}

func newMemBackend(id string, principals ...*Principal) *memBackend {
	b := &memBackend{
		id:         id,
		caps:       CapAll,
		principals: make(map[string]*Principal),
		calls:      make(map[QueryKind]int),
	}
	for _, p := range principals {
		b.principals[strings.ToLower(p.Name)] = p
	}
	return b
}

func (b *memBackend) ID() string               { return b.id }
func (b *memBackend) Capabilities() Capability { return b.caps }

func (b *memBackend) Lookup(_ context.Context, kind QueryKind, value string) (*Principal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[kind]++

	value = strings.ToLower(strings.TrimSpace(value))
	switch kind {
	case ByName:
		if p, ok := b.principals[value]; ok {
			return p.Clone(), nil
		}
	case ByEmail:
		for _, p := range b.principals {
			for _, e := range p.Emails {
				if strings.EqualFold(e, value) {
					return p.Clone(), nil
				}
			}
		}
	case ByID:
		for _, p := range b.principals {
			if p.ID == value {
				return p.Clone(), nil
			}
		}
	}
	return nil, NewBackendError(b.id, string(kind), ErrNotFound, nil)
}

func (b *memBackend) Members(_ context.Context, name string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[ExpandMembers]++

	p, ok := b.principals[strings.ToLower(name)]
	if !ok {
		return nil, NewBackendError(b.id, "members", ErrNotFound, nil)
	}
	return append([]string(nil), p.Members...), nil
}

func (b *memBackend) IsLocalDomain(_ context.Context, domain string) (bool, error) {
	for _, d := range b.domains {
		if strings.EqualFold(d, domain) {
			return true, nil
		}
	}
	return false, nil
}

func (b *memBackend) Close() error { return nil }

func (b *memBackend) callCount(kind QueryKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[kind]
}

// authBackend verifies passwords itself, like an LDAP bind.
type authBackend struct {
	*memBackend
	passwords map[string]string
	err       error
}

func (b *authBackend) Authenticate(_ context.Context, p *Principal, plaintext string) (bool, error) {
	if b.err != nil {
		return false, b.err
	}
	return b.passwords[p.Name] == plaintext, nil
}

func individual(name string, emails ...string) *Principal {
	return &Principal{Name: name, Kind: KindIndividual, Emails: emails}
}

func group(name string, members ...string) *Principal {
	return &Principal{Name: name, Kind: KindGroup, Members: members}
}

func names(ps []*Principal) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name)
	}
	return out
}
