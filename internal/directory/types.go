package directory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/isometry/directoryd/internal/cache"
	"github.com/isometry/directoryd/internal/secret"
)

// Kind classifies a principal.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
	KindList       Kind = "list"
	KindAlias      Kind = "alias"
)

// ParseKind maps a stored kind name to a Kind. Unknown names are reported as
// not ok. "user", "account" and "person" are accepted for individuals.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "individual", "user", "account", "person", "":
		return KindIndividual, true
	case "group":
		return KindGroup, true
	case "list", "mailing_list", "mailinglist":
		return KindList, true
	case "alias":
		return KindAlias, true
	default:
		return "", false
	}
}

// IsContainer reports whether principals of this kind have members that are
// expanded rather than delivered to directly.
func (k Kind) IsContainer() bool {
	return k == KindGroup || k == KindList
}

// QueryKind selects the attribute a lookup matches on.
type QueryKind string

const (
	ByName        QueryKind = "by-name"
	ByEmail       QueryKind = "by-email"
	ByID          QueryKind = "by-id"
	ExpandMembers QueryKind = "expand-members"
	LocalDomain   QueryKind = "local-domain"
)

// ParseQueryKind accepts the query kind names and the short forms name,
// email and id.
func ParseQueryKind(s string) (QueryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "by-name", "name":
		return ByName, nil
	case "by-email", "email":
		return ByEmail, nil
	case "by-id", "id":
		return ByID, nil
	case "expand-members", "members":
		return ExpandMembers, nil
	case "local-domain", "domain":
		return LocalDomain, nil
	default:
		return "", fmt.Errorf("unknown query kind %q", s)
	}
}

// Capability is a bitmask of backend operations.
type Capability uint8

const (
	CapLookupByName Capability = 1 << iota
	CapLookupByEmail
	CapLookupByID
	CapExpandMembers
	CapFetchCredential
)

// CapAll is every capability.
const CapAll = CapLookupByName | CapLookupByEmail | CapLookupByID | CapExpandMembers | CapFetchCredential

// Has reports whether c includes every bit of want.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapLookupByName, "lookup-by-name"},
		{CapLookupByEmail, "lookup-by-email"},
		{CapLookupByID, "lookup-by-id"},
		{CapExpandMembers, "expand-members"},
		{CapFetchCredential, "fetch-credential"},
	}
	var parts []string
	for _, n := range names {
		if c.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// CapabilityFor returns the capability a query kind requires.
func CapabilityFor(kind QueryKind) Capability {
	switch kind {
	case ByName:
		return CapLookupByName
	case ByEmail:
		return CapLookupByEmail
	case ByID:
		return CapLookupByID
	case ExpandMembers:
		return CapExpandMembers
	default:
		return 0
	}
}

// Recognized attribute keys.
const (
	AttrDescription = "description"
	AttrQuota       = "quota"
	AttrRoles       = "roles"
)

// Principal is a directory entry: an account, group, list or alias.
type Principal struct {
	Name       string
	ID         string
	Kind       Kind
	Emails     []string // primary first
	Credential secret.Credential
	Members    []string
	MemberOf   []string
	Attributes map[string]string
	DN         string
}

// PrimaryEmail returns the first address, or "".
func (p *Principal) PrimaryEmail() string {
	if p == nil || len(p.Emails) == 0 {
		return ""
	}
	return p.Emails[0]
}

// HasCredential reports whether a stored credential is present.
func (p *Principal) HasCredential() bool {
	return p != nil && !p.Credential.IsZero()
}

// Clone returns a deep copy.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	c.Emails = slices.Clone(p.Emails)
	c.Members = slices.Clone(p.Members)
	c.MemberOf = slices.Clone(p.MemberOf)
	c.Attributes = maps.Clone(p.Attributes)
	return &c
}

// Backend is a directory store.
type Backend interface {
	ID() string
	Capabilities() Capability
	Lookup(ctx context.Context, kind QueryKind, value string) (*Principal, error)
	Members(ctx context.Context, name string) ([]string, error)
	Close() error
}

// Authenticator is implemented by backends that verify credentials
// themselves, such as LDAP bind authentication.
type Authenticator interface {
	Authenticate(ctx context.Context, p *Principal, plaintext string) (bool, error)
}

// DomainChecker is implemented by backends that know their local domains.
type DomainChecker interface {
	IsLocalDomain(ctx context.Context, domain string) (bool, error)
}

// CasePolicy controls lookup value canonicalization.
type CasePolicy int

const (
	// CaseFold trims and lower-cases values.
	CaseFold CasePolicy = iota
	// CaseExact only trims values.
	CaseExact
)

// Canonicalize applies the policy to value.
func (c CasePolicy) Canonicalize(value string) string {
	value = strings.TrimSpace(value)
	if c == CaseFold {
		return strings.ToLower(value)
	}
	return value
}

// LookupKey identifies a cached lookup.
type LookupKey struct {
	Backend string
	Kind    QueryKind
	Value   string // canonical
}

// NewLookupKey builds a key with a canonicalized value. Email domains are
// always case-insensitive.
func NewLookupKey(backend string, kind QueryKind, value string, policy CasePolicy) LookupKey {
	v := policy.Canonicalize(value)
	if (kind == ByEmail || kind == LocalDomain) && policy == CaseExact {
		if kind == LocalDomain {
			v = strings.ToLower(v)
		} else if at := strings.LastIndexByte(v, '@'); at >= 0 {
			v = v[:at] + strings.ToLower(v[at:])
		}
	}
	return LookupKey{Backend: backend, Kind: kind, Value: v}
}

// CacheKey converts k for storage in the lookup cache.
func (k LookupKey) CacheKey() cache.Key {
	return cache.Key{Backend: k.Backend, Kind: string(k.Kind), Value: k.Value}
}

func (k LookupKey) String() string {
	return k.Backend + "/" + string(k.Kind) + "/" + k.Value
}
