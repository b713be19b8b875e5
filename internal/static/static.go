// Package static serves principals from an in-memory table built from
// configuration.
package static

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"gopkg.in/yaml.v3"

	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/logging"
	"github.com/isometry/directoryd/internal/secret"
)

// PrincipalConfig is one configured principal.
type PrincipalConfig struct {
	Name        string            `yaml:"name"`
	ID          string            `yaml:"id"`
	Kind        string            `yaml:"kind"`
	Emails      []string          `yaml:"emails"`
	Secret      string            `yaml:"secret"` // stored, tagged hash
	Members     []string          `yaml:"members"`
	MemberOf    []string          `yaml:"member_of"`
	Description string            `yaml:"description"`
	Quota       int64             `yaml:"quota"`
	Roles       []string          `yaml:"roles"`
	Attributes  map[string]string `yaml:"attributes"`
}

// Config is the static table. File, when set, names a YAML document with
// further principals and domains.
type Config struct {
	File       string            `yaml:"file"`
	Principals []PrincipalConfig `yaml:"principals"`
	Domains    []string          `yaml:"domains"`
}

// Backend is an immutable principal table.
type Backend struct {
	id     string
	policy directory.CasePolicy

	byName  map[string]*directory.Principal
	byEmail map[string]*directory.Principal
	byID    map[string]*directory.Principal
	domains map[string]struct{}
}

var (
	_ directory.Backend       = (*Backend)(nil)
	_ directory.DomainChecker = (*Backend)(nil)
)

// New builds the table. Duplicate names, addresses or ids are errors.
func New(ctx context.Context, id string, cfg Config, caseSensitive bool) (*Backend, error) {
	if cfg.File != "" {
		extra, err := LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		cfg.Principals = append(slices.Clone(cfg.Principals), extra.Principals...)
		cfg.Domains = append(slices.Clone(cfg.Domains), extra.Domains...)
	}

	b := &Backend{
		id:      id,
		policy:  directory.CaseFold,
		byName:  make(map[string]*directory.Principal, len(cfg.Principals)),
		byEmail: make(map[string]*directory.Principal),
		byID:    make(map[string]*directory.Principal),
		domains: make(map[string]struct{}, len(cfg.Domains)),
	}
	if caseSensitive {
		b.policy = directory.CaseExact
	}

	var errs []error
	for i, pc := range cfg.Principals {
		p, err := toPrincipal(pc)
		if err != nil {
			errs = append(errs, fmt.Errorf("principals[%d]: %w", i, err))
			continue
		}
		if err := b.index(p); err != nil {
			errs = append(errs, fmt.Errorf("principals[%d]: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("static backend %q: %w", id, err)
	}

	b.deriveMemberOf()

	for _, d := range cfg.Domains {
		if d = normalizeDomain(d); d != "" {
			b.domains[d] = struct{}{}
		}
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemStatic, "Static directory loaded", map[string]any{
		"backend":    id,
		"principals": len(b.byName),
		"addresses":  len(b.byEmail),
		"domains":    b.domainList(),
	})

	return b, nil
}

// LoadFile reads a static table from a YAML file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read static table: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse static table %s: %w", path, err)
	}
	if cfg.File != "" {
		return Config{}, fmt.Errorf("static table %s: nested file references are not supported", path)
	}
	return cfg, nil
}

func toPrincipal(pc PrincipalConfig) (*directory.Principal, error) {
	name := strings.TrimSpace(pc.Name)
	if name == "" {
		return nil, errors.New("name is required")
	}

	kind, ok := directory.ParseKind(pc.Kind)
	if !ok {
		return nil, fmt.Errorf("%s: unknown kind %q", name, pc.Kind)
	}

	p := &directory.Principal{
		Name:     name,
		ID:       pc.ID,
		Kind:     kind,
		Members:  slices.Clone(pc.Members),
		MemberOf: slices.Clone(pc.MemberOf),
	}
	if p.ID == "" {
		p.ID = name
	}

	for _, e := range pc.Emails {
		if e = strings.TrimSpace(e); e != "" {
			p.Emails = append(p.Emails, e)
		}
	}

	if pc.Secret != "" {
		p.Credential = secret.Parse(pc.Secret)
	}

	attrs := make(map[string]string, len(pc.Attributes)+3)
	maps.Copy(attrs, pc.Attributes)
	if pc.Description != "" {
		attrs[directory.AttrDescription] = pc.Description
	}
	if pc.Quota > 0 {
		attrs[directory.AttrQuota] = strconv.FormatInt(pc.Quota, 10)
	}
	if len(pc.Roles) > 0 {
		attrs[directory.AttrRoles] = strings.Join(pc.Roles, ",")
	}
	if len(attrs) > 0 {
		p.Attributes = attrs
	}

	return p, nil
}

func (b *Backend) index(p *directory.Principal) error {
	name := b.policy.Canonicalize(p.Name)
	if _, dup := b.byName[name]; dup {
		return fmt.Errorf("duplicate principal name %q", p.Name)
	}

	id := b.policy.Canonicalize(p.ID)
	if other, dup := b.byID[id]; dup {
		return fmt.Errorf("principal %q reuses id %q of %q", p.Name, p.ID, other.Name)
	}

	for _, e := range p.Emails {
		key := b.emailKey(e)
		if other, dup := b.byEmail[key]; dup {
			return fmt.Errorf("address %q of %q already belongs to %q", e, p.Name, other.Name)
		}
	}

	b.byName[name] = p
	b.byID[id] = p
	for _, e := range p.Emails {
		b.byEmail[b.emailKey(e)] = p
	}
	return nil
}

func (b *Backend) emailKey(address string) string {
	return directory.NewLookupKey(b.id, directory.ByEmail, address, b.policy).Value
}

// deriveMemberOf adds every container to the MemberOf list of its members.
func (b *Backend) deriveMemberOf() {
	for _, container := range b.byName {
		if !container.Kind.IsContainer() {
			continue
		}
		for _, m := range container.Members {
			member := b.resolve(m)
			if member == nil {
				continue
			}
			if !slices.ContainsFunc(member.MemberOf, func(s string) bool {
				return b.policy.Canonicalize(s) == b.policy.Canonicalize(container.Name)
			}) {
				member.MemberOf = append(member.MemberOf, container.Name)
			}
		}
	}
	for _, p := range b.byName {
		slices.Sort(p.MemberOf)
	}
}

func (b *Backend) resolve(ref string) *directory.Principal {
	if p, ok := b.byName[b.policy.Canonicalize(ref)]; ok {
		return p
	}
	if strings.Contains(ref, "@") {
		return b.byEmail[b.emailKey(ref)]
	}
	return nil
}

// ID returns the backend id.
func (b *Backend) ID() string {
	return b.id
}

// Capabilities reports full support.
func (b *Backend) Capabilities() directory.Capability {
	return directory.CapAll
}

// Lookup finds a principal in the table.
func (b *Backend) Lookup(ctx context.Context, kind directory.QueryKind, value string) (*directory.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, directory.NewBackendError(b.id, string(kind), nil, err)
	}

	var p *directory.Principal
	switch kind {
	case directory.ByName:
		p = b.byName[b.policy.Canonicalize(value)]
	case directory.ByEmail:
		p = b.byEmail[b.emailKey(value)]
	case directory.ByID:
		p = b.byID[b.policy.Canonicalize(value)]
	default:
		return nil, directory.NewBackendError(b.id, string(kind), directory.ErrUnsupported, nil)
	}

	if p == nil {
		tflog.SubsystemTrace(ctx, logging.SubsystemStatic, "Principal not found", map[string]any{
			"backend":    b.id,
			"query_kind": string(kind),
		})
		return nil, directory.NewBackendError(b.id, string(kind), directory.ErrNotFound, nil)
	}
	return p.Clone(), nil
}

// Members returns the configured members of a container.
func (b *Backend) Members(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, directory.NewBackendError(b.id, "members", nil, err)
	}
	p, ok := b.byName[b.policy.Canonicalize(name)]
	if !ok {
		return nil, directory.NewBackendError(b.id, "members", directory.ErrNotFound, nil)
	}
	return slices.Clone(p.Members), nil
}

// IsLocalDomain reports whether domain is configured.
func (b *Backend) IsLocalDomain(_ context.Context, domain string) (bool, error) {
	_, ok := b.domains[normalizeDomain(domain)]
	return ok, nil
}

// domainList returns the configured domains, sorted.
func (b *Backend) domainList() []string {
	out := make([]string, 0, len(b.domains))
	for d := range b.domains {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
}
