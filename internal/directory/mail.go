package directory

import (
	"context"
	"strings"
)

// IsLocalAddress reports whether address belongs to a principal of backend.
// An unknown address is not an error.
func (d *Directory) IsLocalAddress(ctx context.Context, backend, address string) (bool, error) {
	_, err := d.FindPrincipal(ctx, backend, ByEmail, address)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Vrfy returns the addresses of the principal owning address, primary first.
func (d *Directory) Vrfy(ctx context.Context, backend, address string) ([]string, error) {
	p, err := d.FindPrincipal(ctx, backend, ByEmail, address)
	if err != nil {
		return nil, err
	}
	return p.Emails, nil
}

// Expn expands the list owning listAddress and returns the primary address
// of every member that has one.
func (d *Directory) Expn(ctx context.Context, backend, listAddress string) ([]string, error) {
	list, err := d.FindPrincipal(ctx, backend, ByEmail, listAddress)
	if err != nil {
		return nil, err
	}

	members, err := d.ExpandMembers(ctx, backend, list.Name)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(members))
	for _, m := range members {
		if e := m.PrimaryEmail(); e != "" {
			addrs = append(addrs, e)
		}
	}
	return addrs, nil
}

// IsLocalDomain reports whether backend hosts mail for domain. Backends
// that do not track domains return ErrUnsupported.
func (d *Directory) IsLocalDomain(ctx context.Context, backend, domain string) (bool, error) {
	b, err := d.backend(backend)
	if err != nil {
		return false, err
	}
	checker, ok := b.(DomainChecker)
	if !ok {
		return false, NewBackendError(b.ID(), string(LocalDomain), ErrUnsupported, nil)
	}

	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	key := NewLookupKey(b.ID(), LocalDomain, domain, CaseFold)
	if key.Value == "" {
		return false, nil
	}

	res, err := d.cached(ctx, key, func(ctx context.Context) (result, error) {
		local, err := checker.IsLocalDomain(ctx, domain)
		if err != nil {
			return result{}, err
		}
		return result{local: local}, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return res.local, nil
}
