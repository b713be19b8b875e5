package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/directoryd/internal/secret"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"individual", KindIndividual, true},
		{"User", KindIndividual, true},
		{"", KindIndividual, true},
		{"group", KindGroup, true},
		{"mailing_list", KindList, true},
		{"alias", KindAlias, true},
		{"robot", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseKind(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, KindGroup.IsContainer())
	assert.True(t, KindList.IsContainer())
	assert.False(t, KindAlias.IsContainer())
}

func TestParseQueryKind(t *testing.T) {
	for in, want := range map[string]QueryKind{
		"name":           ByName,
		"by-email":       ByEmail,
		"ID":             ByID,
		"expand-members": ExpandMembers,
		"domain":         LocalDomain,
	} {
		got, err := ParseQueryKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseQueryKind("by-phone")
	assert.Error(t, err)
}

func TestCapability(t *testing.T) {
	c := CapLookupByName | CapExpandMembers

	assert.True(t, c.Has(CapLookupByName))
	assert.False(t, c.Has(CapLookupByEmail))
	assert.False(t, c.Has(CapLookupByName|CapLookupByEmail))
	assert.True(t, CapAll.Has(CapFetchCredential))
	assert.Equal(t, "lookup-by-name,expand-members", c.String())
	assert.Equal(t, "none", Capability(0).String())
	assert.Equal(t, CapLookupByID, CapabilityFor(ByID))
}

func TestNewLookupKey(t *testing.T) {
	tests := []struct {
		name   string
		kind   QueryKind
		value  string
		policy CasePolicy
		want   string
	}{
		{"fold", ByName, "  Alice ", CaseFold, "alice"},
		{"exact", ByName, "  Alice ", CaseExact, "Alice"},
		{"exact email folds the domain", ByEmail, "Alice@EXAMPLE.org", CaseExact, "Alice@example.org"},
		{"fold email", ByEmail, "Alice@EXAMPLE.org", CaseFold, "alice@example.org"},
		{"exact domain folds", LocalDomain, "EXAMPLE.org", CaseExact, "example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewLookupKey("main", tt.kind, tt.value, tt.policy)
			assert.Equal(t, tt.want, k.Value)
			assert.Equal(t, "main", k.CacheKey().Backend)
			assert.Equal(t, string(tt.kind), k.CacheKey().Kind)
		})
	}
}

func TestPrincipalClone(t *testing.T) {
	p := &Principal{
		Name:       "alice",
		Emails:     []string{"alice@example.org"},
		Members:    []string{"x"},
		MemberOf:   []string{"staff"},
		Attributes: map[string]string{AttrQuota: "10"},
		Credential: secret.Credential{Scheme: secret.SchemePlain, Hash: "{PLAIN}x"},
	}

	c := p.Clone()
	c.Emails[0] = "changed"
	c.MemberOf = append(c.MemberOf, "admins")
	c.Attributes[AttrQuota] = "0"

	assert.Equal(t, "alice@example.org", p.PrimaryEmail())
	assert.Equal(t, []string{"staff"}, p.MemberOf)
	assert.Equal(t, "10", p.Attributes[AttrQuota])
	assert.True(t, c.HasCredential())

	var nilP *Principal
	assert.Nil(t, nilP.Clone())
	assert.Equal(t, "", nilP.PrimaryEmail())
}

func TestBackendError(t *testing.T) {
	cause := errors.New("ldap: result code 32")
	err := NewBackendError("corp", "by-name", ErrNotFound, cause)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "backend corp: by-name failed: principal not found: ldap: result code 32", err.Error())

	wrapped := fmt.Errorf("lookup: %w", err)
	var be *BackendError
	require.ErrorAs(t, wrapped, &be)
	assert.Equal(t, "corp", be.Backend)

	bare := NewBackendError("", "search", ErrTimeout, nil)
	assert.Equal(t, "search failed: backend timeout", bare.Error())
	assert.Len(t, bare.Unwrap(), 1)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"wrapped kind", fmt.Errorf("x: %w", ErrPermissionDenied), ErrPermissionDenied},
		{"unknown", errors.New("read tcp: connection reset by peer"), ErrConnectionLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "ok", KindName(nil))
	assert.Equal(t, "not_found", KindName(NewBackendError("b", "op", ErrNotFound, nil)))
	assert.Equal(t, "timeout", KindName(NewBackendError("b", "op", nil, context.DeadlineExceeded)))
	assert.Equal(t, "canceled", KindName(context.Canceled))
	assert.True(t, IsRetryable(NewBackendError("b", "op", ErrConnectionLost, nil)))
	assert.False(t, IsRetryable(NewBackendError("b", "op", ErrMalformedResponse, nil)))
}
