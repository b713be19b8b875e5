package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// parseDN parses s when it looks like a distinguished name.
func parseDN(s string) (*ldap.DN, bool) {
	if !strings.Contains(s, "=") {
		return nil, false
	}
	dn, err := ldap.ParseDN(s)
	if err != nil || len(dn.RDNs) == 0 {
		return nil, false
	}
	return dn, true
}

// isDN reports whether s is a distinguished name rather than a plain
// member reference such as a uid or an address.
func isDN(s string) bool {
	_, ok := parseDN(s)
	return ok
}

// rdnValue returns the value of the leftmost RDN, e.g. "staff" for
// "cn=staff,ou=groups,dc=example,dc=org". Values that are not DNs are
// returned unchanged.
func rdnValue(s string) string {
	dn, ok := parseDN(s)
	if !ok || len(dn.RDNs[0].Attributes) == 0 {
		return s
	}
	return dn.RDNs[0].Attributes[0].Value
}

// normalizeDN returns a case-folded canonical form of dn for comparison.
func normalizeDN(s string) string {
	dn, ok := parseDN(s)
	if !ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.ToLower(dn.String())
}
