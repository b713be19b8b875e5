package ldap

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUIDBytesLength is the size of an objectGUID value.
const GUIDBytesLength = 16

// swapGUID converts between the Active Directory mixed-endian layout and
// RFC 4122 byte order. The first three fields are little-endian; the
// conversion is its own inverse.
func swapGUID(b []byte) []byte {
	out := make([]byte, GUIDBytesLength)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// DecodeGUID renders a binary objectGUID as a hyphenated string.
func DecodeGUID(raw []byte) (string, error) {
	if len(raw) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(raw))
	}
	u, err := uuid.FromBytes(swapGUID(raw))
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// EncodeGUID converts a GUID string (hyphenated or compact) to the binary
// objectGUID layout.
func EncodeGUID(s string) ([]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid GUID format: %w", err)
	}
	return swapGUID(u[:]), nil
}

// guidFilterValue returns s as an escaped binary objectGUID assertion
// value.
func guidFilterValue(s string) (string, error) {
	raw, err := EncodeGUID(s)
	if err != nil {
		return "", err
	}
	return ldap.EscapeFilter(string(raw)), nil
}
