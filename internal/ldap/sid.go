package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
)

// DecodeSID renders a binary objectSid in S-1-5-21-... form.
func DecodeSID(raw []byte) (string, error) {
	// revision, sub-authority count, 6-byte authority, 4 bytes per
	// sub-authority
	if len(raw) < 8 || len(raw) != 8+4*int(raw[1]) {
		return "", fmt.Errorf("invalid SID length %d", len(raw))
	}
	sid := objectsid.Decode(raw)
	return sid.String(), nil
}

// isSIDString reports whether s looks like a textual SID.
func isSIDString(s string) bool {
	return len(s) >= 5 && strings.HasPrefix(s, "S-")
}
