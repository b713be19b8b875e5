// Package secret verifies and produces stored password hashes.
//
// A stored credential is a string whose prefix identifies its scheme:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
//	$scrypt$ln=15,r=8,p=1$<salt>$<hash>
//	$pbkdf2-sha256$29000$<salt>$<hash>
//	$2b$10$...                      (bcrypt)
//	$1$ / $5$ / $6$                 (MD5, SHA-256, SHA-512 crypt)
//	{SSHA512}<base64>               (RFC 2307 style digests)
//	{PLAIN}<cleartext>
//
// Verification never performs I/O and fails closed: a malformed hash, an
// unknown scheme or any internal failure yields false.
package secret

import (
	"strings"
)

// Scheme identifies a password hashing scheme.
type Scheme string

// Supported schemes.
const (
	SchemeUnknown Scheme = ""

	SchemeArgon2id     Scheme = "argon2id"
	SchemeArgon2i      Scheme = "argon2i"
	SchemeScrypt       Scheme = "scrypt"
	SchemePBKDF2SHA1   Scheme = "pbkdf2-sha1"
	SchemePBKDF2SHA256 Scheme = "pbkdf2-sha256"
	SchemePBKDF2SHA512 Scheme = "pbkdf2-sha512"
	SchemeBcrypt       Scheme = "bcrypt"

	SchemeMD5Crypt    Scheme = "md5-crypt"
	SchemeSHA256Crypt Scheme = "sha256-crypt"
	SchemeSHA512Crypt Scheme = "sha512-crypt"

	SchemeSHA     Scheme = "sha"
	SchemeSSHA    Scheme = "ssha"
	SchemeSHA256  Scheme = "sha256"
	SchemeSSHA256 Scheme = "ssha256"
	SchemeSHA512  Scheme = "sha512"
	SchemeSSHA512 Scheme = "ssha512"
	SchemeMD5     Scheme = "md5"
	SchemeSMD5    Scheme = "smd5"

	SchemePlain Scheme = "plain"
)

// Schemes lists every supported scheme.
var Schemes = []Scheme{
	SchemeArgon2id, SchemeArgon2i, SchemeScrypt,
	SchemePBKDF2SHA1, SchemePBKDF2SHA256, SchemePBKDF2SHA512,
	SchemeBcrypt,
	SchemeMD5Crypt, SchemeSHA256Crypt, SchemeSHA512Crypt,
	SchemeSHA, SchemeSSHA, SchemeSHA256, SchemeSSHA256, SchemeSHA512, SchemeSSHA512,
	SchemeMD5, SchemeSMD5,
	SchemePlain,
}

// String returns the scheme tag.
func (s Scheme) String() string {
	if s == SchemeUnknown {
		return "unknown"
	}
	return string(s)
}

// Known reports whether s is a supported scheme.
func (s Scheme) Known() bool {
	_, ok := verifiers[s]
	return ok
}

// ParseScheme parses a scheme name as used in configuration.
func ParseScheme(name string) (Scheme, bool) {
	s := Scheme(strings.ToLower(strings.TrimSpace(name)))
	return s, s.Known()
}

// Credential is a stored password hash tagged with its scheme.
type Credential struct {
	Scheme Scheme
	Hash   string
}

// IsZero reports whether c holds no credential.
func (c Credential) IsZero() bool {
	return c.Hash == ""
}

// Parse tags a stored hash with the scheme derived from its prefix. The
// returned Hash has any {CRYPT} wrapper removed.
func Parse(stored string) Credential {
	if stored == "" {
		return Credential{}
	}

	if strings.HasPrefix(stored, "{") {
		end := strings.IndexByte(stored, '}')
		if end < 0 {
			return Credential{Hash: stored}
		}
		tag := strings.ToUpper(stored[1:end])
		if tag == "CRYPT" {
			inner := Parse(stored[end+1:])
			switch inner.Scheme {
			case SchemeMD5Crypt, SchemeSHA256Crypt, SchemeSHA512Crypt, SchemeBcrypt:
				return inner
			}
			return Credential{Hash: stored}
		}
		if scheme, ok := digestTags[tag]; ok {
			return Credential{Scheme: scheme, Hash: stored}
		}
		return Credential{Hash: stored}
	}

	for _, p := range dollarPrefixes {
		if strings.HasPrefix(stored, p.prefix) {
			return Credential{Scheme: p.scheme, Hash: stored}
		}
	}

	return Credential{Hash: stored}
}

var dollarPrefixes = []struct {
	prefix string
	scheme Scheme
}{
	{"$argon2id$", SchemeArgon2id},
	{"$argon2i$", SchemeArgon2i},
	{"$scrypt$", SchemeScrypt},
	{"$pbkdf2$", SchemePBKDF2SHA1},
	{"$pbkdf2-sha256$", SchemePBKDF2SHA256},
	{"$pbkdf2-sha512$", SchemePBKDF2SHA512},
	{"$2a$", SchemeBcrypt},
	{"$2b$", SchemeBcrypt},
	{"$2y$", SchemeBcrypt},
	{"$1$", SchemeMD5Crypt},
	{"$5$", SchemeSHA256Crypt},
	{"$6$", SchemeSHA512Crypt},
}

var digestTags = map[string]Scheme{
	"SHA":       SchemeSHA,
	"SSHA":      SchemeSSHA,
	"SHA256":    SchemeSHA256,
	"SSHA256":   SchemeSSHA256,
	"SHA512":    SchemeSHA512,
	"SSHA512":   SchemeSSHA512,
	"MD5":       SchemeMD5,
	"SMD5":      SchemeSMD5,
	"PLAIN":     SchemePlain,
	"CLEARTEXT": SchemePlain,
}

type verifyFunc func(stored, plaintext string) bool

var verifiers = map[Scheme]verifyFunc{
	SchemeArgon2id:     verifyArgon2,
	SchemeArgon2i:      verifyArgon2,
	SchemeScrypt:       verifyScrypt,
	SchemePBKDF2SHA1:   verifyPBKDF2,
	SchemePBKDF2SHA256: verifyPBKDF2,
	SchemePBKDF2SHA512: verifyPBKDF2,
	SchemeBcrypt:       verifyBcrypt,
	SchemeMD5Crypt:     verifyCrypt,
	SchemeSHA256Crypt:  verifyCrypt,
	SchemeSHA512Crypt:  verifyCrypt,
	SchemeSHA:          verifyDigest,
	SchemeSSHA:         verifyDigest,
	SchemeSHA256:       verifyDigest,
	SchemeSSHA256:      verifyDigest,
	SchemeSHA512:       verifyDigest,
	SchemeSSHA512:      verifyDigest,
	SchemeMD5:          verifyDigest,
	SchemeSMD5:         verifyDigest,
	SchemePlain:        verifyPlain,
}

// Verify reports whether plaintext matches the stored hash under scheme.
// A stored hash whose prefix disagrees with scheme does not verify.
func Verify(scheme Scheme, stored, plaintext string) (ok bool) {
	verify, known := verifiers[scheme]
	if !known {
		return false
	}

	c := Parse(stored)
	if c.Scheme != scheme {
		return false
	}

	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	return verify(c.Hash, plaintext)
}

// VerifyCredential verifies plaintext against c.
func VerifyCredential(c Credential, plaintext string) bool {
	return Verify(c.Scheme, c.Hash, plaintext)
}
