package secret

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
)

const maxCryptRounds = 1_000_000

type digestSpec struct {
	tag    string
	newFn  func() hash.Hash
	size   int
	salted bool
}

var digestSpecs = map[Scheme]digestSpec{
	SchemeSHA:     {"SHA", sha1.New, sha1.Size, false},
	SchemeSSHA:    {"SSHA", sha1.New, sha1.Size, true},
	SchemeSHA256:  {"SHA256", sha256.New, sha256.Size, false},
	SchemeSSHA256: {"SSHA256", sha256.New, sha256.Size, true},
	SchemeSHA512:  {"SHA512", sha512.New, sha512.Size, false},
	SchemeSSHA512: {"SSHA512", sha512.New, sha512.Size, true},
	SchemeMD5:     {"MD5", md5.New, md5.Size, false},
	SchemeSMD5:    {"SMD5", md5.New, md5.Size, true},
}

// verifyDigest handles {SHA}, {SSHA} and their SHA-2 and MD5 siblings. Salted
// variants store base64(digest(plaintext || salt) || salt).
func verifyDigest(stored, plaintext string) bool {
	end := strings.IndexByte(stored, '}')
	if !strings.HasPrefix(stored, "{") || end < 0 {
		return false
	}

	spec, ok := digestSpecs[digestTags[strings.ToUpper(stored[1:end])]]
	if !ok {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(stored[end+1:])
	if err != nil {
		return false
	}

	switch {
	case !spec.salted && len(raw) != spec.size:
		return false
	case spec.salted && len(raw) <= spec.size:
		return false
	}

	expected, salt := raw[:spec.size], raw[spec.size:]
	return subtle.ConstantTimeCompare(saltedDigest(spec.newFn, plaintext, salt), expected) == 1
}

func saltedDigest(newFn func() hash.Hash, plaintext string, salt []byte) []byte {
	h := newFn()
	h.Write([]byte(plaintext))
	h.Write(salt)
	return h.Sum(nil)
}

func cryptFor(scheme Scheme) crypt.Crypter {
	switch scheme {
	case SchemeMD5Crypt:
		return crypt.MD5.New()
	case SchemeSHA256Crypt:
		return crypt.SHA256.New()
	case SchemeSHA512Crypt:
		return crypt.SHA512.New()
	default:
		return nil
	}
}

// verifyCrypt handles $1$, $5$ and $6$ crypt(3) strings.
func verifyCrypt(stored, plaintext string) bool {
	c := cryptFor(Parse(stored).Scheme)
	if c == nil {
		return false
	}

	rounds, err := c.Cost(stored)
	if err != nil || rounds > maxCryptRounds {
		return false
	}

	return c.Verify(stored, []byte(plaintext)) == nil
}

// verifyPlain compares fixed-size digests of both values so the comparison
// time does not depend on the stored length.
func verifyPlain(stored, plaintext string) bool {
	end := strings.IndexByte(stored, '}')
	if end < 0 {
		return false
	}
	want := sha256.Sum256([]byte(stored[end+1:]))
	got := sha256.Sum256([]byte(plaintext))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
