package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams keeps the expensive schemes fast.
var testParams = Params{
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

func TestHashVerifyRoundTrip(t *testing.T) {
	for _, scheme := range Schemes {
		t.Run(scheme.String(), func(t *testing.T) {
			stored, err := Hash(scheme, "hunter2", testParams)
			require.NoError(t, err)

			c := Parse(stored)
			assert.Equal(t, scheme, c.Scheme, "stored hash %q", stored)

			assert.True(t, Verify(scheme, stored, "hunter2"))
			assert.True(t, VerifyCredential(c, "hunter2"))
			assert.False(t, Verify(scheme, stored, "hunter3"))
			assert.False(t, Verify(scheme, stored, ""))
			assert.False(t, Verify(scheme, stored, "hunter2 "))
		})
	}
}

func TestSaltedHashesDiffer(t *testing.T) {
	for _, scheme := range []Scheme{SchemeArgon2id, SchemeScrypt, SchemePBKDF2SHA256, SchemeSSHA512, SchemeSHA512Crypt} {
		a := mustHash(t, scheme, "hunter2", testParams)
		b := mustHash(t, scheme, "hunter2", testParams)
		assert.NotEqual(t, a, b, scheme.String())
	}
}

func TestKnownDigest(t *testing.T) {
	// SHA-1("password")
	stored := "{SHA}W6ph5Mm5Pz8GgiULbPgzG37mj9g="
	assert.Equal(t, SchemeSHA, Parse(stored).Scheme)
	assert.True(t, Verify(SchemeSHA, stored, "password"))
	assert.False(t, Verify(SchemeSHA, stored, "Password"))

	// tags are case-insensitive
	assert.True(t, Verify(SchemeSHA, "{sha}W6ph5Mm5Pz8GgiULbPgzG37mj9g=", "password"))
}

func TestCryptWrapper(t *testing.T) {
	inner := mustHash(t, SchemeSHA512Crypt, "hunter2", testParams)
	stored := "{CRYPT}" + inner

	c := Parse(stored)
	assert.Equal(t, SchemeSHA512Crypt, c.Scheme)
	assert.Equal(t, inner, c.Hash)
	assert.True(t, Verify(SchemeSHA512Crypt, stored, "hunter2"))

	// {CRYPT} around a non-crypt hash is not recognized
	assert.Equal(t, SchemeUnknown, Parse("{CRYPT}{SHA}W6ph5Mm5Pz8GgiULbPgzG37mj9g=").Scheme)
}

func TestParse(t *testing.T) {
	tests := []struct {
		stored string
		want   Scheme
	}{
		{"", SchemeUnknown},
		{"hunter2", SchemeUnknown},
		{"{FOO}abc", SchemeUnknown},
		{"{SSHA", SchemeUnknown},
		{"$argon2id$v=19$m=1,t=1,p=1$a$b", SchemeArgon2id},
		{"$argon2i$v=19$m=1,t=1,p=1$a$b", SchemeArgon2i},
		{"$scrypt$ln=4,r=8,p=1$a$b", SchemeScrypt},
		{"$pbkdf2$1000$a$b", SchemePBKDF2SHA1},
		{"$pbkdf2-sha256$1000$a$b", SchemePBKDF2SHA256},
		{"$pbkdf2-sha512$1000$a$b", SchemePBKDF2SHA512},
		{"$2y$10$abcdefghijklmnopqrstuu", SchemeBcrypt},
		{"$1$salt$hash", SchemeMD5Crypt},
		{"$5$salt$hash", SchemeSHA256Crypt},
		{"$6$salt$hash", SchemeSHA512Crypt},
		{"{SSHA256}abc", SchemeSSHA256},
		{"{SMD5}abc", SchemeSMD5},
		{"{CLEARTEXT}abc", SchemePlain},
		{"$7$whatever", SchemeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.stored, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.stored).Scheme)
		})
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		scheme Scheme
		stored string
	}{
		{"unknown scheme", Scheme("rot13"), "{ROT13}uhagre2"},
		{"empty scheme", SchemeUnknown, "hunter2"},
		{"scheme mismatch", SchemeSSHA, "{SHA}W6ph5Mm5Pz8GgiULbPgzG37mj9g="},
		{"argon2 truncated", SchemeArgon2id, "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA"},
		{"argon2 bad version", SchemeArgon2id, "$argon2id$v=16$m=1024,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"argon2 huge memory", SchemeArgon2id, "$argon2id$v=19$m=4294967295,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"argon2 zero threads", SchemeArgon2id, "$argon2id$v=19$m=1024,t=1,p=0$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"argon2 bad base64", SchemeArgon2id, "$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaGhhc2g"},
		{"scrypt huge N", SchemeScrypt, "$scrypt$ln=40,r=8,p=1$c2FsdA$aGFzaGhhc2g"},
		{"scrypt garbage params", SchemeScrypt, "$scrypt$n=1$c2FsdA$aGFzaGhhc2g"},
		{"pbkdf2 bad rounds", SchemePBKDF2SHA256, "$pbkdf2-sha256$abc$c2FsdA$aGFzaGhhc2g"},
		{"pbkdf2 too many rounds", SchemePBKDF2SHA256, "$pbkdf2-sha256$999999999$c2FsdA$aGFzaGhhc2g"},
		{"bcrypt garbage", SchemeBcrypt, "$2b$xx$nonsense"},
		{"bcrypt excessive cost", SchemeBcrypt, "$2b$31$abcdefghijklmnopqrstuuabcdefghijklmnopqrstuvwxyzABCDE"},
		{"crypt garbage", SchemeSHA512Crypt, "$6$"},
		{"crypt excessive rounds", SchemeSHA512Crypt, "$6$rounds=999999999$salt$abc"},
		{"sha wrong length", SchemeSHA, "{SHA}aGFzaA=="},
		{"ssha missing salt", SchemeSSHA, "{SSHA}W6ph5Mm5Pz8GgiULbPgzG37mj9g="},
		{"ssha bad base64", SchemeSSHA, "{SSHA}***"},
		{"empty", SchemeSHA, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(tt.scheme, tt.stored, "hunter2"))
			})
		})
	}
}

func TestPBKDF2AdaptedBase64(t *testing.T) {
	stored := mustHash(t, SchemePBKDF2SHA512, "hunter2", testParams)
	parts := strings.Split(stored, "$")
	require.Len(t, parts, 5)
	assert.NotContains(t, parts[3]+parts[4], "+")
	assert.NotContains(t, parts[3]+parts[4], "=")
}

func TestParseScheme(t *testing.T) {
	s, ok := ParseScheme(" Argon2ID ")
	assert.True(t, ok)
	assert.Equal(t, SchemeArgon2id, s)

	_, ok = ParseScheme("rot13")
	assert.False(t, ok)
}

func TestHashUnsupported(t *testing.T) {
	_, err := Hash(Scheme("rot13"), "x", testParams)
	assert.Error(t, err)
}

func mustHash(t *testing.T, scheme Scheme, plaintext string, params Params) string {
	t.Helper()
	out, err := Hash(scheme, plaintext, params)
	require.NoError(t, err)
	return out
}
