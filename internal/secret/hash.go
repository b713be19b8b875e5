package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Params controls the cost of newly produced hashes. Verification reads its
// parameters from the stored hash and ignores Params.
type Params struct {
	Argon2Memory  uint32 `yaml:"argon2_memory" default:"65536"` // KiB
	Argon2Time    uint32 `yaml:"argon2_time" default:"3"`
	Argon2Threads uint8  `yaml:"argon2_threads" default:"4"`
	ScryptLogN    int    `yaml:"scrypt_log_n" default:"15"`
	ScryptR       int    `yaml:"scrypt_r" default:"8"`
	ScryptP       int    `yaml:"scrypt_p" default:"1"`
	PBKDF2Rounds  int    `yaml:"pbkdf2_rounds" default:"29000"`
	BcryptCost    int    `yaml:"bcrypt_cost" default:"10"`
	SaltLength    int    `yaml:"salt_length" default:"16"`
	KeyLength     int    `yaml:"key_length" default:"32"`
}

// DefaultParams returns production hashing costs.
func DefaultParams() Params {
	return Params{
		Argon2Memory:  64 * 1024,
		Argon2Time:    3,
		Argon2Threads: 4,
		ScryptLogN:    15,
		ScryptR:       8,
		ScryptP:       1,
		PBKDF2Rounds:  29000,
		BcryptCost:    bcrypt.DefaultCost,
		SaltLength:    16,
		KeyLength:     32,
	}
}

// Hash produces a stored credential string for plaintext under scheme.
func Hash(scheme Scheme, plaintext string, params Params) (string, error) {
	if params.SaltLength <= 0 {
		params.SaltLength = 16
	}
	if params.KeyLength <= 0 {
		params.KeyLength = 32
	}

	switch scheme {
	case SchemeArgon2id, SchemeArgon2i:
		return hashArgon2(scheme, plaintext, params)
	case SchemeScrypt:
		return hashScrypt(plaintext, params)
	case SchemePBKDF2SHA1, SchemePBKDF2SHA256, SchemePBKDF2SHA512:
		return hashPBKDF2(scheme, plaintext, params)
	case SchemeBcrypt:
		out, err := bcrypt.GenerateFromPassword([]byte(plaintext), params.BcryptCost)
		if err != nil {
			return "", fmt.Errorf("bcrypt: %w", err)
		}
		return string(out), nil
	case SchemeMD5Crypt, SchemeSHA256Crypt, SchemeSHA512Crypt:
		out, err := cryptFor(scheme).Generate([]byte(plaintext), nil)
		if err != nil {
			return "", fmt.Errorf("%s: %w", scheme, err)
		}
		return out, nil
	case SchemePlain:
		return "{PLAIN}" + plaintext, nil
	}

	if spec, ok := digestSpecs[scheme]; ok {
		var salt []byte
		if spec.salted {
			var err error
			if salt, err = randomSalt(params.SaltLength); err != nil {
				return "", err
			}
		}
		raw := append(saltedDigest(spec.newFn, plaintext, salt), salt...)
		return "{" + spec.tag + "}" + base64.StdEncoding.EncodeToString(raw), nil
	}

	return "", fmt.Errorf("unsupported hash scheme %q", string(scheme))
}

func hashArgon2(scheme Scheme, plaintext string, p Params) (string, error) {
	salt, err := randomSalt(p.SaltLength)
	if err != nil {
		return "", err
	}

	var key []byte
	if scheme == SchemeArgon2id {
		key = argon2.IDKey([]byte(plaintext), salt, p.Argon2Time, p.Argon2Memory, p.Argon2Threads, uint32(p.KeyLength))
	} else {
		key = argon2.Key([]byte(plaintext), salt, p.Argon2Time, p.Argon2Memory, p.Argon2Threads, uint32(p.KeyLength))
	}

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		scheme, argon2.Version, p.Argon2Memory, p.Argon2Time, p.Argon2Threads,
		encodeRawB64(salt), encodeRawB64(key)), nil
}

func hashScrypt(plaintext string, p Params) (string, error) {
	salt, err := randomSalt(p.SaltLength)
	if err != nil {
		return "", err
	}

	key, err := scrypt.Key([]byte(plaintext), salt, 1<<p.ScryptLogN, p.ScryptR, p.ScryptP, p.KeyLength)
	if err != nil {
		return "", fmt.Errorf("scrypt: %w", err)
	}

	return fmt.Sprintf("$scrypt$ln=%d,r=%d,p=%d$%s$%s",
		p.ScryptLogN, p.ScryptR, p.ScryptP, encodeRawB64(salt), encodeRawB64(key)), nil
}

func hashPBKDF2(scheme Scheme, plaintext string, p Params) (string, error) {
	salt, err := randomSalt(p.SaltLength)
	if err != nil {
		return "", err
	}

	tag := "pbkdf2"
	if scheme != SchemePBKDF2SHA1 {
		tag = string(scheme)
	}

	key := pbkdf2.Key([]byte(plaintext), salt, p.PBKDF2Rounds, p.KeyLength, pbkdf2Hash(tag))
	return fmt.Sprintf("$%s$%d$%s$%s", tag, p.PBKDF2Rounds, encodeAB64(salt), encodeAB64(key)), nil
}

func randomSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
