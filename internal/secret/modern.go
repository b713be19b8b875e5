package secret

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Upper bounds on parameters decoded from stored hashes.
const (
	maxArgon2Memory  = 1 << 21 // KiB
	maxArgon2Time    = 64
	maxScryptLogN    = 20
	maxScryptR       = 32
	maxScryptP       = 16
	maxPBKDF2Rounds  = 1 << 24
	maxBcryptCost    = 16
	maxDerivedKeyLen = 1024
)

// verifyArgon2 handles $argon2id$ and $argon2i$ in PHC string format.
func verifyArgon2(stored, plaintext string) bool {
	parts := strings.Split(stored, "$")
	// ["", variant, "v=19", "m=..,t=..,p=..", salt, hash]
	if len(parts) != 6 {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}
	if memory == 0 || memory > maxArgon2Memory || time == 0 || time > maxArgon2Time || threads == 0 || threads > 255 {
		return false
	}

	salt, err := decodeRawB64(parts[4])
	if err != nil {
		return false
	}
	expected, err := decodeRawB64(parts[5])
	if err != nil || len(expected) < 4 || len(expected) > maxDerivedKeyLen {
		return false
	}

	var derived []byte
	switch parts[1] {
	case "argon2id":
		derived = argon2.IDKey([]byte(plaintext), salt, time, memory, uint8(threads), uint32(len(expected)))
	case "argon2i":
		derived = argon2.Key([]byte(plaintext), salt, time, memory, uint8(threads), uint32(len(expected)))
	default:
		return false
	}

	return subtle.ConstantTimeCompare(derived, expected) == 1
}

// verifyScrypt handles $scrypt$ln=..,r=..,p=..$salt$hash.
func verifyScrypt(stored, plaintext string) bool {
	parts := strings.Split(stored, "$")
	// ["", "scrypt", "ln=..,r=..,p=..", salt, hash]
	if len(parts) != 5 {
		return false
	}

	var logN, r, p int
	if _, err := fmt.Sscanf(parts[2], "ln=%d,r=%d,p=%d", &logN, &r, &p); err != nil {
		return false
	}
	if logN < 1 || logN > maxScryptLogN || r < 1 || r > maxScryptR || p < 1 || p > maxScryptP {
		return false
	}

	salt, err := decodeRawB64(parts[3])
	if err != nil {
		return false
	}
	expected, err := decodeRawB64(parts[4])
	if err != nil || len(expected) < 4 || len(expected) > maxDerivedKeyLen {
		return false
	}

	derived, err := scrypt.Key([]byte(plaintext), salt, 1<<logN, r, p, len(expected))
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(derived, expected) == 1
}

// verifyPBKDF2 handles the passlib layout $pbkdf2[-sha256|-sha512]$rounds$salt$hash
// with adapted base64 ("." in place of "+", no padding).
func verifyPBKDF2(stored, plaintext string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 {
		return false
	}

	h := pbkdf2Hash(parts[1])
	if h == nil {
		return false
	}

	rounds, err := strconv.Atoi(parts[2])
	if err != nil || rounds < 1 || rounds > maxPBKDF2Rounds {
		return false
	}

	salt, err := decodeAB64(parts[3])
	if err != nil {
		return false
	}
	expected, err := decodeAB64(parts[4])
	if err != nil || len(expected) < 4 || len(expected) > maxDerivedKeyLen {
		return false
	}

	derived := pbkdf2.Key([]byte(plaintext), salt, rounds, len(expected), h)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}

func pbkdf2Hash(tag string) func() hash.Hash {
	switch tag {
	case "pbkdf2":
		return sha1.New
	case "pbkdf2-sha256":
		return sha256.New
	case "pbkdf2-sha512":
		return sha512.New
	default:
		return nil
	}
}

func verifyBcrypt(stored, plaintext string) bool {
	cost, err := bcrypt.Cost([]byte(stored))
	if err != nil || cost > maxBcryptCost {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plaintext)) == nil
}

func decodeRawB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func encodeRawB64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func decodeAB64(s string) ([]byte, error) {
	return decodeRawB64(strings.ReplaceAll(s, ".", "+"))
}

func encodeAB64(b []byte) string {
	return strings.ReplaceAll(encodeRawB64(b), "+", ".")
}
