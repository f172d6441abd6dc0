package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashSecret returns the hex SHA-256 of a station's shared secret. Only
// the hash is ever stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqualHex compares two hex-encoded hashes without leaking
// timing.
func ConstantTimeEqualHex(aHex, bHex string) bool {
	a, err1 := hex.DecodeString(aHex)
	b, err2 := hex.DecodeString(bHex)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// VerifySecret checks a presented secret against a stored hash.
func VerifySecret(storedHashHex, presented string) bool {
	return ConstantTimeEqualHex(storedHashHex, HashSecret(presented))
}
