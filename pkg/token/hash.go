package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// NewHasher returns a streaming SHA-256 hasher; pass its Sum to HexSum.
func NewHasher() hash.Hash {
	return sha256.New()
}

// HexSum returns the hex digest accumulated by h.
func HexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// EqualDigest compares two hex digests in constant time, ignoring case.
func EqualDigest(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyBytes reports whether data hashes to expected.
func VerifyBytes(data []byte, expected string) bool {
	return EqualDigest(HashBytes(data), expected)
}
