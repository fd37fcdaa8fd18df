// Package token provides random secret generation and SHA-256 digest
// helpers with constant-time comparison.
package token
