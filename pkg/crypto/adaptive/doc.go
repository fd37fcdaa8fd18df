// Package adaptive provides authenticated encryption that picks its AEAD
// by platform: AES-256-GCM where the CPU accelerates AES, ChaCha20-Poly1305
// elsewhere.
//
// Keys are 32 bytes. DeriveKey stretches an operator passphrase into a key
// with argon2id. Ciphertexts carry their nonce as a prefix, so a Cipher is
// safe for concurrent use without external state.
//
//	key := adaptive.DeriveKey(passphrase, salt)
//	c, err := adaptive.New(key)
//	sealed, err := c.Encrypt(plaintext, aad)
//	plain, err := c.Decrypt(sealed, aad)
package adaptive
