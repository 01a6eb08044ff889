package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyDerivationSalt = "keygate-key-derivation"

// DeriveKey expands an operator-supplied secret into size bytes of key
// material bound to purpose. Different purposes never share a key.
func DeriveKey(secret, purpose string, size int) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("derive %s key: empty secret", purpose)
	}
	reader := hkdf.New(sha256.New, []byte(secret), []byte(keyDerivationSalt), []byte(purpose))
	key := make([]byte, size)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// CookieEncryptionKey returns the base64 form expected by fiber's
// encryptcookie middleware.
func CookieEncryptionKey(secret string) (string, error) {
	key, err := DeriveKey(secret, "cookie-encryption", 32)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
