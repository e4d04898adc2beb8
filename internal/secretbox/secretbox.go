// Package secretbox encrypts escrow secret keys at rest.
//
// Tokens are three hex fields joined by ":": IV, GCM tag, ciphertext.
// The AES-256 key is SHA-256 of the caller's secret, so secrets of any
// length or format can serve as key material.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	ivSize    = 12
	tagSize   = 16
	separator = ":"
)

// ErrDecrypt is the failure class shared by every decryption error.
var ErrDecrypt = errors.New("secretbox: decryption failed")

// FormatError reports a token that cannot be parsed.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "secretbox: malformed token: " + e.Reason
}

func (e *FormatError) Unwrap() error { return ErrDecrypt }

// AuthenticationError reports a tag that did not verify: the ciphertext
// was tampered with or the wrong secret was supplied.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return "secretbox: authentication failed"
}

func (e *AuthenticationError) Unwrap() []error { return []error{ErrDecrypt, e.Err} }

func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func newGCM(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under secret. Every call uses a fresh IV.
func Encrypt(plaintext, secret string) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", fmt.Errorf("secretbox: init cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secretbox: read iv: %w", err)
	}

	// Seal appends the tag to the ciphertext.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, separator), nil
}

// Decrypt opens a token produced by Encrypt.
func Decrypt(token, secret string) (string, error) {
	parts := strings.Split(token, separator)
	if len(parts) != 3 {
		return "", &FormatError{Reason: fmt.Sprintf("expected 3 fields, got %d", len(parts))}
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", &FormatError{Reason: "invalid iv"}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", &FormatError{Reason: "invalid auth tag"}
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &FormatError{Reason: "invalid ciphertext"}
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", fmt.Errorf("secretbox: init cipher: %w", err)
	}

	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", &AuthenticationError{Err: err}
	}
	return string(plain), nil
}
