// Package challenge links wallets to users by signed one-time nonces.
//
// A challenge is requested for a public key, signed by the wallet and
// verified exactly once. Nonces live in a NonceStore with a fixed TTL;
// reissuing a challenge overwrites any earlier nonce for the same key.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stellar/go/keypair"
)

// DefaultTTL is how long a nonce stays valid.
const DefaultTTL = 5 * time.Minute

const (
	keyPrefix     = "wallet:nonce:"
	messagePrefix = "Sign this message to link wallet: "
	nonceBytes    = 32
)

var (
	ErrNoChallenge      = errors.New("challenge: no pending challenge for this key")
	ErrStoreUnavailable = errors.New("challenge: nonce store unavailable")
)

// InvalidKeyFormatError is returned for a malformed public key.
type InvalidKeyFormatError struct {
	PublicKey string
	Err       error
}

func (e *InvalidKeyFormatError) Error() string {
	return fmt.Sprintf("challenge: invalid public key %q: %v", e.PublicKey, e.Err)
}

func (e *InvalidKeyFormatError) Unwrap() error { return e.Err }

// NonceStore is a key-value store with per-key expiry. Delete reports
// whether the key existed, which makes consumption exactly-once.
type NonceStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// Service issues and verifies wallet challenges.
type Service struct {
	store  NonceStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a challenge service. A non-positive ttl uses DefaultTTL.
func NewService(store NonceStore, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ttl: ttl, logger: logger}
}

// Message returns the exact text a wallet signs for nonce.
func Message(nonce string) string {
	return messagePrefix + nonce
}

func storeKey(publicKey string) string {
	return keyPrefix + publicKey
}

func parseKey(publicKey string) (*keypair.FromAddress, error) {
	kp, err := keypair.ParseAddress(publicKey)
	if err != nil {
		return nil, &InvalidKeyFormatError{PublicKey: publicKey, Err: err}
	}
	return kp, nil
}

// RequestChallenge stores a fresh nonce for publicKey and returns the
// message to sign.
func (s *Service) RequestChallenge(ctx context.Context, publicKey string) (string, error) {
	if _, err := parseKey(publicKey); err != nil {
		return "", err
	}

	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("challenge: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	if err := s.store.Set(ctx, storeKey(publicKey), nonce, s.ttl); err != nil {
		return "", err
	}
	s.logger.Debug("challenge issued", "wallet", publicKey)
	return Message(nonce), nil
}

// VerifyAndConsume checks signatureHex against the pending challenge for
// publicKey. A valid signature consumes the nonce before returning true;
// an invalid one returns false and leaves the nonce in place.
func (s *Service) VerifyAndConsume(ctx context.Context, publicKey, signatureHex string) (bool, error) {
	kp, err := parseKey(publicKey)
	if err != nil {
		return false, err
	}

	key := storeKey(publicKey)
	nonce, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoChallenge
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, nil
	}
	if err := kp.Verify([]byte(Message(nonce)), sig); err != nil {
		return false, nil
	}

	deleted, err := s.store.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if !deleted {
		// A concurrent verifier consumed it first.
		return false, ErrNoChallenge
	}
	s.logger.Info("wallet challenge verified", "wallet", publicKey)
	return true, nil
}
