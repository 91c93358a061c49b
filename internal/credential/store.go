package credential

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/tonimelisma/cloudlink/internal/secret"
)

// Store owns a service identity and its private key. All signing happens
// through Sign; raw key bytes are only visible inside WithKey callbacks.
// Safe for concurrent use.
type Store struct {
	identity ServiceIdentity

	// mu serializes key use against Clear; the buffer's closed state is
	// the cleared flag.
	mu  sync.Mutex
	key *secret.Buffer
}

// New validates the identity and key, then moves the key into a secret
// buffer. pemKey is zeroed whether or not validation succeeds.
func New(id ServiceIdentity, pemKey []byte) (*Store, error) {
	defer secret.Zero(pemKey)

	if err := Validate(id, pemKey); err != nil {
		return nil, err
	}

	buf, err := secret.NewFromBytes(pemKey)
	if err != nil {
		return nil, fmt.Errorf("credential: protecting key: %w", err)
	}

	id.Scopes = append([]string(nil), id.Scopes...)

	return &Store{identity: id, key: buf}, nil
}

// Identity returns a copy of the service identity.
func (s *Store) Identity() ServiceIdentity {
	id := s.identity
	id.Scopes = append([]string(nil), s.identity.Scopes...)

	return id
}

// WithKey calls fn with the PEM-encoded key. The slice must not escape fn.
func (s *Store) WithKey(fn func(pemKey []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key.Closed() {
		return ErrCredentialsCleared
	}

	return s.key.WithBytes(fn)
}

// Sign returns an RSASSA-PKCS1-v1_5 SHA-256 signature over payload.
func (s *Store) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)

	var sig []byte

	err := s.WithKey(func(pemKey []byte) error {
		key, der, parseErr := parseRSAKey(pemKey)
		defer secret.Zero(der)

		if parseErr != nil {
			return parseErr
		}

		var signErr error

		sig, signErr = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if signErr != nil {
			return fmt.Errorf("%w: signing: %w", ErrInvalidPrivateKey, signErr)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sig, nil
}

// PublicKey returns the public half of the signing key, for verifying
// assertions in tests and diagnostics.
func (s *Store) PublicKey() (*rsa.PublicKey, error) {
	var pub *rsa.PublicKey

	err := s.WithKey(func(pemKey []byte) error {
		key, der, parseErr := parseRSAKey(pemKey)
		defer secret.Zero(der)

		if parseErr != nil {
			return parseErr
		}

		pub = &key.PublicKey

		return nil
	})

	return pub, err
}

// Clear zeroes the key. Subsequent Sign calls fail with
// ErrCredentialsCleared. Clear is idempotent.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Close zeroes before unmapping and is idempotent; unmap errors leave
	// nothing readable.
	_ = s.key.Close()
}

// Close disposes of the store. Equivalent to Clear.
func (s *Store) Close() error {
	s.Clear()
	return nil
}

// Cleared reports whether the key has been zeroed.
func (s *Store) Cleared() bool {
	return s.key.Closed()
}

// KeyLocked reports whether the key is pinned in RAM. It is false when the
// process lacks the memory-lock limit, in which case the key may be
// swapped to disk.
func (s *Store) KeyLocked() bool {
	return s.key.Locked()
}

// parseRSAKey decodes a PKCS#8 or PKCS#1 PEM key. The returned DER slice
// is a heap copy of the key that the caller must zero.
func parseRSAKey(pemKey []byte) (*rsa.PrivateKey, []byte, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPrivateKey)
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, block.Bytes, fmt.Errorf("%w: PKCS#8 key is %T, want RSA", ErrInvalidPrivateKey, parsed)
		}

		return key, block.Bytes, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, block.Bytes, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}

	return key, block.Bytes, nil
}
