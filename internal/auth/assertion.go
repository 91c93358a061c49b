package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tonimelisma/cloudlink/internal/credential"
)

// assertionLifetime is the validity window requested for every assertion.
const assertionLifetime = time.Hour

// storeSigningMethod is an RS256 jwt.SigningMethod whose key is a
// *credential.Store. The private key never leaves the store; verification
// delegates to the stock RS256 method with a public key.
type storeSigningMethod struct{}

var signingMethodStore = storeSigningMethod{}

func (storeSigningMethod) Alg() string {
	return jwt.SigningMethodRS256.Alg()
}

func (storeSigningMethod) Sign(signingString string, key any) ([]byte, error) {
	store, ok := key.(*credential.Store)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}

	return store.Sign([]byte(signingString))
}

func (storeSigningMethod) Verify(signingString string, sig []byte, key any) error {
	return jwt.SigningMethodRS256.Verify(signingString, sig, key)
}

// buildAssertion returns a signed JWT asserting the store's identity for
// the given scopes, issued at now.
func buildAssertion(store *credential.Store, scopes []string, now time.Time) (string, error) {
	id := store.Identity()

	claims := jwt.MapClaims{
		"iss":   id.IssuerEmail,
		"aud":   id.TokenEndpoint,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	tok := jwt.NewWithClaims(signingMethodStore, claims)
	if id.KeyID != "" {
		tok.Header["kid"] = id.KeyID
	}

	signed, err := tok.SignedString(store)
	if err != nil {
		if errors.Is(err, credential.ErrCredentialsCleared) || errors.Is(err, credential.ErrInvalidPrivateKey) {
			return "", err
		}

		return "", fmt.Errorf("auth: signing assertion: %w", err)
	}

	return signed, nil
}
