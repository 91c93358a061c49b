package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tonimelisma/cloudlink/internal/secret"
)

// DefaultTokenEndpoint is used when a credential bundle omits token_uri.
const DefaultTokenEndpoint = "https://oauth2.googleapis.com/token"

// Sentinel errors. Use errors.Is to check.
var (
	ErrInvalidCredentials = errors.New("credential: invalid credentials")
	ErrInvalidPrivateKey  = errors.New("credential: invalid private key")
	ErrCredentialsCleared = errors.New("credential: credentials cleared")
)

const (
	pemBeginMarker = "-----BEGIN"
	pemEndMarker   = "-----END"
)

// ServiceIdentity describes who is asking for tokens. It never carries the
// signing key; that is held only by Store.
type ServiceIdentity struct {
	IssuerEmail   string
	KeyID         string
	TokenEndpoint string
	Scopes        []string
}

// bundle mirrors the service-account JSON file format.
type bundle struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

// LoadFile reads a service-account JSON file and returns a validated Store.
func LoadFile(path string, scopes []string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: reading %s: %w", path, err)
	}

	return FromJSON(data, scopes)
}

// FromJSON parses a service-account JSON bundle and returns a validated Store.
// data is zeroed before returning because it contains the private key.
func FromJSON(data []byte, scopes []string) (*Store, error) {
	defer secret.Zero(data)

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: decoding bundle: %w", ErrInvalidCredentials, err)
	}

	if b.Type != "" && b.Type != "service_account" {
		return nil, fmt.Errorf("%w: unsupported credential type %q", ErrInvalidCredentials, b.Type)
	}

	endpoint := b.TokenURI
	if endpoint == "" {
		endpoint = DefaultTokenEndpoint
	}

	id := ServiceIdentity{
		IssuerEmail:   b.ClientEmail,
		KeyID:         b.PrivateKeyID,
		TokenEndpoint: endpoint,
		Scopes:        scopes,
	}

	// The decoded string is immutable heap memory; this copy is the only one
	// we can zero, and New zeroes it after moving it off-heap.
	return New(id, []byte(b.PrivateKey))
}

// Validate checks the identity and key material without parsing the key.
// Every problem is reported, joined.
func Validate(id ServiceIdentity, pemKey []byte) error {
	var errs []error

	email := strings.TrimSpace(id.IssuerEmail)
	if email == "" {
		errs = append(errs, errors.New("issuer email is empty"))
	} else if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		errs = append(errs, fmt.Errorf("issuer email %q is malformed", email))
	}

	if len(pemKey) == 0 {
		errs = append(errs, errors.New("private key is empty"))
	} else {
		key := string(pemKey)
		if !strings.Contains(key, pemBeginMarker) || !strings.Contains(key, pemEndMarker) {
			errs = append(errs, errors.New("private key is missing PEM begin/end markers"))
		}
	}

	u, err := url.Parse(id.TokenEndpoint)

	switch {
	case id.TokenEndpoint == "":
		errs = append(errs, errors.New("token endpoint is empty"))
	case err != nil:
		errs = append(errs, fmt.Errorf("token endpoint: %w", err))
	case u.Scheme != "https" || u.Host == "":
		errs = append(errs, fmt.Errorf("token endpoint %q must be an https URL", id.TokenEndpoint))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, errors.Join(errs...))
	}

	return nil
}
