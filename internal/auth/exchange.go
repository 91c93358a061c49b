package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	jwtBearerGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	defaultTokenType = "Bearer"

	// maxErrorBody bounds how much of an error response is kept in HTTPError.
	maxErrorBody = 64 << 10
	// maxTokenBody bounds a successful token response.
	maxTokenBody = 1 << 20
)

// tokenResponse is the token endpoint's JSON reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// exchange trades a signed assertion for an access token. issuedAt anchors
// the expiry computation.
func exchange(
	ctx context.Context, client *http.Client, endpoint, assertion string, issuedAt time.Time,
) (AccessToken, error) {
	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fmt.Errorf("auth: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return AccessToken{}, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: reading token response: %w", ErrNetwork, err)
	}

	return parseTokenResponse(body, issuedAt)
}

func parseTokenResponse(body []byte, issuedAt time.Time) (AccessToken, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, fmt.Errorf("%w: %w", ErrTokenParsing, err)
	}

	if tr.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("%w: missing access_token", ErrTokenParsing)
	}

	if tr.TokenType == "" {
		tr.TokenType = defaultTokenType
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if tr.ExpiresIn <= 0 {
		lifetime = assertionLifetime
	}

	return AccessToken{
		Value:  tr.AccessToken,
		Type:   tr.TokenType,
		Expiry: issuedAt.Add(lifetime),
	}, nil
}
