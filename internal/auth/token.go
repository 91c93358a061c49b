package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// AccessToken is an immutable bearer token minted by the token endpoint.
type AccessToken struct {
	Value  string
	Type   string
	Expiry time.Time
}

// Valid reports whether the token can still be used at now. A token whose
// expiry equals now is stale.
func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.Expiry)
}

// Header returns the Authorization header value.
func (t AccessToken) Header() string {
	typ := t.Type
	if typ == "" {
		typ = defaultTokenType
	}

	return typ + " " + t.Value
}

// OAuth2 converts the token for use with golang.org/x/oauth2 clients.
func (t AccessToken) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: t.Value,
		TokenType:   t.Type,
		Expiry:      t.Expiry,
	}
}

func fromOAuth2(tok *oauth2.Token) AccessToken {
	return AccessToken{
		Value:  tok.AccessToken,
		Type:   tok.TokenType,
		Expiry: tok.Expiry,
	}
}
