package auth

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource adapts a Coordinator to oauth2.TokenSource.
type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

// OAuth2TokenSource returns an oauth2.TokenSource backed by the coordinator
// for use with oauth2.NewClient. ctx bounds every refresh the source makes.
func (c *Coordinator) OAuth2TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.c.AccessToken(s.ctx)
	if err != nil {
		return nil, err
	}

	return tok.OAuth2(), nil
}
