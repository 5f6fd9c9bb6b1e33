// Package provider talks to the fitness provider's HTTP API: the OAuth token
// endpoint (oauth.go) and the paginated activity list (client.go,
// iterator.go).
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// OAuthConfig describes the provider's OAuth application.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	// Scope is sent verbatim. The provider expects a comma-separated list,
	// which oauth2's space-joined Scopes slice cannot express.
	Scope string
}

// Athlete is the account summary the token endpoint returns next to the
// tokens on the authorization-code grant.
type Athlete struct {
	ID        int64
	FirstName string
	LastName  string
	Profile   string
}

// TokenGrant is one token endpoint response.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Athlete      *Athlete // nil on refresh
}

// OAuthClient wraps golang.org/x/oauth2 for the authorization-code and
// refresh-token grants.
//
// The provider takes client credentials in the form body
// (oauth2.AuthStyleInParams) and returns an absolute "expires_at" alongside
// the usual "expires_in".
type OAuthClient struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthClient builds a client. httpClient may be nil.
func NewOAuthClient(cfg OAuthConfig, httpClient *http.Client) *OAuthClient {
	var scopes []string
	if cfg.Scope != "" {
		scopes = []string{cfg.Scope}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &OAuthClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// AuthURL returns the consent page URL for state.
func (c *OAuthClient) AuthURL(state string) string {
	return c.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("approval_prompt", "auto"),
	)
}

// Exchange trades an authorization code for a grant.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*TokenGrant, error) {
	tok, err := c.config.Exchange(c.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("provider: exchanging authorization code: %w", err)
	}
	return grantFromToken(tok), nil
}

// Refresh uses refreshToken to obtain a new access token. The provider may
// rotate the refresh token; callers must persist the returned one.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if refreshToken == "" {
		return nil, errors.New("provider: no refresh token")
	}

	// An empty access token is never Valid, so the TokenSource always hits
	// the token endpoint.
	src := c.config.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("provider: refreshing token: %w", err)
	}

	grant := grantFromToken(tok)
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

// withClient makes oauth2 use our http.Client (timeouts, test servers).
func (c *OAuthClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func grantFromToken(tok *oauth2.Token) *TokenGrant {
	g := &TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry.UTC(),
	}
	if g.TokenType == "" {
		g.TokenType = "Bearer"
	}

	// Prefer the provider's absolute expiry over oauth2's expires_in math.
	if v, ok := tok.Extra("expires_at").(float64); ok && v > 0 {
		g.ExpiresAt = time.Unix(int64(v), 0).UTC()
	}

	if raw, ok := tok.Extra("athlete").(map[string]any); ok {
		g.Athlete = athleteFromMap(raw)
	}
	return g
}

func athleteFromMap(m map[string]any) *Athlete {
	id, _ := m["id"].(float64)
	if id == 0 {
		return nil
	}
	a := &Athlete{ID: int64(id)}
	a.FirstName, _ = m["firstname"].(string)
	a.LastName, _ = m["lastname"].(string)
	a.Profile, _ = m["profile"].(string)
	return a
}
