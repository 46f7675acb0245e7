// Package client talks to the snapshelf HTTP API on behalf of a logged-in user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/snapshelf/backend/internal/auth"
	"github.com/snapshelf/backend/internal/models"
)

// AuthClient performs the credential-issuing calls. It is the only writer of the
// credential store besides the TokenGuard refresh protocol.
type AuthClient struct {
	baseURL string
	http    auth.Doer
	store   *auth.CredentialStore
}

// NewAuthClient returns a client for baseURL. A nil doer uses http.DefaultClient.
func NewAuthClient(baseURL string, doer auth.Doer, store *auth.CredentialStore) *AuthClient {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &AuthClient{baseURL: strings.TrimRight(baseURL, "/"), http: doer, store: store}
}

// Login exchanges a username and password for a credential pair and stores it.
func (c *AuthClient) Login(ctx context.Context, username, password string) error {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tokens models.SessionTokens
	if err := c.do(req, &tokens); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.store.Set(pairFrom(tokens))
	return nil
}

// Refresh implements auth.Refresher against POST /api/auth/token/refresh. A
// rejected refresh token maps to auth.ErrSessionExpired.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (auth.CredentialPair, error) {
	req, err := c.jsonRequest(ctx, "/api/auth/token/refresh", refreshBody{RefreshToken: refreshToken})
	if err != nil {
		return auth.CredentialPair{}, err
	}

	var tokens models.SessionTokens
	if err := c.do(req, &tokens); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return auth.CredentialPair{}, fmt.Errorf("%w: %s", auth.ErrSessionExpired, apiErr.Message)
		}
		return auth.CredentialPair{}, fmt.Errorf("refresh session: %w", err)
	}
	return pairFrom(tokens), nil
}

// Logout revokes the stored refresh token and clears the store. The store is
// cleared even when the server call fails.
func (c *AuthClient) Logout(ctx context.Context) error {
	pair := c.store.Get()
	c.store.Clear()
	if pair.RefreshToken == "" {
		return nil
	}

	req, err := c.jsonRequest(ctx, "/api/auth/logout", refreshBody{RefreshToken: pair.RefreshToken})
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (c *AuthClient) jsonRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *AuthClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func pairFrom(tokens models.SessionTokens) auth.CredentialPair {
	return auth.CredentialPair{
		AccessToken:     tokens.AccessToken,
		RefreshToken:    tokens.RefreshToken,
		AccessExpiresAt: tokens.AccessExpiresAt,
	}
}

var _ auth.Refresher = (*AuthClient)(nil)
