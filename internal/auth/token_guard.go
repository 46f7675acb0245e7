package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (CredentialPair, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, refreshToken string) (CredentialPair, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (CredentialPair, error) {
	return f(ctx, refreshToken)
}

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenGuardConfig tunes a TokenGuard.
type TokenGuardConfig struct {
	// ExemptPaths are URL path suffixes that never trigger a refresh (login and
	// refresh endpoints).
	ExemptPaths    []string
	RefreshTimeout time.Duration
}

// DefaultExemptPaths lists the endpoints that issue credentials.
var DefaultExemptPaths = []string{"/api/auth/token", "/api/auth/token/refresh"}

// TokenGuard attaches the current access token to outbound requests and, when a
// request is rejected with 401, coordinates a single refresh shared by every
// concurrent caller before replaying each request once.
type TokenGuard struct {
	store     *CredentialStore
	refresher Refresher
	client    Doer
	exempt    []string
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshOutcome
}

type refreshOutcome struct {
	accessToken string
	err         error
}

type retryKey struct{}

// NewTokenGuard wires a guard around client. A nil client uses http.DefaultClient.
func NewTokenGuard(store *CredentialStore, refresher Refresher, client Doer, cfg TokenGuardConfig, logger *slog.Logger) *TokenGuard {
	if store == nil {
		panic("auth: credential store must not be nil")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if len(cfg.ExemptPaths) == 0 {
		cfg.ExemptPaths = DefaultExemptPaths
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenGuard{
		store:     store,
		refresher: refresher,
		client:    client,
		exempt:    cfg.ExemptPaths,
		timeout:   cfg.RefreshTimeout,
		logger:    logger,
	}
}

// Do sends req with the current access token. A 401 on a first attempt runs the
// refresh protocol and replays req once with the new token. A replay that is
// rejected again fails with ErrSessionExpired.
func (g *TokenGuard) Do(req *http.Request) (*http.Response, error) {
	if err := makeReplayable(req); err != nil {
		return nil, err
	}

	usedToken := g.store.AccessToken()
	resp, err := g.send(req, usedToken, isRetry(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || g.isExempt(req) {
		return resp, nil
	}
	discard(resp)

	if isRetry(req.Context()) {
		return nil, ErrSessionExpired
	}

	token, err := g.awaitRefresh(req.Context(), usedToken)
	if err != nil {
		return nil, err
	}

	retried, err := g.send(req, token, true)
	if err != nil {
		return nil, err
	}
	if retried.StatusCode == http.StatusUnauthorized {
		discard(retried)
		return nil, ErrSessionExpired
	}
	return retried, nil
}

// awaitRefresh returns an access token newer than stale. It joins an in-flight
// refresh, reuses a token that already replaced stale, or leads a new refresh.
func (g *TokenGuard) awaitRefresh(ctx context.Context, stale string) (string, error) {
	g.mu.Lock()
	if g.refreshing {
		ch := make(chan refreshOutcome, 1)
		g.waiters = append(g.waiters, ch)
		g.mu.Unlock()

		select {
		case out := <-ch:
			return out.accessToken, out.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if current := g.store.AccessToken(); current != "" && current != stale {
		g.mu.Unlock()
		return current, nil
	}
	g.refreshing = true
	g.mu.Unlock()

	token, err := g.refresh(ctx)

	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.refreshing = false
	g.mu.Unlock()

	for _, w := range waiters {
		w <- refreshOutcome{accessToken: token, err: err}
	}

	return token, err
}

func (g *TokenGuard) refresh(ctx context.Context) (string, error) {
	pair := g.store.Get()
	if pair.RefreshToken == "" || g.refresher == nil {
		g.store.Clear()
		g.logger.Warn("no refresh token available, session expired")
		return "", ErrSessionExpired
	}

	// Detached from the triggering request; bounded by the guard timeout.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	next, err := g.refresher.Refresh(refreshCtx, pair.RefreshToken)
	if err == nil && next.AccessToken == "" {
		err = fmt.Errorf("refresh returned an empty access token")
	}
	if err != nil {
		g.store.Clear()
		g.logger.Warn("credential refresh failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	if next.RefreshToken == "" {
		next.RefreshToken = pair.RefreshToken
	}
	g.store.Set(next)
	g.logger.Debug("credential refreshed", "accessExpiresAt", next.AccessExpiresAt)

	return next.AccessToken, nil
}

func (g *TokenGuard) send(req *http.Request, token string, retry bool) (*http.Response, error) {
	ctx := req.Context()
	if retry {
		ctx = context.WithValue(ctx, retryKey{}, true)
	}

	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		clone.Body = body
	}
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	} else {
		clone.Header.Del("Authorization")
	}

	return g.client.Do(clone)
}

func (g *TokenGuard) isExempt(req *http.Request) bool {
	path := strings.TrimSuffix(req.URL.Path, "/")
	for _, suffix := range g.exempt {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func isRetry(ctx context.Context) bool {
	v, _ := ctx.Value(retryKey{}).(bool)
	return v
}

func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	_ = req.Body.Close()
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
