// Package credentials supplies bearer tokens to the record gateway. The
// sync core never runs a login flow; it only refreshes an existing grant
// and reacts to token expiry signalled by the server.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldlink/odoofield/internal/cachestore"
)

// Provider is the credential collaborator consumed by the gateway.
type Provider interface {
	// AccessToken returns a bearer token believed to be valid.
	AccessToken(ctx context.Context) (string, error)
	// Refresh forces a token refresh and returns the new token.
	Refresh(ctx context.Context) (string, error)
	// OnUnauthorized marks the current token stale; the gateway calls it
	// on a 401-class response before its single retry.
	OnUnauthorized()
}

const tokenCacheKey = "credentials/token"

// expirySkew refreshes tokens slightly before their JWT exp claim.
const expirySkew = 30 * time.Second

type persistedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OAuthProvider refreshes bearer tokens against a token endpoint and
// persists the pair in the cache store. Concurrent 401s collapse into a
// single refresh; losers reuse the winner's token.
type OAuthProvider struct {
	tokenURL string
	clientID string
	client   *http.Client
	store    *cachestore.Store
	now      func() time.Time

	mu    sync.Mutex
	token persistedToken
	stale bool
}

// NewOAuthProvider builds a provider seeded with a refresh token. The
// access token is acquired lazily on first use.
func NewOAuthProvider(tokenURL, clientID, refreshToken string, store *cachestore.Store) *OAuthProvider {
	p := &OAuthProvider{
		tokenURL: tokenURL,
		clientID: clientID,
		client:   &http.Client{Timeout: 15 * time.Second},
		store:    store,
		now:      time.Now,
	}
	if store != nil {
		var saved persistedToken
		if store.GetJSON(tokenCacheKey, &saved) && saved.RefreshToken != "" {
			p.token = saved
		}
	}
	if p.token.RefreshToken == "" {
		p.token.RefreshToken = refreshToken
	}
	return p
}

// AccessToken returns the cached token, refreshing first when it is
// stale, missing, or within the expiry skew window.
func (p *OAuthProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	token := p.token.AccessToken
	needsRefresh := p.stale || token == "" ||
		(!p.token.ExpiresAt.IsZero() && p.now().Add(expirySkew).After(p.token.ExpiresAt))
	p.mu.Unlock()

	if !needsRefresh {
		return token, nil
	}
	return p.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token. The mutex
// is held across the exchange so racing callers perform one refresh.
func (p *OAuthProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A racing caller may have refreshed while we waited for the lock.
	if !p.stale && p.token.AccessToken != "" &&
		(p.token.ExpiresAt.IsZero() || p.now().Add(expirySkew).Before(p.token.ExpiresAt)) {
		return p.token.AccessToken, nil
	}

	if p.token.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token available")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.token.RefreshToken},
		"client_id":     {p.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access token")
	}

	p.token.AccessToken = body.AccessToken
	if body.RefreshToken != "" {
		p.token.RefreshToken = body.RefreshToken
	}
	p.token.ExpiresAt = tokenExpiry(body.AccessToken, body.ExpiresIn, p.now())
	p.stale = false

	if p.store != nil {
		if err := p.store.SetJSON(tokenCacheKey, p.token); err != nil {
			log.Printf("⚠️ Failed to persist refreshed token: %v", err)
		}
	}
	return p.token.AccessToken, nil
}

// OnUnauthorized marks the cached token stale.
func (p *OAuthProvider) OnUnauthorized() {
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
}

// tokenExpiry prefers the JWT exp claim when the token parses as a JWT,
// falling back to the expires_in hint.
func tokenExpiry(token string, expiresIn int, now time.Time) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}

// Static is a fixed-token provider used by tests and by deployments that
// manage tokens externally.
type Static string

func (s Static) AccessToken(ctx context.Context) (string, error) { return string(s), nil }
func (s Static) Refresh(ctx context.Context) (string, error)     { return string(s), nil }
func (s Static) OnUnauthorized()                                 {}
