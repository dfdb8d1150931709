package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/armorclaw/matrixsdk/pkg/securerandom"
)

// ssoStateEntry is one pending SSO round-trip: the embedder's redirect
// began it, and the homeserver's callback (carrying a login token) must
// present the matching, one-time-use state value to complete it.
type ssoStateEntry struct {
	callbackURL string
	createdAt   time.Time
}

// ssoStates tracks in-flight m.login.sso redirects, guarding against a
// forged or replayed callback completing a login it didn't initiate.
type ssoStates struct {
	mu      sync.Mutex
	entries map[string]*ssoStateEntry
}

func newSSOStates() *ssoStates {
	return &ssoStates{entries: make(map[string]*ssoStateEntry)}
}

func (s *ssoStates) generate(callbackURL string) (string, error) {
	state, err := securerandom.Token(24)
	if err != nil {
		return "", fmt.Errorf("generating sso state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = &ssoStateEntry{callbackURL: callbackURL, createdAt: time.Now()}

	cutoff := time.Now().Add(-10 * time.Minute)
	for k, v := range s.entries {
		if v.createdAt.Before(cutoff) {
			delete(s.entries, k)
		}
	}
	return state, nil
}

func (s *ssoStates) consume(state string) (*ssoStateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if ok {
		delete(s.entries, state)
	}
	return entry, ok
}

// LoginWithSSO starts the m.login.sso flow: it returns the homeserver URL
// the embedder should open in a browser, plus an opaque state value to
// present back to CompleteSSOLogin once the homeserver redirects to
// callbackURL with a login token appended.
func (c *Connection) LoginWithSSO(ctx context.Context, idpID, callbackURL string) (redirectURL, state string, err error) {
	c.mu.Lock()
	base := c.homeserverURL
	c.mu.Unlock()
	if base == "" {
		return "", "", mxerr.New(mxerr.KindLogin, "homeserver not resolved before LoginWithSSO")
	}
	if c.sso == nil {
		c.sso = newSSOStates()
	}

	state, err = c.sso.generate(callbackURL)
	if err != nil {
		return "", "", mxerr.Wrap(mxerr.KindLogin, "generating sso state", err)
	}

	path := "/_matrix/client/v3/login/sso/redirect"
	if idpID != "" {
		path += "/" + url.PathEscape(idpID)
	}
	redirectWithState := callbackURL + "?state=" + url.QueryEscape(state)
	redirectURL = fmt.Sprintf("%s%s?redirectUrl=%s", base, path, url.QueryEscape(redirectWithState))
	return redirectURL, state, nil
}

// CompleteSSOLogin validates state against a pending LoginWithSSO call,
// then exchanges loginToken for an access token via m.login.token.
func (c *Connection) CompleteSSOLogin(ctx context.Context, state, loginToken, initialDeviceName, deviceID string) error {
	if c.sso == nil {
		return mxerr.New(mxerr.KindLogin, "no sso login in progress")
	}
	if _, ok := c.sso.consume(state); !ok {
		return mxerr.New(mxerr.KindLogin, "unknown or already-used sso state")
	}
	return c.LoginWithToken(ctx, "", loginToken, initialDeviceName, deviceID)
}
