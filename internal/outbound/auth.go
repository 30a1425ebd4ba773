// Package outbound implements the REST sender and connector profiles used by
// the outbox layer and the capability facades.
package outbound

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/aritmos/ibroker/errs"
)

// AuthType enumerates connector authentication schemes.
type AuthType string

const (
	// AuthNone sends no credentials.
	AuthNone AuthType = "none"
	// AuthAPIKey sends a static key in a configurable header.
	AuthAPIKey AuthType = "api-key"
	// AuthBearer sends a static bearer token.
	AuthBearer AuthType = "bearer"
	// AuthBasic sends HTTP basic credentials.
	AuthBasic AuthType = "basic"
	// AuthOAuth2 fetches client-credentials tokens with near-expiry caching.
	AuthOAuth2 AuthType = "oauth2"
)

// AuthConfig describes how a connector authenticates. Secrets here live only
// in configuration; resolved headers are composed at send time and never
// persisted.
type AuthConfig struct {
	Type AuthType `json:"type" yaml:"type"`
	// Header is the header name for api-key auth; defaults to X-Api-Key.
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	// Value is the api key or static bearer token.
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	TokenURL     string   `json:"tokenUrl,omitempty" yaml:"tokenUrl,omitempty"`
	ClientID     string   `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// authenticator resolves live auth headers for one connector. OAuth2 tokens
// are cached via a reuse source, which also single-flights refreshes.
type authenticator struct {
	cfg AuthConfig

	mu     sync.Mutex
	source oauth2.TokenSource
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	return &authenticator{cfg: cfg}
}

// headers composes the credential headers for one send.
func (a *authenticator) headers(ctx context.Context) (map[string]string, error) {
	if a == nil {
		return nil, nil
	}
	switch a.cfg.Type {
	case "", AuthNone:
		return nil, nil
	case AuthAPIKey:
		header := strings.TrimSpace(a.cfg.Header)
		if header == "" {
			header = "X-Api-Key"
		}
		return map[string]string{header: a.cfg.Value}, nil
	case AuthBearer:
		return map[string]string{"Authorization": "Bearer " + a.cfg.Value}, nil
	case AuthBasic:
		credentials := base64.StdEncoding.EncodeToString([]byte(a.cfg.Username + ":" + a.cfg.Password))
		return map[string]string{"Authorization": "Basic " + credentials}, nil
	case AuthOAuth2:
		token, err := a.token(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	default:
		return nil, errs.New("outbound", errs.CodeInvalidArgument,
			errs.WithMessage(fmt.Sprintf("unknown auth type %q", a.cfg.Type)))
	}
}

func (a *authenticator) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.source == nil {
		cc := clientcredentials.Config{
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			TokenURL:     a.cfg.TokenURL,
			Scopes:       a.cfg.Scopes,
		}
		// ReuseTokenSource caches until near expiry and single-flights
		// concurrent refreshes.
		a.source = oauth2.ReuseTokenSource(nil, cc.TokenSource(context.WithoutCancel(ctx)))
	}
	source := a.source
	a.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return "", errs.New("outbound", errs.CodeUpstreamHTTP,
			errs.WithMessage("oauth2 token fetch failed"),
			errs.WithHTTP(http.StatusUnauthorized),
			errs.WithCause(err),
		)
	}
	return token.AccessToken, nil
}

// invalidate drops the cached token source. Called after a 401 so the next
// send fetches a fresh token.
func (a *authenticator) invalidate() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.source = nil
	a.mu.Unlock()
}
