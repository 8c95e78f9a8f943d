package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Tokens closer than this to their expiry are fetched again.
const tokenExpiryBuffer = 5 * time.Minute

const defaultScope = "https://graph.microsoft.com/.default"

// tokenCache holds the client-credentials token of one Graph account.
type tokenCache struct {
	mu         sync.Mutex
	conf       clientcredentials.Config
	httpClient *http.Client
	token      *oauth2.Token
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		conf: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{defaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
}

// Token returns the cached access token or fetches a new one. Safe for
// concurrent use.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.token != nil && time.Until(tc.token.Expiry) > tokenExpiryBuffer {
		return tc.token.AccessToken, nil
	}
	return tc.fetch(ctx)
}

// ForceRefresh drops the cached token, for when Graph rejects one that
// has not expired yet.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.token = nil
	return tc.fetch(ctx)
}

// fetch requires tc.mu.
func (tc *tokenCache) fetch(ctx context.Context) (string, error) {
	if tc.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, tc.httpClient)
	}
	tok, err := tc.conf.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	tc.token = tok
	return tok.AccessToken, nil
}
