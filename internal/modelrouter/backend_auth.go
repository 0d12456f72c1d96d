package modelrouter

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// BackendAuth mints service-to-service bearer tokens for local_only
// model backends that sit behind an OAuth2 gateway. Grounded on the
// teacher's internal/auth/oauth.go use of golang.org/x/oauth2 — there
// for end-user login, here repurposed for machine-to-machine auth via
// the client-credentials grant, which is the library-idiomatic way to
// authenticate a service rather than a human.
type BackendAuth struct {
	configs map[string]*clientcredentials.Config
}

// NewBackendAuth builds a BackendAuth with no registered backends.
func NewBackendAuth() *BackendAuth {
	return &BackendAuth{configs: make(map[string]*clientcredentials.Config)}
}

// Register configures the OAuth2 client-credentials flow for modelID.
func (b *BackendAuth) Register(modelID, clientID, clientSecret, tokenURL string, scopes []string) {
	b.configs[modelID] = &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
}

// Client returns an *http.Client that attaches a bearer token for
// modelID, refreshing it transparently. Returns nil if modelID has no
// registered backend — callers should fall back to an unauthenticated
// client in that case.
func (b *BackendAuth) Client(ctx context.Context, modelID string) *http.Client {
	cfg, ok := b.configs[modelID]
	if !ok {
		return nil
	}
	return cfg.Client(ctx)
}
