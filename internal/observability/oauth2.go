package observability

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config names the client-credentials grant used to authenticate
// outbound calls to an enterprise embedding/rerank/LLM endpoint that sits
// behind an OAuth2 gateway instead of a static API key.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Enabled reports whether enough fields are set to attempt the grant.
func (c OAuth2Config) Enabled() bool {
	return c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// WithOAuth2 wraps base so every outbound request carries a bearer token
// obtained (and transparently refreshed) via the OAuth2 client-credentials
// grant. If cfg is not Enabled, base is returned unchanged.
func WithOAuth2(base *http.Client, cfg OAuth2Config) *http.Client {
	if !cfg.Enabled() {
		return base
	}
	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return ccCfg.Client(ctx)
}

// ParseScopes splits a comma-separated env value into an OAuth2 scope list.
func ParseScopes(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
