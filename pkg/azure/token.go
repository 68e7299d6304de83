package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultAuthorityHost = "https://login.microsoftonline.com"

// NewTokenSource builds an OAuth2 token source for the ARM control plane from
// environment variables.
//
// Required environment variables (client credential flow):
//   - AZURE_TENANT_ID
//   - AZURE_CLIENT_ID
//   - AZURE_CLIENT_SECRET
//
// Setting AZURE_ACCESS_TOKEN short-circuits the flow with a static token,
// which is useful for local runs against an already-minted token.
func NewTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if token := strings.TrimSpace(os.Getenv("AZURE_ACCESS_TOKEN")); token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil
	}

	tenant := strings.TrimSpace(os.Getenv("AZURE_TENANT_ID"))
	clientID := strings.TrimSpace(os.Getenv("AZURE_CLIENT_ID"))
	clientSecret := os.Getenv("AZURE_CLIENT_SECRET")
	if tenant == "" || clientID == "" || clientSecret == "" {
		return nil, errors.New("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET are required (or set AZURE_ACCESS_TOKEN)")
	}

	authority := strings.TrimSpace(os.Getenv("AZURE_AUTHORITY_HOST"))
	if authority == "" {
		authority = defaultAuthorityHost
	}

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(authority, "/"), tenant),
		Scopes:       []string{"https://management.azure.com/.default"},
	}

	return cfg.TokenSource(ctx), nil
}

// NewHTTPClient returns an HTTP client that injects bearer tokens from ts and
// traces outbound requests.
func NewHTTPClient(ctx context.Context, ts oauth2.TokenSource) *http.Client {
	base := &http.Client{
		Timeout:   60 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	return oauth2.NewClient(ctx, ts)
}
