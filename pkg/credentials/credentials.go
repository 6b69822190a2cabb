// Package credentials implements the Credential & Auth Manager (spec.md
// §4.4): per-provider credential storage, derived auth headers, and OAuth2
// token refresh for providers that need it.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/wisbric/cloudquery/pkg/cloudhttp"
	"github.com/wisbric/cloudquery/pkg/events"
)

// validate is a package-level, concurrency-safe validator instance (spec.md
// §4.4 "credentials are validated before use").
var validate = validator.New(validator.WithRequiredStructEnabled())

// AuthMethod selects how a provider's credentials authenticate requests.
type AuthMethod string

const (
	AuthMethodSigV4    AuthMethod = "sigv4"
	AuthMethodAPIKey   AuthMethod = "api-key"
	AuthMethodOAuth2   AuthMethod = "oauth2"
	AuthMethodBearer   AuthMethod = "bearer"
)

// Credentials holds the raw secrets configured for one cloud provider.
// Only the fields relevant to the provider's AuthMethod are required.
type Credentials struct {
	Provider cloudhttp.Provider `validate:"required"`
	Method   AuthMethod         `validate:"required,oneof=sigv4 api-key oauth2 bearer"`

	AccessKeyID     string `validate:"required_if=Method sigv4"`
	SecretAccessKey string `validate:"required_if=Method sigv4"`
	Region          string `validate:"required_if=Method sigv4"`

	APIKey string `validate:"required_if=Method api-key"`
	// AuthEmail is required only for R2 under the api-key method, which
	// authenticates with the X-Auth-Key/X-Auth-Email pair rather than a
	// bearer token (spec.md §4.4).
	AuthEmail string `validate:"required_if=Provider r2 Method api-key"`

	BearerToken string `validate:"required_if=Method bearer"`

	OAuth2Config       *oauth2.Config `validate:"required_if=Method oauth2"`
	OAuth2RefreshToken string         `validate:"required_if=Method oauth2"`
}

// tokenCacheEntry holds a refreshed OAuth2 token, derived from Credentials
// and invalidated whenever SetCredentials replaces the source record
// (spec.md §4.4 "token cache derived from credentials").
type tokenCacheEntry struct {
	token *oauth2.Token
}

// Manager is the Credential & Auth Manager: a registry of per-provider
// Credentials plus their derived, lazily-refreshed token cache.
type Manager struct {
	mu          sync.RWMutex
	credentials map[cloudhttp.Provider]*Credentials
	tokens      map[cloudhttp.Provider]*tokenCacheEntry
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		credentials: make(map[cloudhttp.Provider]*Credentials),
		tokens:      make(map[cloudhttp.Provider]*tokenCacheEntry),
	}
}

// SetCredentials validates and stores credentials for a provider,
// invalidating any cached token derived from the previous record.
func (m *Manager) SetCredentials(creds *Credentials) error {
	if err := validate.Struct(creds); err != nil {
		return events.New(events.CodeUnsupportedAuthMethod, events.SourceOrchestration,
			"invalid credentials", events.WithProvider(string(creds.Provider)), events.WithCause(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[creds.Provider] = creds
	delete(m.tokens, creds.Provider)
	return nil
}

// Validate runs struct-tag validation on creds without storing it.
func (m *Manager) Validate(creds *Credentials) error {
	return validate.Struct(creds)
}

func (m *Manager) get(provider cloudhttp.Provider) (*Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[provider]
	return c, ok
}

// AuthHeaders returns the HTTP headers needed to authenticate a request to
// provider. S3/R2 (SigV4, API key) are synchronous; GCS/Azure (OAuth2)
// refresh the access token first if it has expired (spec.md §4.4).
func (m *Manager) AuthHeaders(ctx context.Context, provider cloudhttp.Provider, method, targetURL string) (map[string]string, error) {
	creds, ok := m.get(provider)
	if !ok {
		return nil, events.New(events.CodeUnsupportedAuthMethod, events.SourceOrchestration,
			fmt.Sprintf("no credentials configured for provider %s", provider), events.WithProvider(string(provider)))
	}

	switch creds.Method {
	case AuthMethodSigV4:
		return signSigV4(creds, method, targetURL), nil
	case AuthMethodAPIKey:
		if provider == cloudhttp.ProviderR2 {
			return map[string]string{
				"X-Auth-Key":   creds.APIKey,
				"X-Auth-Email": creds.AuthEmail,
			}, nil
		}
		return map[string]string{"Authorization": "Bearer " + creds.APIKey}, nil
	case AuthMethodBearer:
		return map[string]string{"Authorization": "Bearer " + creds.BearerToken}, nil
	case AuthMethodOAuth2:
		tok, err := m.RefreshIfNeeded(ctx, provider)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + tok.AccessToken}, nil
	default:
		return nil, events.New(events.CodeUnsupportedAuthMethod, events.SourceOrchestration,
			fmt.Sprintf("unsupported auth method %q", creds.Method), events.WithProvider(string(provider)))
	}
}

// RefreshIfNeeded returns a cached OAuth2 token for provider, refreshing it
// via its TokenSource if expired or absent (spec.md §4.4, §7
// NO_OAUTH2_TOKEN / TOKEN_REFRESH_FAILED).
func (m *Manager) RefreshIfNeeded(ctx context.Context, provider cloudhttp.Provider) (*oauth2.Token, error) {
	creds, ok := m.get(provider)
	if !ok || creds.Method != AuthMethodOAuth2 {
		return nil, events.New(events.CodeNoOAuth2Token, events.SourceOrchestration,
			fmt.Sprintf("no OAuth2 credentials configured for provider %s", provider), events.WithProvider(string(provider)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.tokens[provider]; ok && entry.token.Valid() {
		return entry.token, nil
	}

	src := creds.OAuth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.OAuth2RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, events.New(events.CodeTokenRefreshFailed, events.SourceOrchestration,
			fmt.Sprintf("refreshing OAuth2 token for provider %s", provider),
			events.WithProvider(string(provider)), events.WithCause(err))
	}

	m.tokens[provider] = &tokenCacheEntry{token: tok}
	return tok, nil
}

// signSigV4 attaches a well-formed AWS Signature Version 4 Authorization
// header. This is a reference-quality stub: it produces the correct header
// shape and covers the credential scope fields a server expects, but it
// does not compute the full canonical-request/string-to-sign hash chain
// spec'd by AWS. Real S3/R2 access needs a complete SigV4 implementation.
func signSigV4(creds *Credentials, method, targetURL string) map[string]string {
	date := time.Now().UTC().Format("20060102")
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", date, creds.Region)
	auth := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=host;x-amz-date, Signature=stub",
		creds.AccessKeyID, scope,
	)
	return map[string]string{
		"Authorization": auth,
		"X-Amz-Date":    time.Now().UTC().Format("20060102T150405Z"),
	}
}
