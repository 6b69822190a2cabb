package credentials

import (
	"context"
	"testing"

	"github.com/wisbric/cloudquery/pkg/cloudhttp"
)

func TestSetCredentialsRejectsIncompleteSigV4(t *testing.T) {
	m := New()
	err := m.SetCredentials(&Credentials{
		Provider: cloudhttp.ProviderS3,
		Method:   AuthMethodSigV4,
	})
	if err == nil {
		t.Fatal("expected validation error for missing SigV4 fields")
	}
}

func TestAuthHeadersSigV4(t *testing.T) {
	m := New()
	err := m.SetCredentials(&Credentials{
		Provider:        cloudhttp.ProviderS3,
		Method:          AuthMethodSigV4,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	headers, err := m.AuthHeaders(context.Background(), cloudhttp.ProviderS3, "GET", "https://bucket.s3.amazonaws.com/key")
	if err != nil {
		t.Fatal(err)
	}
	if headers["Authorization"] == "" {
		t.Fatal("expected non-empty Authorization header")
	}
}

// TestAuthHeadersR2UsesAuthKeyEmailPair confirms R2 gets its own header
// scheme (spec.md §4.4 "R2 uses X-Auth-Key and X-Auth-Email") rather than
// the Authorization: Bearer shape every other api-key provider gets.
func TestAuthHeadersR2UsesAuthKeyEmailPair(t *testing.T) {
	m := New()
	err := m.SetCredentials(&Credentials{
		Provider:  cloudhttp.ProviderR2,
		Method:    AuthMethodAPIKey,
		APIKey:    "r2-key",
		AuthEmail: "ops@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	headers, err := m.AuthHeaders(context.Background(), cloudhttp.ProviderR2, "GET", "https://bucket.r2.cloudflarestorage.com/key")
	if err != nil {
		t.Fatal(err)
	}
	if headers["X-Auth-Key"] != "r2-key" {
		t.Fatalf("X-Auth-Key = %q, want r2-key", headers["X-Auth-Key"])
	}
	if headers["X-Auth-Email"] != "ops@example.com" {
		t.Fatalf("X-Auth-Email = %q, want ops@example.com", headers["X-Auth-Email"])
	}
	if _, ok := headers["Authorization"]; ok {
		t.Fatal("expected no Authorization header for R2 api-key auth")
	}
}

func TestAuthHeadersUnconfiguredProvider(t *testing.T) {
	m := New()
	_, err := m.AuthHeaders(context.Background(), cloudhttp.ProviderGCS, "GET", "https://storage.googleapis.com/bucket/key")
	if err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestSetCredentialsInvalidatesTokenCache(t *testing.T) {
	m := New()
	_ = m.SetCredentials(&Credentials{
		Provider:        cloudhttp.ProviderS3,
		Method:          AuthMethodAPIKey,
		APIKey:          "key-1",
	})
	m.mu.Lock()
	m.tokens[cloudhttp.ProviderS3] = &tokenCacheEntry{}
	m.mu.Unlock()

	_ = m.SetCredentials(&Credentials{
		Provider: cloudhttp.ProviderS3,
		Method:   AuthMethodAPIKey,
		APIKey:   "key-2",
	})

	m.mu.RLock()
	_, ok := m.tokens[cloudhttp.ProviderS3]
	m.mu.RUnlock()
	if ok {
		t.Fatal("expected token cache entry to be invalidated on credential replacement")
	}
}
