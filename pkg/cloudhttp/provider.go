package cloudhttp

import (
	"net/url"
	"strings"
)

// Provider is a cloud storage provider tag (spec.md GLOSSARY).
type Provider string

const (
	ProviderS3    Provider = "s3"
	ProviderR2    Provider = "r2"
	ProviderGCS   Provider = "gcs"
	ProviderAzure Provider = "azure-blob"
)

// DetectProvider infers the cloud provider from a URL's hostname (spec.md
// §4.2). Pure URL inspection; no network access.
func DetectProvider(rawURL string) Provider {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ProviderS3
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case strings.HasSuffix(host, ".amazonaws.com"), strings.HasPrefix(host, "s3."):
		return ProviderS3
	case strings.HasSuffix(host, "r2.dev"), strings.HasSuffix(host, "r2.cloudflarestorage.com"):
		return ProviderR2
	case strings.HasSuffix(host, "googleapis.com"), host == "storage.cloud.google.com":
		return ProviderGCS
	case strings.HasSuffix(host, "blob.core.windows.net"):
		return ProviderAzure
	default:
		return ProviderS3
	}
}
