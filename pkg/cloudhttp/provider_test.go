package cloudhttp

import "testing"

func TestDetectProvider(t *testing.T) {
	cases := map[string]Provider{
		"https://my-bucket.s3.amazonaws.com/key":        ProviderS3,
		"https://s3.us-west-2.amazonaws.com/bucket/key":  ProviderS3,
		"https://pub-abc123.r2.dev/key":                  ProviderR2,
		"https://account.r2.cloudflarestorage.com/key":   ProviderR2,
		"https://storage.googleapis.com/bucket/key":      ProviderGCS,
		"https://storage.cloud.google.com/bucket/key":     ProviderGCS,
		"https://account.blob.core.windows.net/container": ProviderAzure,
		"https://example.com/data.csv":                     ProviderS3,
	}
	for u, want := range cases {
		if got := DetectProvider(u); got != want {
			t.Errorf("DetectProvider(%q) = %q, want %q", u, got, want)
		}
	}
}
