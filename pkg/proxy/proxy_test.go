package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/cloudquery/pkg/cloudhttp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchRotatesOnFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer good.Close()

	svc := New(testLogger(), []*Endpoint{
		newEndpoint(bad.URL, 0),
		newEndpoint(good.URL, 1),
	})

	resp, err := svc.Fetch(context.Background(), "https://example.com/key", cloudhttp.RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if svc.endpoints[0].Health() != 100-healthPenalty {
		t.Fatalf("bad endpoint health = %d, want %d", svc.endpoints[0].Health(), 100-healthPenalty)
	}
}

func TestFetchFailsWhenAllEndpointsExhausted(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	ep := newEndpoint(bad.URL, 0)
	svc := New(testLogger(), []*Endpoint{ep})

	for i := 0; i < 10; i++ {
		_, _ = svc.Fetch(context.Background(), "https://example.com/key", cloudhttp.RequestOptions{})
	}
	if ep.Health() != 0 {
		t.Fatalf("health = %d, want floor of 0", ep.Health())
	}

	_, err := svc.Fetch(context.Background(), "https://example.com/key", cloudhttp.RequestOptions{})
	if err == nil {
		t.Fatal("expected error once all endpoints are unhealthy")
	}
}

// TestCandidatesRankHealthAboveTiedPriority reproduces spec.md's proxy
// rotation scenario: two endpoints tied at health 50 with priorities {A:1,
// B:2} rank A first (priority tiebreak); once A's health decays to 40 while
// B stays at 50, B ranks first even though its priority is worse.
func TestCandidatesRankHealthAboveTiedPriority(t *testing.T) {
	a := newEndpoint("https://a.test", 1)
	b := newEndpoint("https://b.test", 2)
	a.health = 50
	b.health = 50
	svc := New(testLogger(), []*Endpoint{a, b})

	ranked := svc.candidates()
	if ranked[0] != a {
		t.Fatalf("tied health: want A first (lower priority), got %v", ranked[0].URL)
	}

	a.recordFailure()
	if a.Health() != 40 {
		t.Fatalf("A health = %d, want 40", a.Health())
	}
	if b.Health() != 50 {
		t.Fatalf("B health = %d, want unchanged at 50", b.Health())
	}

	ranked = svc.candidates()
	if ranked[0] != b {
		t.Fatalf("A decayed below B: want B first, got %v", ranked[0].URL)
	}
}

func TestFetchCachesResponseByMethodURLHeaders(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body"))
	}))
	defer srv.Close()

	svc := New(testLogger(), []*Endpoint{newEndpoint(srv.URL, 0)})
	opts := cloudhttp.RequestOptions{Headers: map[string]string{"Accept": "text/csv"}}

	if _, err := svc.Fetch(context.Background(), "https://example.com/key", opts); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Fetch(context.Background(), "https://example.com/key", opts); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("origin hits = %d, want 1 (second call should be served from cache)", hits)
	}
}
