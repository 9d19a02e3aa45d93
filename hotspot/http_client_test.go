package hotspot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const feedJSON = `[
	{"id": "c1", "lat": 40.7128, "lon": -74.0060, "timestamp": "2024-03-01T20:00:00Z", "category": "Fire"},
	{"id": "c2", "latitude": 40.7130, "longitude": -74.0062, "timestamp": "2024-03-01T20:05:00Z", "call_type": "Assault"}
]`

func TestFetchIncidents_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("expected Accept: application/json, got %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedJSON))
	}))
	defer srv.Close()

	incidents, err := FetchIncidents(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchIncidents() error: %v", err)
	}
	if len(incidents) != 2 {
		t.Fatalf("len(incidents) = %d, want 2", len(incidents))
	}
	if incidents[1].Category != "Assault" || incidents[1].Lat != 40.7130 {
		t.Errorf("incidents[1] = %+v", incidents[1])
	}
}

func TestFetchIncidents_BearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(feedJSON))
	}))
	defer srv.Close()

	if _, err := FetchIncidents(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()), WithBearerToken("s3cret")); err != nil {
		t.Fatalf("FetchIncidents() with token error: %v", err)
	}

	_, err := FetchIncidents(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()), WithMaxRetries(1))
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("expected 401 without token, got %v", err)
	}
}

func TestFetchIncidents_EmptyURL(t *testing.T) {
	_, err := FetchIncidents(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
	if !strings.Contains(err.Error(), "API URL is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchIncidents_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := FetchIncidents(context.Background(), srv.URL, WithHTTPClient(srv.Client()), WithMaxRetries(1))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "parsing JSON") {
		t.Errorf("expected parse error, got: %v", err)
	}
}

func TestFetchIncidents_ServerError_Retries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(feedJSON))
	}))
	defer srv.Close()

	incidents, err := FetchIncidents(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("FetchIncidents() error: %v", err)
	}
	if len(incidents) != 2 {
		t.Errorf("len(incidents) = %d, want 2", len(incidents))
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchIncidents_AllRetriesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := FetchIncidents(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(2),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "all 2 attempts failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchIncidents_ZeroRetriesStillTriesOnce(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := FetchIncidents(context.Background(), srv.URL, WithHTTPClient(srv.Client()), WithMaxRetries(0))
	if err == nil || !strings.Contains(err.Error(), "all 1 attempts failed") {
		t.Errorf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestFetchIncidents_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchIncidents(ctx, srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFetchIncidents_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(feedJSON))
	}))
	defer srv.Close()

	_, err := FetchIncidents(context.Background(), srv.URL,
		WithTimeout(10*time.Millisecond),
		WithMaxRetries(1),
	)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFetchIncidents_NoRetryOnParseError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte("{invalid"))
	}))
	defer srv.Close()

	_, err := FetchIncidents(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt (no retry on parse error), got %d", got)
	}
}

func TestFetchIncidents_HTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feedJSON))
	}))
	defer srv.Close()

	incidents, err := FetchIncidents(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchIncidents() HTTPS error: %v", err)
	}
	if len(incidents) != 2 {
		t.Errorf("len(incidents) = %d, want 2", len(incidents))
	}
}

func TestFetchOptions_Defaults(t *testing.T) {
	cfg := defaultFetchConfig()
	if cfg.timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", cfg.timeout)
	}
	if cfg.maxRetries != 3 {
		t.Errorf("default maxRetries = %d, want 3", cfg.maxRetries)
	}
	if cfg.baseBackoff != 500*time.Millisecond {
		t.Errorf("default baseBackoff = %v, want 500ms", cfg.baseBackoff)
	}
	if cfg.client != nil {
		t.Error("default client should be nil")
	}
	if cfg.bearer != "" {
		t.Error("default bearer should be empty")
	}
}
