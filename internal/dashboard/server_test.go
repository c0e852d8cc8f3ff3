package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradesync/config"
	"tradesync/internal/cache"
	"tradesync/internal/storage"
	"tradesync/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                           "127.0.0.1:8080",
		"  :9090  ":                  "0.0.0.0:9090",
		"localhost":                  "localhost:8080",
		"0.0.0.0:80":                 "0.0.0.0:80",
		"[::1]:443":                  "[::1]:443",
		"*:8080":                     "0.0.0.0:8080",
		"http://10.1.2.3:8080":       "10.1.2.3:8080",
		"tcp://localhost:5050":       "localhost:5050",
		"https://ops.example.com:81": "ops.example.com:81",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabledReturnsNil(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: false}, logger.Logger(), Sources{})
	if srv != nil {
		t.Fatal("disabled dashboard still constructed a server")
	}
	// A nil server's lifecycle methods are safe no-ops.
	if err := srv.Run(nil); err != nil {
		t.Fatalf("nil server Run: %v", err)
	}
	if srv.Address() != "" {
		t.Fatal("nil server reported an address")
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger(), Sources{})
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	defer srv.cleanup()
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
}

func TestCacheEndpointServesSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	dataCache := cache.New(config.CacheConfig{DefaultTTL: 0, MaxBytes: 1 << 20}, store, nil)
	if err := dataCache.Set("quote:EURUSD", 1.085, cache.SetOptions{}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	srv := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger(), Sources{Cache: dataCache})
	defer srv.cleanup()
	router := srv.buildRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cache", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var stats cache.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Entries != 1 {
		t.Fatalf("unexpected cache snapshot %+v", stats)
	}
}

func TestNilSourcesServeEmptySnapshots(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger(), Sources{})
	defer srv.cleanup()
	router := srv.buildRouter()

	for _, path := range []string{"/api/requests", "/api/channel", "/api/cache", "/api/sync", "/api/conditions", "/api/health"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s returned %d", path, rec.Code)
		}
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger(), Sources{})
	defer srv.cleanup()
	router := srv.buildRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
}
