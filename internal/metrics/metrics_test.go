package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Counters must be usable after repeated Init without panicking.
	ObserveRequest("GET", "success", 0.01)
	IncrementReconnect()
	IncrementMessage("sent")
	IncrementCacheEvent("hit")
	SetSyncQueueDepth(2)
	SetOfflineQueueDepth(1)
}

func TestHandlerServesRegistry(t *testing.T) {
	Init()
	ObserveRequest("POST", "failure", 0.5)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "tradesync_requests_total") {
		t.Fatal("request counter missing from exposition")
	}
}
