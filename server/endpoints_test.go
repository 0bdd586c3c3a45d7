package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

// The mux-level middleware is exercised through /metrics, the one route with
// no database dependency.
func TestMuxInjectsCorrelationID(t *testing.T) {
	mux := NewMux(context.Background(), nil, testRegistry(nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header not set")
	}
}

func TestMuxReusesSuppliedCorrelationID(t *testing.T) {
	mux := NewMux(context.Background(), nil, testRegistry(nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Correlation-ID", "req-42")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "req-42" {
		t.Errorf("X-Correlation-ID = %q, want req-42", got)
	}
}

// The crawl handler lifts the response write deadline through the status
// recorder wrapper; http.ResponseController must be able to unwrap it, and a
// crawl through the full middleware stack must still respond normally.
func TestStatusRecorderUnwrapsForResponseController(t *testing.T) {
	under := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: under, statusCode: http.StatusOK}
	if got := rec.Unwrap(); got != http.ResponseWriter(under) {
		t.Fatal("Unwrap() did not return the underlying writer")
	}

	mux := NewMux(context.Background(), nil, testRegistry(nil))
	req := httptest.NewRequest(http.MethodPost, "/crawl?channel=oxcanteven", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("/crawl through mux status = %d, want 200 (body: %s)", rr.Code, rr.Body.String())
	}
}

func TestMuxProtectsControlEndpoints(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	mux := NewMux(context.Background(), nil, testRegistry(nil))

	req := httptest.NewRequest(http.MethodPost, "/track/start?channel=x", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /track/start status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/crawl?channel=x", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /crawl status = %d, want 401", rr.Code)
	}

	// Read-only routes stay open.
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200 without auth", rr.Code)
	}
}
