package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sentra.dev/internal/audit"
)

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if got := rec.Header().Get(requestIDHeader); got != seen {
		t.Fatalf("response header %q, context %q", got, seen)
	}
}

func TestRequestIDPreservesCallerValue(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "caller-supplied")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "caller-supplied" {
		t.Fatalf("request id = %q, want caller-supplied", seen)
	}
	if got := rec.Header().Get(requestIDHeader); got != "caller-supplied" {
		t.Fatalf("response header = %q, want caller-supplied", got)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	h := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 2, 1)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests rejected: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", codes[2])
	}
}

func TestRateLimitBucketsPerClient(t *testing.T) {
	h := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 1, 1)

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "203.0.113.7:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, other)

	if rec.Code != http.StatusOK || rec2.Code != http.StatusOK {
		t.Fatalf("distinct clients share a bucket: %d, %d", rec.Code, rec2.Code)
	}
}

func TestSecurityHeadersSet(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestMaxBodyBytesCapsRequests(t *testing.T) {
	api := New(&sessionStub{}, ReadyProbe{}, Options{Version: "test"})
	h := MaxBodyBytes(api.Handler(), 32)

	body := `{"username":"` + strings.Repeat("a", 128) + `","password":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized body", rec.Code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	if got := clientIP(req); got != "198.51.100.9" {
		t.Fatalf("clientIP = %q, want 198.51.100.9", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("clientIP = %q, want 10.0.0.1", got)
	}
}
