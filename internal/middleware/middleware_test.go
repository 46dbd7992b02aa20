package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/custody_layer/pkg/logger"
)

func TestCORSMiddleware(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://wallet.example.com"})
	handler := m.Handler(okHandler(nil))

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://wallet.example.com", true},
		{"https://app.wallet.example.com", true},
		{"http://wallet.example.com", false},
		{"https://evilwallet.example.com", false},
		{"https://example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get("Access-Control-Allow-Origin") == tt.origin
			if got != tt.allowed {
				t.Errorf("origin %s allowed = %v, want %v", tt.origin, got, tt.allowed)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := NewCORSMiddleware(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("preflight must not reach the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/1.0.0/accounts", nil)
	req.Header.Set("Origin", "https://anything.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("preflight status=%d headers=%v", rec.Code, rec.Header())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, logger.Discard())
	handler := rl.Handler(okHandler(nil))

	serve := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithUserID(req.Context(), user))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := serve("alice"); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := serve("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit: status %d, want 429", code)
	}
	if code := serve("bob"); code != http.StatusOK {
		t.Fatalf("other user limited: status %d", code)
	}

	if n := rl.Cleanup(time.Now().Add(time.Hour)); n != 2 {
		t.Fatalf("cleanup removed %d limiters, want 2", n)
	}
}

func TestTracingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.LoggingConfig{Level: "info", Format: "json"})
	log.SetOutput(&buf)

	var requestID, clientIP string
	handler := NewTracingMiddleware(log).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = GetRequestID(r.Context())
		clientIP = GetClientIP(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/1.0.0/accounts", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if requestID == "" || rec.Header().Get(RequestIDHeader) != requestID {
		t.Fatalf("request id not propagated: %q vs %q", requestID, rec.Header().Get(RequestIDHeader))
	}
	if clientIP != "203.0.113.7" {
		t.Fatalf("client ip = %q", clientIP)
	}
	out := buf.String()
	if !strings.Contains(out, `"status":201`) || !strings.Contains(out, requestID) {
		t.Fatalf("request log missing fields: %s", out)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "given-id")
	req.Header.Set("CF-Connecting-IP", "198.51.100.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if requestID != "given-id" || clientIP != "198.51.100.1" {
		t.Fatalf("incoming headers ignored: %q %q", requestID, clientIP)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	if got := ClientIP(req); got != "192.0.2.10" {
		t.Fatalf("ClientIP = %q", got)
	}
}
