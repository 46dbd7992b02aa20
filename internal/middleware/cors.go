package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// CORSMiddleware handles Cross-Origin Resource Sharing. An origin is allowed
// when it equals a configured origin or is a subdomain of one with the same
// scheme.
type CORSMiddleware struct {
	allowed  []*url.URL
	allowAll bool
}

// NewCORSMiddleware creates a new CORS middleware. No origins, or "*",
// allows every origin.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	m := &CORSMiddleware{allowAll: len(allowedOrigins) == 0}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			m.allowAll = true
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			m.allowed = append(m.allowed, u)
		}
	}
	return m
}

// Handler returns the CORS middleware handler.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && m.Allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader+", "+UserIDHeader)
			w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allows reports whether origin may call the API. Requests without an
// Origin header are not cross-origin and always pass.
func (m *CORSMiddleware) Allows(origin string) bool {
	return origin == "" || m.allowAll || m.isOriginAllowed(origin)
}

func (m *CORSMiddleware) isOriginAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, allowed := range m.allowed {
		if allowed.Scheme != u.Scheme {
			continue
		}
		base := strings.ToLower(allowed.Host)
		if host == base || strings.HasSuffix(host, "."+base) {
			return true
		}
	}
	return false
}
