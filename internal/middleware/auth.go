package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/custody_layer/pkg/logger"
)

// UserIDHeader names the caller when authentication is disabled.
const UserIDHeader = "X-User-ID"

type contextKey string

const userIDKey contextKey = "user_id"

// Claims represents JWT claims. UserID falls back to the subject.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// User returns the authenticated user id.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// AuthMiddleware resolves the calling user from an HS256 bearer token.
// Requests without a user are rejected with 401.
type AuthMiddleware struct {
	secret    []byte
	issuer    string
	disabled  bool
	log       *logger.Logger
	skipPaths map[string]bool
}

// AuthConfig configures AuthMiddleware.
type AuthConfig struct {
	Secret string
	Issuer string
	// Disabled trusts the X-User-ID header instead of a token.
	Disabled  bool
	SkipPaths []string
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg AuthConfig, log *logger.Logger) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{
		secret:    []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		disabled:  cfg.Disabled,
		log:       log,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := m.authenticate(r)
		if err != nil {
			m.log.WithError(err).
				WithField("path", r.URL.Path).
				WithField("request_id", GetRequestID(r.Context())).
				Warn("authentication failed")
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (m *AuthMiddleware) authenticate(r *http.Request) (string, error) {
	if m.disabled {
		if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
			return id, nil
		}
		return "", errors.New("missing user header")
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	claims, err := m.validateToken(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", err
	}
	if claims.User() == "" {
		return "", errors.New("token carries no user")
	}
	return claims.User(), nil
}

// validateToken validates a JWT token and returns claims.
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// WithUserID stores the authenticated user on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the authenticated user, or "".
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
