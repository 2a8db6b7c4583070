// Package middleware provides HTTP middleware for the economy API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/pkg/logger"
)

type contextKey string

const (
	ctxUserKey contextKey = "auth_user"
	ctxRoleKey contextKey = "auth_role"
)

// RoleAdmin may call the administrative endpoints (adjust, task and item
// management, reconcile).
const RoleAdmin = "admin"

// Claims are the JWT claims the economy API understands.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates HS256 bearer tokens and stores the caller identity in the
// request context.
type Auth struct {
	secret    []byte
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuth creates the middleware. Requests to skipPaths bypass it.
func NewAuth(secret string, log *logger.Logger, skipPaths ...string) *Auth {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Auth{secret: []byte(secret), log: log, skipPaths: skip}
}

// Handler returns the middleware handler.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		claims, err := a.validate(parts[1])
		if err != nil {
			a.log.WithError(err).Warn("token validation failed")
			unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserKey, claims.UserID)
		if claims.Role != "" {
			ctx = context.WithValue(ctx, ctxRoleKey, claims.Role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.Unauthorized("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, apperrors.Unauthorized("token rejected")
	}
	return claims, nil
}

// RequireRole wraps a handler so only callers carrying the role reach it.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if Role(r.Context()) != role {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"insufficient role"}`))
			return
		}
		next(w, r)
	}
}

// UserID returns the authenticated caller, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserKey).(string)
	return v
}

// Role returns the caller's role, or "".
func Role(ctx context.Context) string {
	v, _ := ctx.Value(ctxRoleKey).(string)
	return v
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
