package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"crashwatch/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

const (
	// OperatorContextKey holds the verified token claims of a request
	OperatorContextKey ContextKey = "operator"
)

// AuthMiddleware creates an HTTP middleware for JWT authentication. Paths in
// public are served without a token. Browsers cannot set headers on WebSocket
// upgrades, so a ?token= query parameter is accepted as well.
func AuthMiddleware(authenticator *auth.Authenticator, logger *zap.SugaredLogger, public ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("auth")

	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth if disabled
			if !authenticator.Enabled() || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, err := extractToken(r)
			if err != nil {
				writeError(w, err.Error())
				return
			}

			claims, err := authenticator.Verify(tokenString)
			if err != nil {
				logger.Debugw("rejected token", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				if errors.Is(err, auth.ErrTokenExpired) {
					writeError(w, "token has expired")
				} else {
					writeError(w, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "` + msg + `"}`))
}

// ClaimsFromContext returns the operator claims attached by AuthMiddleware
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(OperatorContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}
