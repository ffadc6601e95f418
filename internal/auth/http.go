// ABOUTME: HTTP middleware that verifies actor tokens on API endpoints
// ABOUTME: Reads a Bearer header, or access_token for EventSource clients

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractToken returns the bearer token of r and an error message (empty
// if successful). Browsers cannot set headers on EventSource, so the
// access_token query parameter is accepted as a fallback.
func extractToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// Middleware rejects requests without a valid actor token and stores the
// actor in the request context.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			actor, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireSupervisor rejects actors that cannot supervise. Must be used
// after Middleware.
func RequireSupervisor() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := FromContext(r.Context())
			if actor == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !actor.CanSupervise() {
				writeError(w, http.StatusForbidden, "supervisor role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
