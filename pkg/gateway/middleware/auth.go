package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// AuthLevel defines how strictly authentication is enforced.
type AuthLevel int

const (
	// AuthLevelOptional allows unauthenticated access; if a token is provided it must be valid.
	AuthLevelOptional AuthLevel = iota
	// AuthLevelRequired requires a valid token whenever auth is enabled.
	AuthLevelRequired
)

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// APIKeys is the set of valid Bearer tokens. Auth is disabled when empty.
	APIKeys []string

	// Logger is used for logging auth events. May be nil.
	Logger *slog.Logger

	// PathLevels maps exact request paths to their auth level. Paths not in
	// the map require a token.
	PathLevels map[string]AuthLevel
}

// DefaultAuthConfig leaves probes and scrapes open.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		PathLevels: map[string]AuthLevel{
			"/health":  AuthLevelOptional,
			"/metrics": AuthLevelOptional,
		},
	}
}

// Auth returns a middleware that enforces API-key authentication through the
// "Authorization: Bearer <token>" header.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level, ok := cfg.PathLevels[r.URL.Path]
			if !ok {
				level = AuthLevelRequired
			}

			token := extractBearerToken(r)
			switch {
			case token == "" && level == AuthLevelOptional:
				next.ServeHTTP(w, r)
			case token == "":
				logUnauthorized(cfg.Logger, r, "missing token")
				writeAuthError(w, "authentication required")
			case !isValidToken(token, keys):
				logUnauthorized(cfg.Logger, r, "invalid token")
				writeAuthError(w, "invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
// Returns an empty string if the header is absent or malformed.
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func isValidToken(token string, keys [][]byte) bool {
	t := []byte(token)
	for _, k := range keys {
		if subtle.ConstantTimeCompare(t, k) == 1 {
			return true
		}
	}
	return false
}

func logUnauthorized(logger *slog.Logger, r *http.Request, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("auth rejected",
		slog.String("reason", reason),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="stagepipe"`)
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// writeError writes the same envelope the gateway uses for its own errors.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
