package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const scopeContextKey contextKey = "admin_scope"

// Token permission scopes.
const (
	ScopeAdmin    = "admin"
	ScopeReadOnly = "read_only"
)

// Tokens holds the bearer tokens accepted by the admin API. An empty token
// is never accepted.
type Tokens struct {
	Admin    string
	ReadOnly string
}

// Enabled reports whether any token is configured.
func (t Tokens) Enabled() bool {
	return t.Admin != "" || t.ReadOnly != ""
}

func (t Tokens) scopeFor(presented string) (string, bool) {
	switch {
	case tokenEqual(presented, t.Admin):
		return ScopeAdmin, true
	case tokenEqual(presented, t.ReadOnly):
		return ScopeReadOnly, true
	}
	return "", false
}

func tokenEqual(presented, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

// ScopeFromContext returns the scope of the authenticated token.
func ScopeFromContext(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(scopeContextKey).(string)
	return scope, ok
}

// AuthMiddleware returns a chi-compatible middleware that validates bearer
// tokens and stores the granted scope in the request context.
func AuthMiddleware(tokens Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_token")
				return
			}

			scope, ok := tokens.scopeFor(strings.TrimPrefix(auth, "Bearer "))
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid admin token", "authentication_error", "invalid_token")
				return
			}

			ctx := context.WithValue(r.Context(), scopeContextKey, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns a middleware that checks whether the authenticated
// token has one of the required scopes.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, ok := ScopeFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
				return
			}
			for _, required := range scopes {
				if scope == required {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient permissions", "permission_error", "insufficient_scope")
		})
	}
}

// writeError writes a JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
