package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const callerKey contextKey = "caller_id"

// WithCallerID returns ctx carrying the authenticated user id.
func WithCallerID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, callerKey, userID)
}

// CallerID returns the authenticated user id set by Caller.
func CallerID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(callerKey).(int64)
	return id, ok && id > 0
}

// Caller reads the user id the fronting application asserts in header and
// rejects requests without one. The header must only be settable by a trusted
// proxy.
func Caller(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(header))
			id, err := strconv.ParseInt(raw, 10, 64)
			if raw == "" || err != nil || id <= 0 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), id)))
		})
	}
}

// AdminToken requires "Authorization: Bearer <token>".
func AdminToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || len(expected) == 0 || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), expected) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
