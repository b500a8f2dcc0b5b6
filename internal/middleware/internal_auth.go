package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalAuthHeader carries the static token shared with worker
// executors and internal schedulers.
const InternalAuthHeader = "X-Internal-Auth"

// InternalAuth rejects requests whose internal auth header does not
// match the configured token. Comparison is constant time.
func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalAuthHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
