package httpapi

import (
	"net/http"
)

// Auth returns middleware enforcing spec §6's optional single-header,
// up-to-two-key rotation scheme: a configurable header name checked
// against up to two valid keys. Requests without a valid key are
// rejected with 401. An empty keys list disables auth entirely
// (unprotected service), grounded on the teacher's other middlewares'
// closure-returning func(http.Handler) http.Handler shape.
func Auth(header string, keys []string) func(http.Handler) http.Handler {
	valid := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			valid[k] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		if len(valid) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if _, ok := valid[got]; !ok {
				writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
