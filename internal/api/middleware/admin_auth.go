package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"creditflow/pkg/logger"
)

// AdminAuth guards trusted server-side routes with a static bearer token.
// With no token configured every request is refused.
func AdminAuth(token string, log logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				log.WarnContext(r.Context(), "admin route called but no admin token is configured", map[string]interface{}{
					"path": r.URL.Path,
				})
				http.Error(w, "admin API disabled", http.StatusServiceUnavailable)
				return
			}

			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				log.WarnContext(r.Context(), "rejected admin request", map[string]interface{}{
					"path":        r.URL.Path,
					"remote_addr": r.RemoteAddr,
				})
				w.Header().Set("WWW-Authenticate", `Bearer realm="creditflow-admin"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
