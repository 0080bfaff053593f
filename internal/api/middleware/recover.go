package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"creditflow/pkg/logger"
)

func RecoverMiddleware(log logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.ErrorContext(r.Context(), "panic while serving request", map[string]interface{}{
						"path":  r.URL.Path,
						"panic": fmt.Sprint(rec),
						"stack": string(debug.Stack()),
					})
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
