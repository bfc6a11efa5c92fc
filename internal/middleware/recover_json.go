package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/parishhub/portal/internal/logger"
)

// RecoverJSON turns handler panics into a JSON 500 instead of a dropped
// connection. http.ErrAbortHandler passes through so hijacked connections
// (the stream endpoint) abort the way net/http expects.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Errorf("panic %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}
