package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/parishhub/portal/internal/logger"
)

// RequestLog logs method, path, status and duration for every request.
// The stream endpoint is skipped: its connections live for minutes and the
// entry would only appear at disconnect.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Infof("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
