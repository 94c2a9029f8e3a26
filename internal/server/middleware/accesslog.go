package middleware

import (
	"log"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// AccessLog logs one line per request after it completes. Paths in skip (e.g.
// probes and /metrics) are not logged.
func AccessLog(skip map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Printf("http: %s %s status=%d duration_ms=%d ip=%s request_id=%s",
				r.Method, r.URL.Path, status, time.Since(start).Milliseconds(),
				ClientIP(r), chimw.GetReqID(r.Context()))
		})
	}
}
