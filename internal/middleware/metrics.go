// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/taskrec/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/tasks/"):
		rest := strings.TrimPrefix(path, "/api/tasks/")
		if strings.HasSuffix(rest, "/steps") && strings.Count(rest, "/") == 1 {
			return "/api/tasks/:id/steps"
		}
		if rest != "" && !strings.Contains(rest, "/") {
			return "/api/tasks/:id"
		}
		return "/api/tasks/*"
	case strings.HasPrefix(path, "/api/"), path == "/metrics", path == "/health":
		return path
	default:
		return "other"
	}
}
