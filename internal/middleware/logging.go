package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingOptions configures LoggingMiddleware's redaction and format.
type LoggingOptions struct {
	// RedactHeaders lists header names (case-insensitive) whose values
	// are replaced with "[REDACTED]" before logging.
	RedactHeaders []string
}

// LoggingMiddleware wraps an HTTP handler with structured request
// logging: one logrus entry per request, covering method, path, status,
// duration, and bytes written, with sensitive headers redacted.
func LoggingMiddleware(logger *logrus.Logger, opts LoggingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var requestBytes int64
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				if cl := r.Header.Get("Content-Length"); cl != "" {
					if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
						requestBytes = size
					}
				}
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			bytesLogged := rw.bytesWritten
			if requestBytes > 0 {
				bytesLogged = requestBytes
			}

			fields := logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rw.statusCode,
				"duration_ms": duration.Milliseconds(),
				"bytes":       bytesLogged,
			}
			for name := range r.Header {
				lower := strings.ToLower(name)
				if shouldRedactHeader(lower, opts.RedactHeaders) {
					fields["header."+lower] = "[REDACTED]"
				}
			}

			logger.WithFields(fields).Info("ekp http request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}
