// Package middleware wraps the engine's HTTP handlers with request ids,
// access logging and panic recovery.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	lixerrors "lix/internal/errors"
	"lix/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-ID"

type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// wrap reuses an outer responseWriter so every middleware sees one status.
func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

type Middleware func(http.Handler) http.Handler

// VersionFunc names the version a request ended on.
type VersionFunc func(ctx context.Context) (string, error)

// Chain wraps h so the first middleware runs innermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

// RequestID reuses an incoming X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger writes one access log line per request. Server errors log at error
// level and client errors at warn. When version is set, the name of the
// current version after the request is logged too.
func Logger(logger *logging.Logger, version VersionFunc) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)

			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Int("bytes", rw.bytes),
				zap.Duration("duration", time.Since(start)),
			}
			if version != nil {
				if name, err := version(r.Context()); err == nil {
					fields = append(fields, zap.String("version", name))
				}
			}

			level := zapcore.InfoLevel
			switch {
			case rw.status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case rw.status >= http.StatusBadRequest:
				level = zapcore.WarnLevel
			}
			logger.WithRequestID(r.Context()).Check(level, "request completed").Write(fields...)
		})
	}
}

// Recover turns a panic into a 500 with the same JSON body the API uses
// for internal errors, unless the handler already started its response.
func Recover(logger *logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				logger.WithRequestID(r.Context()).Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				if rw.wroteHeader {
					return
				}
				rw.Header().Set("Content-Type", "application/json")
				rw.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(rw).Encode(map[string]string{
					"error": "internal server error",
					"type":  string(lixerrors.ErrorTypeInternal),
				})
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
