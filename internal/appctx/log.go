package appctx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/samber/lo"
)

type loggerContextKey struct{}

// LoggerMiddleware returns a middleware that injects the provided logger into the request context
func LoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Generate or extract a request ID (here, use X-Request-Id header or generate a new one)
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = generateRequestID()
			}

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			}
			reqLogger := logger.With(lo.ToAnySlice(attrs)...)
			ctx := WithLogger(r.Context(), reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithLogger returns a copy of ctx carrying the given logger. Background
// goroutines that outlive a request use this to keep the request's log
// attributes on a fresh context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// GetLogger retrieves the logger from the context, falling back to
// slog.Default() if none was injected.
func GetLogger(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		return slog.Default()
	}
	return logger
}

// generateRequestID generates a simple unique request ID (16 random hex chars)
func generateRequestID() string {
	buf := make([]byte, 8)
	_, err := rand.Read(buf)
	if err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}
