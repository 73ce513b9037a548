// Package middleware provides HTTP middleware for the status server.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alqutdigital/legal-rag-eval/internal/api/handlers"
)

func requestAttrs(r *http.Request) []any {
	return []any{
		"request_id", chimw.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
	}
}

// Logger logs each request once it completes. Progress polls are frequent,
// so anything below 500 goes to debug.
func Logger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := append(requestAttrs(r),
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
			logger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}

// Recoverer turns a handler panic into a 500 JSON error and logs the stack.
// http.ErrAbortHandler is re-panicked.
func Recoverer(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				logger.Error("handler panicked", append(requestAttrs(r), "panic", rvr, "stack", string(debug.Stack()))...)
				handlers.RespondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
