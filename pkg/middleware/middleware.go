package middleware

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labring/streamscope/pkg/common"
	"github.com/labring/streamscope/pkg/errors"
	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/router"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

type traceIDKey struct{}

// TraceID returns the trace id the Logger middleware attached to ctx.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// Chain combines multiple middlewares into a single middleware
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Logger logs each request and tags it with a trace id, taken from
// X-Trace-ID or generated.
func Logger() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			r = r.WithContext(context.WithValue(r.Context(), traceIDKey{}, traceID))
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			fields := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Int("status", wrapped.statusCode),
				slog.String("duration", time.Since(start).String()),
				slog.Int64("bytes", wrapped.bytesWritten),
				slog.String("trace_id", traceID),
			}

			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				slog.Error("request", fields...)
			case wrapped.statusCode >= http.StatusBadRequest:
				slog.Warn("request", fields...)
			default:
				slog.Info("request", fields...)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
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

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported by underlying ResponseWriter")
}

// Recovery turns a handler panic into an error response. A panicking
// *errors.APIError is written as is.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					slog.Error("panic recovered",
						slog.Any("error", err),
						slog.String("stack", string(debug.Stack())),
						slog.String("trace_id", TraceID(r.Context())))

					switch e := err.(type) {
					case *errors.APIError:
						errors.WriteErrorResponse(w, e)
					case error:
						common.WriteErrorResponse(w, common.StatusPanic, "%s", e.Error())
					default:
						common.WriteErrorResponse(w, common.StatusPanic, "Unknown error occurred")
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and sets the allow headers for the
// listed origins. "*" allows any origin.
func CORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok || wildcard {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Trace-ID")
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					h.Add("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenAuth validates Authorization: Bearer <token>. WebSocket upgrades may
// pass the token as the "token" query parameter instead. Paths under a
// skip prefix are not checked.
func TokenAuth(expectedToken string, skipPrefixes []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range skipPrefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			token := ""
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			} else if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				token = r.URL.Query().Get("token")
			}

			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				errors.WriteErrorResponse(w, errors.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records request latency by method, route pattern and status.
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := router.Pattern(r)
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).
				Observe(time.Since(start).Seconds())
		})
	}
}
