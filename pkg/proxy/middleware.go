package proxy

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization"
	maxRequestIDLen  = 128
)

// corsMiddleware stamps the CORS headers and a JSON content type on every
// response and answers preflight requests itself.
func corsMiddleware(allowOrigin string) func(http.Handler) http.Handler {
	if strings.TrimSpace(allowOrigin) == "" {
		allowOrigin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowOrigin)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", middleware.RequestIDHeader)
			if allowOrigin != "*" {
				h.Add("Vary", "Origin")
			}
			h.Set("Content-Type", "application/json")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDMiddleware keeps a sane inbound X-Request-ID or assigns a UUID.
// The id is stored where middleware.GetReqID finds it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLen || strings.ContainsAny(id, "\r\n") {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		// A hijacked upgrade never calls WriteHeader; elapsed is the
		// connection's lifetime, not a request latency.
		if ww.Status() == 0 && websocket.IsWebSocketUpgrade(r) {
			s.metrics.ObserveUpgrade(route)
			log.Info("websocket closed",
				"path", r.URL.Path,
				"status", http.StatusSwitchingProtocols,
				"connected", elapsed.Round(time.Millisecond),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
			return
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if r.Method != http.MethodOptions {
			s.metrics.ObserveHTTP(route, r.Method, status, elapsed)
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed.Round(time.Millisecond),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Error("panic in handler",
				"error", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
				"stack", string(debug.Stack()),
			)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// lifecycleMiddleware tracks in-flight chat calls so shutdown can drain them.
// Websocket upgrades are refused while draining but their frames are counted
// individually in completeFrame.
func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chat := isChatPath(r.URL.Path)
		if !chat && r.URL.Path != wsPath {
			next.ServeHTTP(w, r)
			return
		}
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		if chat {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

const wsPath = "/api/ws"

func isChatPath(p string) bool {
	return p == "/api/chat" || strings.HasSuffix(p, "/v1/chat/completions")
}
