package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/metrics"
	"github.com/lkarlslund/chatgate/pkg/models"
	"github.com/lkarlslund/chatgate/pkg/normalize"
	"github.com/lkarlslund/chatgate/pkg/relay"
	"github.com/lkarlslund/chatgate/pkg/upstream"
)

const shutdownDrainTimeout = 10 * time.Second

// Forwarder sends a canonical request to the upstream chat API.
type Forwarder interface {
	Forward(ctx context.Context, req *normalize.CanonicalRequest) (*upstream.Result, error)
}

type Server struct {
	cfg            *config.ServerConfig
	registry       *models.Registry
	forwarder      Forwarder
	mode           relay.Mode
	defaults       normalize.Defaults
	metrics        *metrics.Collector
	httpServer     *http.Server
	activeRequests atomic.Int64
	draining       atomic.Bool

	wsReadTimeout  time.Duration
	wsPingInterval time.Duration
	wsMu           sync.Mutex
	wsConns        map[*websocket.Conn]struct{}
}

// NewServer wires the gateway pipeline. cfg must already be normalized and
// validated; collector may be nil to get a private registry.
func NewServer(cfg *config.ServerConfig, collector *metrics.Collector) (*Server, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		forwarder: upstream.NewClient(cfg.UpstreamConfig()),
		mode:      cfg.Mode(),
		defaults:  cfg.NormalizeDefaults(),
		metrics:   collector,

		wsReadTimeout:  wsReadTimeout,
		wsPingInterval: wsPingInterval,
		wsConns:        make(map[*websocket.Conn]struct{}),
	}
	if cfg.Upstream.Token == "" {
		log.Warn("upstream token is not set; chat requests will fail", "env", cfg.Upstream.TokenEnv)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Upstream calls may take up to the upstream timeout; writes are
		// bounded by that instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware(s.cfg.CORS.AllowOrigin))
	r.Use(recoverer)
	r.Use(s.lifecycleMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s is not allowed on %s.", r.Method, r.URL.Path))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/models", s.handleModels)
		api.Post("/upload", s.handleUpload)
		api.Get("/ws", s.handleWebsocket)
		api.HandleFunc("/chat", s.handleChat)
		api.HandleFunc("/{alias}/v1/chat/completions", s.handleChat)
	})
	r.HandleFunc("/v1/chat/completions", s.handleChat)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              s.cfg.TLS.ListenAddr,
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", httpChallenge.Addr)
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := waitForStop(ctx, errCh)
		s.drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return err
	}

	go func() {
		log.Info("chatgate listening", "addr", s.httpServer.Addr, "upstream", s.cfg.Upstream.BaseURL, "default_model", s.registry.Default(), "response_mode", s.mode)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	err := waitForStop(ctx, errCh)
	s.drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return err
}

// waitForStop blocks until ctx ends or a listener fails.
func waitForStop(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// drain rejects new chat requests, waits for in-flight ones (at most
// shutdownDrainTimeout) and then closes open websockets.
func (s *Server) drain() {
	s.draining.Store(true)
	s.waitInFlight()
	s.closeWebsockets()
}

func (s *Server) waitInFlight() {
	deadline := time.Now().Add(shutdownDrainTimeout)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			log.Info("shutdown: no requests in flight")
			return
		}
		if time.Now().After(deadline) {
			log.Warn("shutdown: giving up on in-flight requests", "active", active)
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for in-flight requests", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
