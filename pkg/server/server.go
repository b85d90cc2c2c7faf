// Package server exposes the relay over websocket sessions and a small HTTP API.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/chatrelay/pkg/admin"
	"github.com/lkarlslund/chatrelay/pkg/backend"
	"github.com/lkarlslund/chatrelay/pkg/cache"
	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/history"
	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/lkarlslund/chatrelay/pkg/metrics"
	"github.com/lkarlslund/chatrelay/pkg/relay"
	"github.com/lkarlslund/chatrelay/pkg/session"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	drainTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	statusCacheTTL  = 5 * time.Second
)

type Server struct {
	store      *config.ServerConfigStore
	cfg        config.ServerConfig
	backends   *backend.Set
	health     *backend.HealthChecker
	relay      *relay.Orchestrator
	sessions   *session.Registry
	history    *history.Ring
	admin      *admin.Plane
	turns      *semaphore.Weighted
	status     *cache.TTLMap[string, statusResponse]
	handler    http.Handler
	httpServer *http.Server
	started    time.Time

	baseCtx     context.Context
	cancelBase  context.CancelFunc
	activeTurns atomic.Int64
	draining    atomic.Bool
	wg          sync.WaitGroup
}

// Option adjusts a Server before routes are built.
type Option func(*Server)

// WithBackends replaces the backends built from configuration.
func WithBackends(set *backend.Set) Option {
	return func(s *Server) {
		s.backends = set
	}
}

func New(configPath string, cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	store := config.NewServerConfigStore(configPath, cfg)
	snap := store.Snapshot()
	s := &Server{
		store:    store,
		cfg:      snap,
		sessions: session.NewRegistry(),
		history:  history.NewRing(snap.HistoryCapacity),
		turns:    semaphore.NewWeighted(snap.Limits.MaxConcurrentTurns),
		status:   cache.NewTTLMap[string, statusResponse](),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backends == nil {
		set, err := backend.NewSet(&snap, &http.Client{})
		if err != nil {
			return nil, fmt.Errorf("init backends: %w", err)
		}
		s.backends = set
	}
	if s.backends.Len() == 0 {
		logutil.For("server").Warn("no backends enabled; every turn will be refused")
	}
	s.health = backend.NewHealthChecker(s.backends, 0)
	s.relay = relay.New(snap, s.backends)
	s.relay.OnResult = s.health.RecordResult
	s.admin = admin.New(snap, s.sessions, s.history)
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "service": "chatrelay", "message": "Server is running"})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleWebsocket)

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/models", s.handleModels)
		api.Post("/chat", s.handleChat)
		api.Post("/analyze-image", s.handleAnalyzeImage)
		api.Post("/transcribe-speech", s.handleTranscribe)
		api.Route("/admin", func(ar chi.Router) {
			ar.Use(s.adminAuthMiddleware)
			ar.Get("/blocked-list", s.handleBlockedList)
			ar.Post("/block-user", s.handleBlockUser)
			ar.Post("/unblock", s.handleUnblock)
			ar.Get("/stats", s.handleAdminStats)
			ar.Get("/history", s.handleAdminHistory)
			ar.Post("/broadcast", s.handleAdminBroadcast)
			ar.Get("/status", s.handleAdminStatus)
			ar.Post("/health-check", s.handleAdminHealthCheck)
		})
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              snap.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Run(ctx context.Context) error {
	log := logutil.For("server")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.health.Run(ctx)
		return nil
	})

	servers := []*http.Server{s.httpServer}
	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}
		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = []*http.Server{httpsSrv, challenge}
		g.Go(func() error {
			log.Info("http challenge/redirect listening", "addr", challenge.Addr)
			return serveErr("http challenge server", challenge.ListenAndServe())
		})
		g.Go(func() error {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", s.cfg.TLS.Domain)
			return serveErr("https server", httpsSrv.ListenAndServeTLS("", ""))
		})
	} else {
		g.Go(func() error {
			log.Info("chatrelay listening", "addr", s.httpServer.Addr)
			return serveErr("http server", s.httpServer.ListenAndServe())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.Shutdown(servers...)
		return nil
	})
	return g.Wait()
}

// Shutdown stops accepting turns, waits for in-flight turns, closes every
// session and stops the given HTTP servers.
func (s *Server) Shutdown(servers ...*http.Server) {
	log := logutil.For("server")
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	s.waitForTurnsIdle(drainCtx)
	cancel()
	for _, sess := range s.sessions.ListActive() {
		sess.Close()
	}
	s.cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.wg.Wait()
	log.Info("shutdown complete")
}

func serveErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// lifecycleMiddleware refuses new sessions and API turns while draining.
func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() && (r.URL.Path == "/ws" || strings.HasPrefix(r.URL.Path, "/api/")) {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForTurnsIdle(ctx context.Context) {
	log := logutil.For("server")
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeTurns.Load()
		if active <= 0 {
			log.Info("shutdown: no turns in flight")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for turns", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: giving up on in-flight turns", "active", active)
			return
		case <-t.C:
		}
	}
}

// runTurn executes a validated, planned turn under the server-wide turn cap.
func (s *Server) runTurn(t *relay.Turn, sink relay.Sink) string {
	s.activeTurns.Add(1)
	defer s.activeTurns.Add(-1)
	if err := s.turns.Acquire(s.baseCtx, 1); err != nil {
		return s.relay.Run(canceledContext(), t, sink)
	}
	defer s.turns.Release(1)
	ctx := s.baseCtx
	if d, ok := sink.(interface{ Done() <-chan struct{} }); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-d.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return s.relay.Run(ctx, t, sink)
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func requestClientIP(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if parsed, _, err := net.SplitHostPort(host); err == nil {
		return strings.TrimSpace(parsed)
	}
	return host
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details string) {
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// writeFailure reports a server-side failure with a stable code. The cause
// can carry upstream addresses, so it is logged and never written out.
func writeFailure(w http.ResponseWriter, status int, message, code string, cause error) {
	logutil.For("server").Warn(message, "code", code, "err", cause)
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
