// Package server exposes the engine over WebSocket and serves the discovery,
// health and metrics endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/a2alive/internal/engine"
)

const (
	DefaultPath         = "/a2a-live"
	DefaultReadLimit    = 512 << 10
	DefaultWriteTimeout = 10 * time.Second
)

// Options configures a Server. Engine is required.
type Options struct {
	Engine       *engine.Engine
	Path         string
	PublicURL    string // http(s) base URL advertised in discovery
	ReadLimit    int64
	WriteTimeout time.Duration
	FrameRate    float64 // frames/sec per connection, 0 = unlimited
	FrameBurst   int
	UpgradeLimit *RateLimiter // optional per-IP limit on upgrades
	JWTSecret    []byte       // when set, upgrades need a valid bearer token
	Logger       *slog.Logger
}

// Server holds the live connections and routes HTTP requests.
type Server struct {
	engine       *engine.Engine
	path         string
	publicURL    string
	readLimit    int64
	writeTimeout time.Duration
	frameRate    float64
	frameBurst   int
	upgradeLimit *RateLimiter
	jwtSecret    []byte
	logger       *slog.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// New creates a Server, filling defaults for unset options.
func New(opts Options) *Server {
	s := &Server{
		engine:       opts.Engine,
		path:         opts.Path,
		publicURL:    strings.TrimSuffix(opts.PublicURL, "/"),
		readLimit:    opts.ReadLimit,
		writeTimeout: opts.WriteTimeout,
		frameRate:    opts.FrameRate,
		frameBurst:   opts.FrameBurst,
		upgradeLimit: opts.UpgradeLimit,
		jwtSecret:    opts.JWTSecret,
		logger:       opts.Logger,
		conns:        make(map[*Conn]struct{}),
	}
	if s.path == "" {
		s.path = DefaultPath
	}
	if s.readLimit <= 0 {
		s.readLimit = DefaultReadLimit
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultWriteTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	var ws http.Handler = http.HandlerFunc(s.handleWS)
	if s.upgradeLimit != nil {
		ws = s.upgradeLimit.Middleware(ws)
	}
	mux.Handle("GET "+s.path, ws)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /.well-known/granter-agent.json", s.handleDiscovery)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return mux
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseAll closes every connection with a going-away status.
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Serve runs an http.Server on addr until ctx is done, then shuts it down and
// closes open connections.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr, "ws", s.path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
