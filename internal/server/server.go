package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/config"
	"github.com/DivinityQQ/iaq-monitor-server/internal/httpapi"
	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
	"github.com/DivinityQQ/iaq-monitor-server/internal/ota"
	"github.com/DivinityQQ/iaq-monitor-server/internal/telemetry"
	"github.com/DivinityQQ/iaq-monitor-server/internal/ws"
)

// Scheme selects the transport the server listens on.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

const shutdownTimeout = 5 * time.Second

// Server owns the HTTP/TLS listener and the per-run session machinery.
// A Server can be stopped and restarted on a different scheme; the
// session registry and broadcaster are rebuilt on every Start so a
// restart never carries stale client state across.
type Server struct {
	cfg      *config.Config
	updater  *ota.Updater
	provider telemetry.Provider
	rebooter httpapi.Rebooter

	tlsConfig *tls.Config

	mu          sync.Mutex
	running     bool
	scheme      Scheme
	addr        string
	httpServer  *http.Server
	broadcaster *ws.Broadcaster
	mdns        *announcer
}

// New builds a Server around the given updater and telemetry provider.
// TLS material is loaded eagerly: configured certificate files win, and
// when none are configured a self-signed certificate is generated so
// the HTTPS scheme is always available.
func New(cfg *config.Config, updater *ota.Updater, provider telemetry.Provider, rebooter httpapi.Rebooter) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		updater:  updater,
		provider: provider,
		rebooter: rebooter,
	}

	tlsCfg, err := loadTLSConfig(cfg.Server.CertPath, cfg.Server.KeyPath, cfg.Server.Host)
	if err != nil {
		return nil, fmt.Errorf("loading TLS configuration: %w", err)
	}
	s.tlsConfig = tlsCfg
	return s, nil
}

// TLSAvailable reports whether the server can serve the HTTPS scheme.
func (s *Server) TLSAvailable() bool {
	return s.tlsConfig != nil
}

// Scheme returns the scheme of the current (or most recent) run.
func (s *Server) Scheme() Scheme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheme
}

// Running reports whether a listener is currently active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listen address of the current run, empty when
// stopped. With a configured port of 0 this carries the ephemeral port
// the listener actually got.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener for the given scheme and begins serving.
// It returns once the listener is bound; serve errors after that are
// logged. Starting an already running server is an error.
func (s *Server) Start(scheme Scheme) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}
	if scheme == SchemeHTTPS && s.tlsConfig == nil {
		return errors.New("https requested but no TLS configuration available")
	}

	registry := ws.NewRegistry(s.cfg.Sessions.Capacity)
	broadcaster := ws.NewBroadcaster(registry, s.provider, s.updater, ws.Config{
		StateInterval:   s.cfg.Broadcast.StateInterval,
		MetricsInterval: s.cfg.Broadcast.MetricsInterval,
		HealthInterval:  s.cfg.Broadcast.HealthInterval,
		PruneInterval:   s.cfg.Sessions.PruneInterval,
		LivenessTimeout: s.cfg.Sessions.LivenessTimeout,
	})
	broadcaster.Start()

	api := httpapi.New(s.updater, broadcaster, httpapi.Options{
		ChunkSize:   s.cfg.Update.ChunkSize,
		RebootGrace: s.cfg.Update.RebootGrace,
		Rebooter:    s.rebooter,
	})
	router := mux.NewRouter()
	api.Routes(router)

	port := s.cfg.Server.Port
	if scheme == SchemeHTTPS {
		port = s.cfg.Server.TLSPort
	}
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		broadcaster.Stop()
		return fmt.Errorf("binding %s listener on %s: %w", scheme, addr, err)
	}
	if scheme == SchemeHTTPS {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  0, // uploads may be long-running
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Server stopped unexpectedly", zap.String("scheme", string(scheme)), zap.Error(err))
		}
	}()

	s.httpServer = srv
	s.broadcaster = broadcaster
	s.scheme = scheme
	s.addr = ln.Addr().String()
	s.running = true

	if s.cfg.Server.MDNSInstance != "" {
		s.mdns = announce(s.cfg.Server.MDNSInstance, string(scheme), port)
	}

	logging.Info("Server listening", zap.String("scheme", string(scheme)), zap.String("addr", addr))
	return nil
}

// Stop closes the listener, disconnects every session and stops the
// broadcast engine. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	broadcaster := s.broadcaster
	mdns := s.mdns
	s.httpServer = nil
	s.broadcaster = nil
	s.mdns = nil
	s.addr = ""
	s.running = false
	s.mu.Unlock()

	if mdns != nil {
		mdns.shutdown()
	}
	broadcaster.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	logging.Info("Server stopped")
	return nil
}

// Run starts the server on the given scheme and blocks until the
// context is cancelled, then performs a graceful stop.
func (s *Server) Run(ctx context.Context, scheme Scheme) error {
	if err := s.Start(scheme); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}
