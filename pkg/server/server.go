package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"bifrost-hq/bifrost/pkg/config"
	"bifrost-hq/bifrost/pkg/forward"
	"bifrost-hq/bifrost/pkg/limits/ratelimit"
	"bifrost-hq/bifrost/pkg/monitor"
	"bifrost-hq/bifrost/pkg/proxy/middleware"
	"bifrost-hq/bifrost/pkg/reverse"
	securitytls "bifrost-hq/bifrost/pkg/security/tls"
	"bifrost-hq/bifrost/pkg/static"
	"bifrost-hq/bifrost/pkg/storage"
	"bifrost-hq/bifrost/pkg/telemetry/logging"
	"bifrost-hq/bifrost/pkg/telemetry/metrics"
)

// ErrSignalShutdown is returned by Run when shutdown was initiated by an
// interrupt; main maps it to exit code 130.
var ErrSignalShutdown = errors.New("shutdown initiated by signal")

// shutdownGrace bounds how long in-flight requests may drain after the
// first interrupt.
const shutdownGrace = 30 * time.Second

// Server binds the listener and runs the configured engine.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Collector

	limiter   *ratelimit.Limiter
	accessLog *storage.AccessLog

	forwardEngine *forward.Engine
	reverseEngine *reverse.Engine
	staticEngine  *static.Engine

	monitorServer *monitor.Server
	tlsReloader   *securitytls.Reloader
	scheduler     *cron.Cron

	httpServer *http.Server
	listener   net.Listener
}

// New assembles the server from a validated configuration snapshot.
// Secrets must already be decrypted.
func New(cfg *config.Config, logger *logging.Logger, collector *metrics.Collector) (*Server, error) {
	if cfg.WorkerThreads > 0 {
		runtime.GOMAXPROCS(cfg.WorkerThreads)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   collector,
		limiter:   ratelimit.New(cfg.RateLimiting),
		scheduler: cron.New(),
	}

	var err error
	switch cfg.Mode {
	case config.ModeForward:
		s.forwardEngine, err = forward.NewEngine(cfg, s.limiter, logger, collector)
	case config.ModeReverse:
		s.reverseEngine, err = reverse.NewEngine(cfg, logger, collector)
	case config.ModeStatic:
		s.staticEngine, err = static.NewEngine(cfg.StaticFiles, logger, collector)
	case config.ModeCombined:
		s.staticEngine, err = static.NewEngine(cfg.StaticFiles, logger, collector)
		if err == nil {
			s.reverseEngine, err = reverse.NewEngine(cfg, logger, collector)
		}
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Monitoring != nil && cfg.Monitoring.Enabled {
		if cfg.Monitoring.AccessLogPath != "" {
			s.accessLog, err = storage.Open(cfg.Monitoring.AccessLogPath)
			if err != nil {
				return nil, err
			}
		}
		s.monitorServer = monitor.NewServer(cfg.Monitoring.ListenAddr, collector, s.accessLog, logger)
	}
	return s, nil
}

// Bind opens the listener (TLS when configured). Bind failures are
// runtime failures (exit code 2), distinct from configuration errors.
func (s *Server) Bind() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.ListenAddr, err)
	}

	if s.cfg.PrivateKey != "" && s.cfg.Certificate != "" {
		tlsCfg, reloader, err := securitytls.NewReloadingServerConfig(s.cfg.PrivateKey, s.cfg.Certificate)
		if err != nil {
			ln.Close()
			return err
		}
		s.tlsReloader = reloader
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.listener = ln
	return nil
}

// Addr returns the bound listener address (tests use port 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Run serves until the context is cancelled or an interrupt arrives.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Bind(); err != nil {
			return err
		}
	}

	handler, err := s.buildHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:        handler,
		MaxHeaderBytes: s.cfg.MaxHeaderSize,
		IdleTimeout:    time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}

	s.startBackground()
	defer s.stopBackground()

	s.logger.Info("bifrost listening",
		"mode", string(s.cfg.Mode),
		"addr", s.Addr(),
		"tls", s.tlsReloader != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.shutdown(nil)
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.shutdown(sigCh)
	}
}

// shutdown drains in-flight requests within the grace window. Another
// signal during the grace period forces immediate termination.
func (s *Server) shutdown(sigCh chan os.Signal) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				s.logger.Warn("second signal received, terminating immediately")
				cancel()
			case <-shutdownCtx.Done():
			}
		}()
	}

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		// Grace expired or was cut short; hard-close remaining conns.
		s.httpServer.Close()
	}

	s.logger.Info("bifrost stopped")
	if sigCh != nil {
		return ErrSignalShutdown
	}
	return err
}

// buildHandler assembles the middleware chain around the mode's engine.
func (s *Server) buildHandler() (http.Handler, error) {
	var inner http.Handler
	rateLimited := true

	switch s.cfg.Mode {
	case config.ModeForward:
		// The forward engine runs authentication before rate limiting, so
		// the limiter lives inside the engine rather than the chain.
		inner = s.forwardEngine
		rateLimited = false
	case config.ModeReverse:
		inner = s.reverseEngine
	case config.ModeStatic:
		inner = s.staticEngine
	case config.ModeCombined:
		inner = s.combinedHandler()
	default:
		return nil, fmt.Errorf("unknown mode %q", s.cfg.Mode)
	}

	handler := inner
	if rateLimited {
		handler = middleware.RateLimit(s.limiter, s.metrics)(handler)
	}
	if s.accessLog != nil {
		handler = s.recordAccess(string(s.cfg.Mode), handler)
	}
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(s.logger)(handler)
	return handler, nil
}

// combinedHandler gives static mounts precedence; everything else goes to
// the reverse engine.
func (s *Server) combinedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.staticEngine.Matches(r.URL.Path) {
			s.staticEngine.ServeHTTP(w, r)
			return
		}
		s.reverseEngine.ServeHTTP(w, r)
	})
}

func (s *Server) startBackground() {
	if s.reverseEngine != nil {
		s.reverseEngine.Start()
		s.scheduler.AddFunc("@every 30s", func() {
			s.reverseEngine.SweepTunnelPool()
		})
	}
	s.scheduler.Start()

	if s.monitorServer != nil {
		if err := s.monitorServer.Start(); err != nil {
			s.logger.Error("failed to start monitoring server", "error", err)
		}
	}
}

func (s *Server) stopBackground() {
	<-s.scheduler.Stop().Done()
	if s.reverseEngine != nil {
		s.reverseEngine.Stop()
	}
	if s.forwardEngine != nil {
		s.forwardEngine.Close()
	}
	if s.monitorServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.monitorServer.Shutdown(ctx)
		cancel()
	}
	if s.accessLog != nil {
		s.accessLog.Close()
	}
	if s.tlsReloader != nil {
		s.tlsReloader.Close()
	}
}
