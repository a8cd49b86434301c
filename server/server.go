// Package server exposes the scheduler over HTTP: the schedule and history
// API, health and metrics endpoints, a websocket stream of execution events,
// and a gRPC health service for orchestrators.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/sym"
)

// DispatcherHealthService is the gRPC health service name that tracks the dispatcher
const DispatcherHealthService = "postpulse.Dispatcher"

// healthSyncInterval is how often gRPC health mirrors dispatcher state
const healthSyncInterval = 5 * time.Second

// Config holds listener settings
type Config struct {
	Addr           string   // HTTP listen address, e.g. 127.0.0.1:8787
	GRPCAddr       string   // gRPC health listen address; empty disables it
	AllowedOrigins []string // CORS and websocket origin prefixes
}

// RateLimitReporter exposes the current publish rate limit for /health
type RateLimitReporter interface {
	Limit() float64
}

// Deps are the components the server fronts. Ticker, Janitor and Limiter
// are optional.
type Deps struct {
	Service *schedule.Service
	History *schedule.HistoryStore
	Ticker  *schedule.Ticker
	Janitor *schedule.Janitor
	Limiter RateLimitReporter
	Hub     *Hub
}

// Server is the postpulse HTTP and gRPC front end
type Server struct {
	cfg     Config
	service *schedule.Service
	history *schedule.HistoryStore
	ticker  *schedule.Ticker
	janitor *schedule.Janitor
	limiter RateLimitReporter
	hub     *Hub
	logger  *zap.SugaredLogger

	startedAt  time.Time
	httpServer *http.Server
	httpAddr   string
	grpcServer *grpc.Server
	grpcAddr   string
	health     *health.Server

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer wires the server around deps. Nothing listens until Start.
func NewServer(cfg Config, deps Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Logger
	}
	log = log.With(logger.FieldComponent, "server")
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		service:   deps.Service,
		history:   deps.History,
		ticker:    deps.Ticker,
		janitor:   deps.Janitor,
		limiter:   deps.Limiter,
		hub:       hub,
		logger:    log,
		startedAt: time.Now(),
		health:    health.NewServer(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Hub returns the execution event hub; pass it to Engine.SetBroadcaster
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound HTTP address once started
func (s *Server) Addr() string {
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address once started, empty when disabled
func (s *Server) GRPCAddr() string {
	return s.grpcAddr
}

// requestLog returns the server logger enriched with request-scoped fields
func (s *Server) requestLog(r *http.Request) *zap.SugaredLogger {
	return logger.FromContext(r.Context(), s.logger)
}

// Start binds the HTTP listener and, when configured, the gRPC health listener
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr),
			"another postpulse may already be running; change server.port or stop it")
	}
	s.httpAddr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server error", logger.FieldError, err)
		}
	}()
	s.logger.Infow("HTTP API listening", logger.FieldAddress, s.httpAddr)

	if s.cfg.GRPCAddr != "" {
		if err := s.startGRPC(); err != nil {
			_ = s.httpServer.Close()
			return err
		}
	}
	return nil
}

func (s *Server) startGRPC() error {
	ln, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s for gRPC health", s.cfg.GRPCAddr)
	}
	s.grpcAddr = ln.Addr().String()

	s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.syncHealth()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(ln); err != nil {
			s.logger.Errorw("gRPC health service error", logger.FieldError, err)
		}
	}()
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(healthSyncInterval)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				s.syncHealth()
			}
		}
	}()

	s.logger.Infow("gRPC health service listening", logger.FieldAddress, s.grpcAddr)
	return nil
}

// syncHealth mirrors dispatcher state into the gRPC health service
func (s *Server) syncHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.ticker != nil && !s.ticker.Running() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(DispatcherHealthService, status)
}

// Stop drains listeners and disconnects websocket clients. Safe to call twice.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Infow("Shutting down server", logger.FieldSymbol, sym.PulseClose)
		s.cancel()
		s.hub.CloseAll()

		if s.httpServer != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				err = errors.Wrap(shutdownErr, "HTTP shutdown")
			}
		}

		if s.grpcServer != nil {
			s.health.Shutdown()
			done := make(chan struct{})
			go func() {
				s.grpcServer.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				// Open Watch streams keep GracefulStop waiting
				s.grpcServer.Stop()
				<-done
			}
		}

		s.wg.Wait()
		s.logger.Infow("Server stopped")
	})
	return err
}
