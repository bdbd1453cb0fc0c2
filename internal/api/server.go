package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
	"github.com/nerrad567/gray-logic-irbridge/internal/history"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/logging"
)

const gracefulShutdownTimeout = 10 * time.Second

// Commander sends codes and enters learning mode. *broadlink.Dispatcher
// satisfies it.
type Commander interface {
	Send(ctx context.Context, req broadlink.SendRequest) (broadlink.Result, error)
	Learn(ctx context.Context, req broadlink.LearnRequest) (broadlink.Result, error)
}

// MetricsProvider reports bridge counters. *broadlink.Bridge satisfies it.
type MetricsProvider interface {
	GetMetrics() broadlink.BridgeMetrics
}

// HealthSource reports the bridge health status.
type HealthSource interface {
	Status() (broadlink.HealthStatus, string)
}

// EventLister queries the device event history.
type EventLister interface {
	List(ctx context.Context, filter history.Filter) (*history.ListResult, error)
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// DBStatser exposes connection pool statistics.
type DBStatser interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies of the API server. Registry and Logger are
// required; the rest are optional.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *broadlink.Registry
	Commands Commander
	Metrics  MetricsProvider
	Health   HealthSource
	History  EventLister
	MQTT     ConnectionChecker
	DB       DBStatser
	Hub      *Hub // shared with the bridge for event broadcast
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	registry  *broadlink.Registry
	commands  Commander
	metrics   MetricsProvider
	health    HealthSource
	history   EventLister
	mqtt      ConnectionChecker
	db        DBStatser
	version   string
	startTime time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		registry:  deps.Registry,
		commands:  deps.Commands,
		metrics:   deps.Metrics,
		health:    deps.Health,
		history:   deps.History,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start launches the HTTP listener in the background.
//
// Parameters:
//   - ctx: Parent context for the hub; the listener stops on Close
//
// Returns:
//   - error: Always nil; listener errors are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.server.Addr)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close shuts the server down, waiting up to 10 seconds for in-flight
// requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
