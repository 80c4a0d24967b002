package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/esg-core/internal/infrastructure/config"
	"github.com/nerrad567/esg-core/internal/infrastructure/logging"
	"github.com/nerrad567/esg-core/internal/multiplexer"
	"github.com/nerrad567/esg-core/internal/node"
	"github.com/nerrad567/esg-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Subscriber opens subscriptions on the shared broker connection.
type Subscriber interface {
	Subscribe(topic string, handler multiplexer.MessageHandler) (*multiplexer.Subscription, error)
}

// NodeWatcher records readings for stored nodes.
type NodeWatcher interface {
	Watch(n node.Node) error
	Unwatch(nodeID string)
	Latest(nodeID string) (telemetry.Reading, bool)
	Watching() int
}

// HistorySource queries stored readings.
type HistorySource interface {
	QueryHistory(ctx context.Context, q telemetry.HistoryQuery) ([]telemetry.Sample, error)
}

// HealthChecker is implemented by components reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Yggio      config.YggioConfig
	Logger     *logging.Logger
	Nodes      node.Repository
	Recorder   NodeWatcher
	Subscriber Subscriber
	History    HistorySource            // optional, history endpoint answers 503 without it
	Checks     map[string]HealthChecker // optional, keyed by component name
	DB         *sql.DB                  // optional, pool stats on /metrics
	Version    string
}

// Server is the HTTP API server.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	yggioCfg   config.YggioConfig
	logger     *logging.Logger
	nodes      node.Repository
	recorder   NodeWatcher
	subscriber Subscriber
	history    HistorySource
	checks     map[string]HealthChecker
	db         *sql.DB
	version    string
	startTime  time.Time
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Nodes == nil {
		return nil, fmt.Errorf("node repository is required")
	}
	if deps.Recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if deps.Subscriber == nil {
		return nil, fmt.Errorf("subscriber is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		yggioCfg:   deps.Yggio,
		logger:     deps.Logger,
		nodes:      deps.Nodes,
		recorder:   deps.Recorder,
		subscriber: deps.Subscriber,
		history:    deps.History,
		checks:     deps.Checks,
		db:         deps.DB,
		version:    deps.Version,
		startTime:  time.Now(),
		hub:        NewHub(deps.WS, deps.Logger),
	}, nil
}

// Handler returns the router. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start launches the HTTP listener in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
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

// Close gracefully shuts down the API server and disconnects WebSocket
// clients, releasing their subscriptions.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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
