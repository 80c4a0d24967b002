// ESG Core records Yggio IoT node telemetry for ESG reporting.
//
// It keeps one MQTT connection to the Yggio broker, shared by every
// consumer through the subscription multiplexer: the telemetry recorder
// (which writes readings to InfluxDB) and the WebSocket relay serving live
// dashboards.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nerrad567/esg-core/internal/api"
	"github.com/nerrad567/esg-core/internal/infrastructure/config"
	"github.com/nerrad567/esg-core/internal/infrastructure/database"
	"github.com/nerrad567/esg-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/esg-core/internal/infrastructure/logging"
	"github.com/nerrad567/esg-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/esg-core/internal/multiplexer"
	"github.com/nerrad567/esg-core/internal/node"
	"github.com/nerrad567/esg-core/internal/telemetry"
	"github.com/nerrad567/esg-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	startupHealthTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until ctx is cancelled. Components are
// shut down in reverse start order by the deferred calls.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting ESG core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log, err = logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer log.Close()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	checks := map[string]api.HealthChecker{"database": db}

	// InfluxDB is optional; without it readings are kept in memory only.
	var (
		sink    telemetry.Sink
		history api.HistorySource
	)
	if cfg.InfluxDB.Enabled {
		influxClient, connectErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connectErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connectErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sink = influxClient
		history = influxClient
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	broker := &brokerHealth{}
	checks["mqtt"] = broker

	runner := multiplexer.NewSerialRunner()
	runner.SetLogger(log)
	defer runner.Stop()

	// The broker connection is opened by the first subscription.
	mgr := multiplexer.New(broker.factory(cfg.MQTT, log), runner)
	mgr.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mgr.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	nodes := node.NewSQLiteRepository(db.DB)
	recorder := telemetry.NewRecorder(mgr, sink, log)
	defer recorder.Close()
	if startErr := recorder.Start(ctx, nodes); startErr != nil {
		log.Warn("recorder started with errors", "error", startErr)
	}

	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Yggio:      cfg.Yggio,
		Logger:     log,
		Nodes:      nodes,
		Recorder:   recorder,
		Subscriber: mgr,
		History:    history,
		Checks:     checks,
		DB:         db.DB,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if healthErr := healthCheck(ctx, checks); healthErr != nil {
		log.Warn("startup health check failed", "error", healthErr)
	}

	log.Info("ESG core started",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"watching", recorder.Watching(),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// getConfigPath returns ESGCORE_CONFIG, or the default path.
func getConfigPath() string {
	if path := os.Getenv("ESGCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// brokerHealth reports on the transport the multiplexer creates. Before the
// first subscription no connection is expected and the check passes.
type brokerHealth struct {
	transport atomic.Pointer[mqtt.Transport]
}

// factory wraps mqtt.Factory, keeping the created transport.
func (h *brokerHealth) factory(cfg config.MQTTConfig, logger mqtt.Logger) multiplexer.ClientFactory {
	build := mqtt.Factory(cfg, logger)
	return func() (multiplexer.Client, error) {
		client, err := build()
		if err != nil {
			return nil, err
		}
		if t, ok := client.(*mqtt.Transport); ok {
			h.transport.Store(t)
		}
		return client, nil
	}
}

// HealthCheck implements api.HealthChecker.
func (h *brokerHealth) HealthCheck(ctx context.Context) error {
	t := h.transport.Load()
	if t == nil {
		return nil
	}
	return t.HealthCheck(ctx)
}

// healthCheck runs every component check and returns the first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupHealthTimeout)
	defer cancel()

	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
