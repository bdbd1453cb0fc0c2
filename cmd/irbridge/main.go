// Command irbridge bridges Broadlink IR/RF blasters on the local network to
// MQTT and a small HTTP API.
//
// It discovers devices, tracks their liveness, keeps their sessions warm
// with heartbeats and dispatches IR/RF codes on request. Device events are
// kept in SQLite and optionally exported to InfluxDB.
//
// "irbridge migrate-down" rolls back the latest history migration and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-irbridge/internal/api"
	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
	"github.com/nerrad567/gray-logic-irbridge/internal/history"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-irbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-irbridge/internal/lan"
	"github.com/nerrad567/gray-logic-irbridge/internal/pronto"
	"github.com/nerrad567/gray-logic-irbridge/migrations"
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
	configEnvVar      = "IRBRIDGE_CONFIG"

	// pruneInterval is how often expired history is deleted.
	pruneInterval = time.Hour

	// migrateDownCommand rolls back the latest schema migration and exits.
	migrateDownCommand = "migrate-down"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	if len(os.Args) > 1 && os.Args[1] == migrateDownCommand {
		err = migrateDown(ctx)
	} else {
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// migrateDown rolls back the most recent event history migration.
func migrateDown(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // exiting anyway

	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("migration rolled back", "path", db.Path(), "applied", len(applied), "pending", len(pending))
	return nil
}

// run is the application body, separated from main for testability.
//
// Parameters:
//   - ctx: Cancelled on shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or the first startup failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting irbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Event history
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	events := history.NewSQLiteRepository(db.DB)
	log.Info("event history ready", "path", db.Path(), "retention_days", cfg.Database.RetentionDays)

	// Time-series export (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// MQTT, with the offline health message as last will
	will, err := lastWill(cfg.Broadlink.BridgeID)
	if err != nil {
		return fmt.Errorf("building last will: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, will)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	// Device engine
	opts := broadlink.BridgeOptions{
		Config:      bridgeConfig(cfg, version),
		MQTTClient:  &mqttBridgeAdapter{client: mqttClient},
		Prober:      broadlink.NewICMPProber(cfg.Broadlink.Liveness.Privileged),
		Sender:      broadlink.UDPSender{},
		Converter:   pronto.Converter{},
		Recorder:    events,
		Broadcaster: hub,
		Logger:      log.Component("broadlink"),
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}
	var transport *lan.Transport
	if opts.Config.DiscoveryMode == broadlink.DiscoveryAutomatic {
		transport = lan.New(lan.Config{Logger: log.Component("lan")})
		opts.Transport = transport
		defer func() {
			if closeErr := transport.Close(); closeErr != nil {
				log.Warn("error closing discovery socket", "error", closeErr)
			}
		}()
	}

	bridge, err := broadlink.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	// HTTP API
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Registry: bridge.Registry(),
		Commands: bridge.Dispatcher(),
		Metrics:  bridge,
		Health:   bridge.Health(),
		History:  events,
		MQTT:     mqttClient,
		DB:       db.DB,
		Hub:      hub,
		Version:  version,
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Background maintenance
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		pruneLoop(gctx, events, cfg.Database.Retention(), log)
		return nil
	})
	if influxClient != nil {
		g.Go(func() error {
			statsLoop(gctx, bridge.Registry(), influxClient, cfg.Broadlink.BridgeID, cfg.Broadlink.HealthIntervalDuration())
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"bridge_id", cfg.Broadlink.BridgeID,
		"discovery", opts.Config.DiscoveryMode,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	//nolint:errcheck // loops never return errors
	g.Wait()

	log.Info("irbridge stopped")
	return nil
}

// getConfigPath returns IRBRIDGE_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// bridgeConfig maps the file configuration onto the device engine.
// Devices with watch set become startup monitoring hosts.
func bridgeConfig(cfg *config.Config, ver string) broadlink.Config {
	b := cfg.Broadlink
	out := broadlink.Config{
		BridgeID:          b.BridgeID,
		Version:           ver,
		HealthInterval:    b.HealthIntervalDuration(),
		DiscoveryMode:     broadlink.DiscoveryMode(b.Discovery.Mode),
		DiscoveryInterval: b.DiscoveryInterval(),
		DiscoveryDuration: b.DiscoveryTimeout(),
		ProbeInterval:     b.ProbeInterval(),
		ProbeTimeout:      b.ProbeTimeout(),
		KeepaliveInterval: b.KeepaliveInterval(),
	}
	for _, d := range b.Devices {
		if d.DelayAfterMS > 0 {
			out.Policies = append(out.Policies, broadlink.DevicePolicy{
				Host:       d.Host,
				MAC:        d.MAC,
				DelayAfter: d.DelayAfter(),
			})
		}
		if d.Watch {
			out.WatchHosts = append(out.WatchHosts, d.Host)
		}
	}
	return out
}

// lastWill builds the retained offline health message the broker publishes
// if the bridge disappears.
func lastWill(bridgeID string) (mqtt.Will, error) {
	payload, err := json.Marshal(broadlink.NewLWTMessage(bridgeID))
	if err != nil {
		return mqtt.Will{}, err
	}
	return mqtt.Will{
		Topic:    broadlink.HealthTopic(),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}, nil
}

// historyPruner deletes expired history. *history.SQLiteRepository
// satisfies it.
type historyPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// pruneLoop deletes history older than retention once at start and then
// hourly. A zero retention disables pruning.
func pruneLoop(ctx context.Context, p historyPruner, retention time.Duration, log *logging.Logger) {
	if retention <= 0 {
		return
	}

	prune := func() {
		n, err := p.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("pruning event history", "error", err)
			}
			return
		}
		if n > 0 {
			log.Info("event history pruned", "deleted", n)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

type statsSource interface {
	Stats() broadlink.RegistryStats
}

type statsWriter interface {
	WriteRegistryStats(bridgeID string, counts map[string]int)
}

// statsLoop exports registry counts on every health interval.
func statsLoop(ctx context.Context, src statsSource, w statsWriter, bridgeID string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WriteRegistryStats(bridgeID, registryCounts(src.Stats()))
		}
	}
}

func registryCounts(s broadlink.RegistryStats) map[string]int {
	return map[string]int{
		"discovered": s.Discovered,
		"manual":     s.Manual,
		"active":     s.Active,
		"inactive":   s.Inactive,
		"unknown":    s.Unknown,
	}
}

// healthCheck verifies the infrastructure connections.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Event history database
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client (nil when disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. Infrastructure handlers return an error; bridge
// handlers do not.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

func (a *mqttBridgeAdapter) PublishJSON(topic string, v any, retained bool) error {
	return a.client.PublishJSON(topic, v, retained)
}

func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}
