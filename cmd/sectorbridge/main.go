// Sector Bridge - Sector Alarm to MQTT
//
// This is the main entry point for the bridge. It logs in to the Sector
// Alarm cloud (pausing for an SMS code when the vendor asks for one), polls
// the panel, publishes state and Home Assistant discovery to MQTT, and
// forwards arm/disarm commands from the bus back to the panel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/sector-bridge/migrations"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/api"
	"github.com/nerrad567/sector-bridge/internal/audit"
	"github.com/nerrad567/sector-bridge/internal/bridge"
	"github.com/nerrad567/sector-bridge/internal/discovery"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/database"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/sector-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/sector-bridge/internal/secrets"
	"github.com/nerrad567/sector-bridge/internal/sector"
	"github.com/nerrad567/sector-bridge/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// restoreTimeout bounds the startup read of the persisted token.
const restoreTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $SECTORBRIDGE_CONFIG or "+defaultConfigPath+")")
	encrypt := flag.Bool("encrypt", false, "read a secret from stdin and print it sealed for the config file")
	keyFile := flag.String("key-file", "", "key file for -encrypt (default security.key_file from the config)")
	flag.Parse()

	if *encrypt {
		path, err := encryptKeyFile(getConfigPath(*configPath), *keyFile)
		if err == nil {
			err = runEncrypt(path, os.Stdin, os.Stdout)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, getConfigPath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application lifecycle, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Sector bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	box, err := secrets.OpenKeyFile(cfg.Security.KeyFile)
	if err != nil {
		return fmt.Errorf("opening key file: %w", err)
	}
	if err := revealSecrets(cfg, box); err != nil {
		return err
	}
	creds := alarm.Credentials{Username: cfg.Sector.Email, Password: cfg.Sector.Password}

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
	log.Info("database connected", "path", db.Path())

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditRepo := audit.NewSQLiteRepository(db.DB)

	remote := sector.New(sector.Options{
		BaseURL:   cfg.Sector.BaseURL,
		Timeout:   cfg.GetRequestTimeout(),
		TokenTTL:  cfg.GetTokenTTL(),
		PanelCode: cfg.Sector.PanelCode,
		Logger:    log,
	})

	sessions, err := session.NewManager(session.Options{
		Remote:          remote,
		Store:           session.NewSQLiteTokenStore(db.DB, box),
		Credentials:     creds,
		ChallengeWindow: cfg.GetChallengeWindow(),
		Logger:          log.With("component", "session"),
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	defer sessions.Close()

	restoreCtx, restoreCancel := context.WithTimeout(ctx, restoreTimeout)
	restored, err := sessions.Restore(restoreCtx)
	restoreCancel()
	switch {
	case err != nil:
		log.Warn("could not restore persisted session", "error", err)
	case restored:
		log.Info("persisted session restored", "account", logging.MaskAccount(creds.Username))
	default:
		log.Info("no usable persisted session; the bridge will log in", "account", logging.MaskAccount(creds.Username))
	}

	topics := mqtt.Topics{
		Namespace:       cfg.Bridge.TopicPrefix,
		DiscoveryPrefix: cfg.Bridge.DiscoveryPrefix,
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, topics)
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
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	influxClient, err := connectInfluxDB(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	var metrics bridge.Metrics
	if influxClient != nil {
		metrics = influxClient
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	engine, err := bridge.NewEngine(bridge.Options{
		PanelID:        cfg.Sector.PanelID,
		Credentials:    creds,
		Remote:         remote,
		Session:        sessions,
		MQTT:           mqttClient,
		Topics:         topics,
		Discovery:      discovery.NewPublisher(mqttClient, topics),
		Metrics:        metrics,
		Audit:          auditRepo,
		Logger:         log.With("component", "bridge"),
		QoS:            byte(cfg.MQTT.QoS),
		PollInterval:   cfg.GetPollInterval(),
		RetryInitial:   cfg.GetRetryInitial(),
		RetryMax:       cfg.GetRetryMax(),
		ReauthCooldown: cfg.GetReauthCooldown(),
		CommandTimeout: cfg.GetCommandTimeout(),
		HealthInterval: cfg.GetHealthInterval(),
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		engine.Stop()
	}()

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		engine.HandleReconnect()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("bridge started", "panel_id", cfg.Sector.PanelID)

	if cfg.API.Enabled {
		checks := map[string]api.HealthChecker{
			"database": db,
			"mqtt":     mqttClient,
		}
		if influxClient != nil {
			checks["influxdb"] = influxClient
		}

		apiServer, apiErr := api.New(api.Deps{
			Config:      cfg.API,
			Logger:      log.With("component", "api"),
			Session:     sessions,
			Bridge:      engine,
			Credentials: creds,
			Checks:      checks,
			Audit:       auditRepo,
			Version:     version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, bridge, InfluxDB, MQTT,
	// session timer, database.
	return nil
}

// getConfigPath returns the flag value, then $SECTORBRIDGE_CONFIG, then the
// default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("SECTORBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// revealSecrets opens every config value written with -encrypt.
func revealSecrets(cfg *config.Config, box *secrets.Box) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"sector.password", &cfg.Sector.Password},
		{"sector.panel_code", &cfg.Sector.PanelCode},
		{"mqtt.auth.password", &cfg.MQTT.Auth.Password},
		{"influxdb.token", &cfg.InfluxDB.Token},
	}
	for _, f := range fields {
		plain, err := box.Reveal(*f.value)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", f.name, err)
		}
		*f.value = plain
	}
	return nil
}

// connectInfluxDB returns nil when metrics are disabled. A configured but
// unreachable server is a startup error.
func connectInfluxDB(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// healthCheck verifies the infrastructure the bridge cannot run without.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}
