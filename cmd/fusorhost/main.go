// Fusor host - supervisory control node.
//
// The host runs the automated startup/shutdown sequence, the emergency
// stop overlay and the operator surfaces (HTTP API, WebSocket, MQTT). It
// reaches the hardware only through the target service over the command,
// telemetry and heartbeat channels.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fusor-core/internal/api"
	"github.com/nerrad567/fusor-core/internal/audit"
	"github.com/nerrad567/fusor-core/internal/auth"
	"github.com/nerrad567/fusor-core/internal/bridge"
	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/host"
	"github.com/nerrad567/fusor-core/internal/infrastructure/config"
	"github.com/nerrad567/fusor-core/internal/infrastructure/database"
	"github.com/nerrad567/fusor-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fusor-core/internal/infrastructure/logging"
	"github.com/nerrad567/fusor-core/internal/infrastructure/metrics"
	"github.com/nerrad567/fusor-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fusor-core/internal/telemetry"
	"github.com/nerrad567/fusor-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/fusor.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fusor host", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, "fusor-host", version)
	defer log.Close()
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	health := map[string]api.HealthChecker{}
	var sinks []any
	var services []func(context.Context) error

	// Archive
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
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	health["database"] = db
	repo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(repo, 0, log)
	sinks = append(sinks, recorder)
	log.Info("archive ready", "path", cfg.Database.Path)

	// Time-series archive (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		health["influxdb"] = influxClient
		sinks = append(sinks, influxdb.NewArchive(influxClient, cfg.Site.ID))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	var exporter *metrics.Metrics
	if cfg.Metrics.Enabled {
		exporter = metrics.New()
		sinks = append(sinks, exporter)
	}

	// Target link and control core
	link, err := host.NewLink(linkConfig(cfg, log))
	if err != nil {
		return fmt.Errorf("creating target link: %w", err)
	}
	defer func() {
		if closeErr := link.Close(); closeErr != nil {
			log.Error("error closing target link", "error", closeErr)
		}
	}()
	health["link"] = link.Commands()

	limits := commandLimits(cfg.Safety.Limits)
	hysteresis, err := channelMap(cfg.Mapper.Hysteresis)
	if err != nil {
		return fmt.Errorf("mapper.hysteresis: %w", err)
	}

	sup := host.New(host.Config{
		Executor:       link.Commands(),
		Emergency:      link.Emergency(),
		SettleDwell:    cfg.Sequencer.SettleDwell,
		Limits:         limits,
		Hysteresis:     hysteresis,
		EscalateOn:     cfg.Safety.EscalateOn,
		SafetyTimeout:  cfg.Safety.Timeout,
		ClosingTimeout: cfg.Sequencer.ClosingTimeout,
		HistorySize:    cfg.Sequencer.HistorySize,
		QueueSize:      cfg.Sequencer.EventQueue,
		Logger:         log.With("component", "supervisor"),
	})
	link.Attach(sup)

	// MQTT bridge (optional)
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Site.ID)
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
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		health["mqtt"] = mqttClient

		br := bridge.New(bridge.Config{
			Publisher: mqttClient,
			Handler:   sup,
			QoS:       byte(cfg.MQTT.QoS),
			Logger:    log.With("component", "bridge"),
		})
		sinks = append(sinks, br)
		services = append(services, br.Run)
		log.Info("MQTT connected", "broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)))
	} else {
		log.Info("MQTT disabled")
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		authn, err := auth.NewAuthenticator(cfg.Security)
		if err != nil {
			return fmt.Errorf("configuring authentication: %w", err)
		}
		deps := api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Metrics: cfg.Metrics,
			Logger:  log.With("component", "api"),
			Control: sup,
			Auth:    authn,
			Audit:   repo,
			Health:  health,
			Version: version,
		}
		if exporter != nil {
			deps.Exporter = exporter.Handler()
		}
		srv, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer srv.Close()
		sinks = append(sinks, srv.Hub())
	}

	for _, sink := range sinks {
		if err := sup.AddSink(sink); err != nil {
			return fmt.Errorf("registering sink: %w", err)
		}
	}

	services = append(services, recorder.Run, link.Run)
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error { return svc(gctx) })
	}

	log.Info("initialisation complete",
		"target", cfg.Link.TargetHost,
		"escalate_on", cfg.Safety.EscalateOn,
		"sinks", len(sinks),
	)

	err = g.Wait()
	log.Info("fusor host stopped", "error", err)
	return err
}

// getConfigPath returns the configuration file path.
// Uses FUSOR_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FUSOR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func linkConfig(cfg *config.Config, log *logging.Logger) host.LinkConfig {
	l := cfg.Link
	port := func(p int) string { return ":" + strconv.Itoa(p) }
	return host.LinkConfig{
		CommandAddress:       net.JoinHostPort(l.TargetHost, strconv.Itoa(l.CommandPort)),
		TelemetryListen:      port(l.TelemetryPort),
		HeartbeatListen:      port(l.HeartbeatPort),
		TargetHeartbeat:      net.JoinHostPort(l.TargetHost, strconv.Itoa(l.TargetHeartbeatPort)),
		ConnectTimeout:       l.ConnectTimeout,
		CommandTimeout:       l.CommandTimeout,
		ReconnectInterval:    l.Reconnect.InitialDelay,
		MaxReconnectInterval: l.Reconnect.MaxDelay,
		MaxAttempts:          l.Reconnect.MaxAttempts,
		HeartbeatInterval:    l.Heartbeat.Interval,
		MissThreshold:        l.Heartbeat.MissThreshold,
		TelemetryWindow:      cfg.TelemetryLossWindow(),
		Logger:               log.With("component", "link"),
	}
}

func commandLimits(in []config.SafetyLimitConfig) command.Limits {
	limits := make([]command.Limit, 0, len(in))
	for _, l := range in {
		limits = append(limits, command.Limit{Channel: l.Channel, Min: l.Min, Max: l.Max})
	}
	return command.NewLimits(limits...)
}

// channelMap resolves a map keyed by telemetry channel name.
func channelMap(in map[string]float64) (map[telemetry.ChannelID]float64, error) {
	out := make(map[telemetry.ChannelID]float64, len(in))
	for name, v := range in {
		id, ok := telemetry.ChannelByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", telemetry.ErrUnknownChannel, name)
		}
		out[id] = v
	}
	return out, nil
}
