package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the fusor control core.
// Both binaries (host supervisor and target service) load the same file
// layout; each one reads only the sections it needs.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Link      LinkConfig      `yaml:"link"`
	Target    TargetConfig    `yaml:"target"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Mapper    MapperConfig    `yaml:"mapper"`
	Safety    SafetyConfig    `yaml:"safety"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
// MaxSize is in megabytes, MaxAge in days.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig contains security settings for the control API.
type SecurityConfig struct {
	JWT      JWTConfig      `yaml:"jwt"`
	Operator OperatorConfig `yaml:"operator"`
}

// JWTConfig contains JWT token settings. AccessTokenTTL is in minutes.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// OperatorConfig holds the single operator credential allowed to drive the
// apparatus through the API. PasswordHash is an argon2id PHC string.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LinkConfig describes how the host reaches the target.
type LinkConfig struct {
	TargetHost          string          `yaml:"target_host"`
	CommandPort         int             `yaml:"command_port"`
	TelemetryPort       int             `yaml:"telemetry_port"`
	HeartbeatPort       int             `yaml:"heartbeat_port"`
	TargetHeartbeatPort int             `yaml:"target_heartbeat_port"`
	CommandTimeout      time.Duration   `yaml:"command_timeout"`
	ConnectTimeout      time.Duration   `yaml:"connect_timeout"`
	Reconnect           ReconnectConfig `yaml:"reconnect"`
	Heartbeat           HeartbeatConfig `yaml:"heartbeat"`
}

// ReconnectConfig bounds transparent command channel reconnection.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// HeartbeatConfig controls liveness beacons. Connectivity is considered
// lost after MissThreshold intervals without a beacon or telemetry frame.
type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MissThreshold int           `yaml:"miss_threshold"`
}

// TargetConfig contains settings for the hardware-attached service.
type TargetConfig struct {
	ListenHost        string             `yaml:"listen_host"`
	CommandPort       int                `yaml:"command_port"`
	HostAddress       string             `yaml:"host_address"`
	TelemetryPort     int                `yaml:"telemetry_port"`
	HeartbeatPort     int                `yaml:"heartbeat_port"`
	HostHeartbeatPort int                `yaml:"host_heartbeat_port"`
	SampleInterval    time.Duration      `yaml:"sample_interval"`
	RefreshInterval   time.Duration      `yaml:"refresh_interval"`
	SessionIdle       time.Duration      `yaml:"session_idle"`
	Significance      map[string]float64 `yaml:"significance"`
	Simulator         bool               `yaml:"simulator"`
}

// SequencerConfig tunes the automated sequence.
type SequencerConfig struct {
	HistorySize    int           `yaml:"history_size"`
	ClosingTimeout time.Duration `yaml:"closing_timeout"`
	SettleDwell    time.Duration `yaml:"settle_dwell"`
	EventQueue     int           `yaml:"event_queue"`
}

// MapperConfig tunes telemetry event generation. Hysteresis is keyed by
// telemetry channel name; absent channels use a zero band.
type MapperConfig struct {
	Hysteresis map[string]float64 `yaml:"hysteresis"`
}

// SafetyConfig controls the emergency overlay.
type SafetyConfig struct {
	EscalateOn []string            `yaml:"escalate_on"`
	Limits     []SafetyLimitConfig `yaml:"limits"`
	Timeout    time.Duration       `yaml:"timeout"`
}

// SafetyLimitConfig bounds one actuator or telemetry channel.
type SafetyLimitConfig struct {
	Channel string  `yaml:"channel"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FUSOR_SECTION_KEY
// For example: FUSOR_DATABASE_PATH, FUSOR_TARGET_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the bench defaults of the apparatus.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "fusor-001",
			Name: "Fusor",
		},
		Database: DatabaseConfig{
			Path:        "./data/fusor.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fusor-host",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/fusor.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			Operator: OperatorConfig{
				Username: "operator",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Link: LinkConfig{
			TargetHost:          "192.168.0.2",
			CommandPort:         2222,
			TelemetryPort:       12345,
			HeartbeatPort:       8888,
			TargetHeartbeatPort: 8889,
			CommandTimeout:      2 * time.Second,
			ConnectTimeout:      5 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 250 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				MaxAttempts:  3,
			},
			Heartbeat: HeartbeatConfig{
				Interval:      time.Second,
				MissThreshold: 3,
			},
		},
		Target: TargetConfig{
			ListenHost:        "0.0.0.0",
			CommandPort:       2222,
			HostAddress:       "192.168.0.1",
			TelemetryPort:     12345,
			HeartbeatPort:     8889,
			HostHeartbeatPort: 8888,
			SampleInterval:    100 * time.Millisecond,
			RefreshInterval:   10 * time.Second,
			SessionIdle:       30 * time.Second,
			Significance: map[string]float64{
				"foreline_pressure": 0.5,
				"turbo_pressure":    0.001,
				"main_pressure":     0.001,
				"supply_voltage":    0.05,
				"supply_current":    0.05,
				"atm_flag":          0,
				"neutron_counts":    1,
			},
		},
		Sequencer: SequencerConfig{
			HistorySize:    200,
			ClosingTimeout: 5 * time.Second,
			SettleDwell:    5 * time.Second,
			EventQueue:     64,
		},
		Safety: SafetyConfig{
			EscalateOn: []string{"actuation", "fault"},
			Timeout:    10 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FUSOR_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("FUSOR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("FUSOR_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FUSOR_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FUSOR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("FUSOR_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("FUSOR_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Link
	if v := os.Getenv("FUSOR_TARGET_HOST"); v != "" {
		cfg.Link.TargetHost = v
	}
	if v := os.Getenv("FUSOR_HOST_ADDRESS"); v != "" {
		cfg.Target.HostAddress = v
	}
	if v := os.Getenv("FUSOR_TARGET_SIMULATOR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Target.Simulator = b
		}
	}

	// Security
	if v := os.Getenv("FUSOR_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("FUSOR_OPERATOR_PASSWORD_HASH"); v != "" {
		cfg.Security.Operator.PasswordHash = v
	}
}

// validEscalationClasses lists the error classes the safety overlay accepts.
var validEscalationClasses = map[string]bool{
	"validation": true,
	"transport":  true,
	"actuation":  true,
	"sequence":   true,
	"fault":      true,
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The API can open valves and energise the supply; a weak secret
		// would let anyone on the lab network forge an operator token.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set FUSOR_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	errs = append(errs, validatePorts(c)...)

	if c.Link.CommandTimeout <= 0 {
		errs = append(errs, "link.command_timeout must be positive")
	}
	if c.Link.Heartbeat.Interval <= 0 {
		errs = append(errs, "link.heartbeat.interval must be positive")
	}
	if c.Link.Heartbeat.MissThreshold < 1 {
		errs = append(errs, "link.heartbeat.miss_threshold must be at least 1")
	}
	if c.Target.SampleInterval <= 0 {
		errs = append(errs, "target.sample_interval must be positive")
	}
	if c.Target.RefreshInterval <= 0 {
		errs = append(errs, "target.refresh_interval must be positive")
	}
	if c.Sequencer.HistorySize < 1 {
		errs = append(errs, "sequencer.history_size must be at least 1")
	}
	if c.Sequencer.EventQueue < 1 {
		errs = append(errs, "sequencer.event_queue must be at least 1")
	}

	for _, class := range c.Safety.EscalateOn {
		if !validEscalationClasses[class] {
			errs = append(errs, fmt.Sprintf("safety.escalate_on: unknown class %q", class))
		}
	}
	for i, l := range c.Safety.Limits {
		if l.Channel == "" {
			errs = append(errs, fmt.Sprintf("safety.limits[%d].channel is required", i))
		}
		if l.Min > l.Max {
			errs = append(errs, fmt.Sprintf("safety.limits[%d]: min %g exceeds max %g", i, l.Min, l.Max))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validatePorts(c *Config) []string {
	var errs []string
	ports := []struct {
		name string
		port int
	}{
		{"link.command_port", c.Link.CommandPort},
		{"link.telemetry_port", c.Link.TelemetryPort},
		{"link.heartbeat_port", c.Link.HeartbeatPort},
		{"link.target_heartbeat_port", c.Link.TargetHeartbeatPort},
		{"target.command_port", c.Target.CommandPort},
		{"target.telemetry_port", c.Target.TelemetryPort},
		{"target.heartbeat_port", c.Target.HeartbeatPort},
		{"target.host_heartbeat_port", c.Target.HostHeartbeatPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			errs = append(errs, p.name+" must be between 1 and 65535")
		}
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// HeartbeatLossWindow returns how long the link may stay silent before
// connectivity is declared lost.
func (c *Config) HeartbeatLossWindow() time.Duration {
	return time.Duration(c.Link.Heartbeat.MissThreshold) * c.Link.Heartbeat.Interval
}

// TelemetryLossWindow returns how long the telemetry channel may stay
// silent before connectivity is declared lost. The target re-sends every
// channel once per refresh interval, so one heartbeat window on top of it
// covers a quiet but healthy stream.
func (c *Config) TelemetryLossWindow() time.Duration {
	return c.Target.RefreshInterval + c.HeartbeatLossWindow()
}

// AccessTokenTTLDuration returns the access token lifetime.
func (j JWTConfig) AccessTokenTTLDuration() time.Duration {
	return time.Duration(j.AccessTokenTTL) * time.Minute
}
