package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the ingest server.
type Config struct {
	HTTPPort     int
	MetricsPort  int
	DBDriver     string
	DBDSN        string
	MQTT         MQTTConfig
	StoreTimeout time.Duration
	SeedPath     string
	MDNS         bool
	LogLevel     string
}

// MQTTConfig describes the broker connection used by the subscriber and the alert publisher.
type MQTTConfig struct {
	Broker       string
	Topic        string
	ClientID     string
	QoS          byte
	KeepAlive    time.Duration
	AlertTopic   string
	ReconnectMax time.Duration
}

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultHTTPPort     = 8080
	defaultMetricsPort  = 9090
	defaultDBDriver     = DriverSQLite
	defaultSQLitePath   = "data/ingest.db"
	defaultBroker       = "tcp://localhost:1883"
	defaultTopic        = "sensores/paquetes"
	defaultAlertTopic   = "sensores/alertas"
	defaultKeepAlive    = 60 * time.Second
	defaultReconnectMax = 30 * time.Second
	defaultStoreTimeout = 5 * time.Second
	defaultLogLevel     = "info"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:    defaultHTTPPort,
		MetricsPort: defaultMetricsPort,
		DBDriver:    defaultDBDriver,
		MQTT: MQTTConfig{
			Broker:       defaultBroker,
			Topic:        defaultTopic,
			KeepAlive:    defaultKeepAlive,
			AlertTopic:   defaultAlertTopic,
			ReconnectMax: defaultReconnectMax,
		},
		StoreTimeout: defaultStoreTimeout,
		LogLevel:     defaultLogLevel,
	}

	var err error

	if cfg.HTTPPort, err = envInt("INGEST_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = envInt("INGEST_METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("INGEST_DB_DRIVER"); v != "" {
		cfg.DBDriver = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.DBDSN = os.Getenv("INGEST_DB_DSN")
	if cfg.DBDSN == "" && cfg.DBDriver == DriverSQLite {
		cfg.DBDSN = defaultSQLitePath
	}

	if v := os.Getenv("INGEST_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("INGEST_MQTT_TOPIC"); v != "" {
		cfg.MQTT.Topic = v
	}
	cfg.MQTT.ClientID = os.Getenv("INGEST_MQTT_CLIENT_ID")
	if v := os.Getenv("INGEST_ALERT_TOPIC"); v != "" {
		cfg.MQTT.AlertTopic = v
	}

	qos, err := envInt("INGEST_MQTT_QOS", 0)
	if err != nil {
		return Config{}, err
	}
	if qos < 0 || qos > 2 {
		return Config{}, fmt.Errorf("invalid INGEST_MQTT_QOS: %d not in 0..2", qos)
	}
	cfg.MQTT.QoS = byte(qos)

	if cfg.MQTT.KeepAlive, err = envDuration("INGEST_MQTT_KEEPALIVE", cfg.MQTT.KeepAlive); err != nil {
		return Config{}, err
	}
	if cfg.MQTT.ReconnectMax, err = envDuration("INGEST_RECONNECT_MAX", cfg.MQTT.ReconnectMax); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = envDuration("INGEST_STORE_TIMEOUT", cfg.StoreTimeout); err != nil {
		return Config{}, err
	}

	cfg.SeedPath = os.Getenv("INGEST_SEED_PATH")

	if v := os.Getenv("INGEST_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid INGEST_MDNS: %w", err)
		}
		cfg.MDNS = enabled
	}

	if v := os.Getenv("INGEST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	for name, port := range map[string]int{"http port": c.HTTPPort, "metrics port": c.MetricsPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("database dsn is required for driver %q", c.DBDriver)
	}
	if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt broker and topic are required")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	return nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
