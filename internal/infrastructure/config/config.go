package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device engine.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Models  ModelsConfig  `yaml:"models"`
	Engine  EngineConfig  `yaml:"engine"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Sink    SinkConfig    `yaml:"sink"`
	History HistoryConfig `yaml:"history"`
	Stream  StreamConfig  `yaml:"stream"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
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

// ModelsConfig locates the on-disk device model store.
type ModelsConfig struct {
	// Path is the directory holding one JSON file per registered model.
	// Scanned at startup; written on registration.
	Path string `yaml:"path"`
}

// EngineConfig contains device lifecycle and scheduling settings.
type EngineConfig struct {
	// MaxDevices caps the total device count across the engine.
	MaxDevices int `yaml:"max_devices"`
	// MaxGroupSize caps the member count of a single group.
	MaxGroupSize int `yaml:"max_group_size"`
	// ConnectTimeoutMs bounds a device's adapter connect attempt.
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	// PublishTimeoutMs bounds an acknowledged publish (MQTT QoS 1/2, CoAP CON, HTTP).
	PublishTimeoutMs int `yaml:"publish_timeout_ms"`
	// GracefulStopTimeoutMs bounds how long a stopping device may take to
	// wind down its scheduler tasks before resources are released anyway.
	GracefulStopTimeoutMs int `yaml:"graceful_stop_timeout_ms"`
	// StatsIntervalMs is the engine_stats emission cadence.
	StatsIntervalMs int `yaml:"stats_interval_ms"`
	// PublishQueueSize bounds each adapter's pending-publish queue.
	PublishQueueSize int `yaml:"publish_queue_size"`
}

// MQTTConfig contains default broker settings applied to device models
// that omit a connection host. Credentials here back ${env:...} lookups
// and password references in model specs.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
}

// MQTTBrokerConfig contains default MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// MQTTAuthConfig contains default MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SinkConfig contains metrics sink settings.
type SinkConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend selects the writer: "line" (line-protocol HTTP endpoint)
	// or "influxdb2" (InfluxDB v2 API).
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	// BatchSize flushes once this many points are pending.
	BatchSize int `yaml:"batch_size"`
	// FlushIntervalMs flushes pending points at least this often.
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	// BufferSize bounds buffered points; overflow drops oldest.
	BufferSize int `yaml:"buffer_size"`
	// RetryMaxBackoffMs caps the exponential backoff between retries of a
	// failed batch.
	RetryMaxBackoffMs int `yaml:"retry_max_backoff_ms"`
	// ShutdownFlushTimeoutMs bounds the final flush at engine shutdown.
	ShutdownFlushTimeoutMs int `yaml:"shutdown_flush_timeout_ms"`
}

// HistoryConfig contains event history settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// MaxRows prunes the oldest rows once exceeded.
	MaxRows int `yaml:"max_rows"`
}

// StreamConfig contains WebSocket event stream settings.
type StreamConfig struct {
	Enabled bool `yaml:"enabled"`
	// SendBuffer is the per-client frame buffer; slow clients are dropped
	// when it fills.
	SendBuffer   int `yaml:"send_buffer"`
	PingInterval int `yaml:"ping_interval"`
	PongTimeout  int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVICE_ENGINE_SECTION_KEY
// For example: DEVICE_ENGINE_API_PORT, DEVICE_ENGINE_SINK_URL.
// The unprefixed names DEVICE_MODEL_PATH, MQTT_BROKER_HOST, MQTT_BROKER_PORT,
// INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG and INFLUXDB_BUCKET are also
// honoured for compatibility with existing deployments.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDefault returns the default configuration with environment overrides
// applied, for running without a config file.
func LoadDefault() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Models: ModelsConfig{
			Path: "./device-models",
		},
		Engine: EngineConfig{
			MaxDevices:            1000000,
			MaxGroupSize:          1000000,
			ConnectTimeoutMs:      10000,
			PublishTimeoutMs:      5000,
			GracefulStopTimeoutMs: 5000,
			StatsIntervalMs:       5000,
			PublishQueueSize:      1024,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
		},
		Sink: SinkConfig{
			Enabled:                true,
			Backend:                "line",
			URL:                    "http://localhost:8086",
			Org:                    "iotix",
			Bucket:                 "telemetry",
			BatchSize:              5000,
			FlushIntervalMs:        1000,
			BufferSize:             100000,
			RetryMaxBackoffMs:      30000,
			ShutdownFlushTimeoutMs: 5000,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "./data/engine-history.db",
			MaxRows: 100000,
		},
		Stream: StreamConfig{
			Enabled:      true,
			SendBuffer:   256,
			PingInterval: 30,
			PongTimeout:  10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// API
	if v := os.Getenv("DEVICE_ENGINE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DEVICE_ENGINE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Models directory
	if v := os.Getenv("DEVICE_MODEL_PATH"); v != "" {
		cfg.Models.Path = v
	}
	if v := os.Getenv("DEVICE_ENGINE_MODELS_PATH"); v != "" {
		cfg.Models.Path = v
	}

	// Default broker
	if v := os.Getenv("MQTT_BROKER_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MQTT_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Sink
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.Sink.URL = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Sink.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.Sink.Org = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.Sink.Bucket = v
	}
	if v := os.Getenv("DEVICE_ENGINE_SINK_URL"); v != "" {
		cfg.Sink.URL = v
	}
	if v := os.Getenv("DEVICE_ENGINE_SINK_BACKEND"); v != "" {
		cfg.Sink.Backend = v
	}

	// History
	if v := os.Getenv("DEVICE_ENGINE_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}

	// Logging
	if v := os.Getenv("DEVICE_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Models validation
	if c.Models.Path == "" {
		errs = append(errs, "models.path is required")
	}

	// Engine validation
	if c.Engine.MaxDevices < 1 {
		errs = append(errs, "engine.max_devices must be at least 1")
	}
	if c.Engine.MaxGroupSize < 1 {
		errs = append(errs, "engine.max_group_size must be at least 1")
	}
	if c.Engine.ConnectTimeoutMs < 1 {
		errs = append(errs, "engine.connect_timeout_ms must be positive")
	}
	if c.Engine.PublishTimeoutMs < 1 {
		errs = append(errs, "engine.publish_timeout_ms must be positive")
	}
	if c.Engine.PublishQueueSize < 1 {
		errs = append(errs, "engine.publish_queue_size must be positive")
	}

	// Broker defaults validation
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	// Sink validation
	switch c.Sink.Backend {
	case "line", "influxdb2":
	default:
		errs = append(errs, "sink.backend must be \"line\" or \"influxdb2\"")
	}
	if c.Sink.Enabled {
		if c.Sink.URL == "" {
			errs = append(errs, "sink.url is required when the sink is enabled")
		}
		if c.Sink.Backend == "influxdb2" && c.Sink.Bucket == "" {
			errs = append(errs, "sink.bucket is required for the influxdb2 backend")
		}
	}
	if c.Sink.BatchSize < 1 {
		errs = append(errs, "sink.batch_size must be positive")
	}
	if c.Sink.BufferSize < 1 {
		errs = append(errs, "sink.buffer_size must be positive")
	}

	// History validation
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, "history.path is required when history is enabled")
	}
	if c.History.MaxRows < 0 {
		errs = append(errs, "history.max_rows must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetConnectTimeout returns the adapter connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Engine.ConnectTimeoutMs) * time.Millisecond
}

// GetPublishTimeout returns the acknowledged-publish timeout as a Duration.
func (c *Config) GetPublishTimeout() time.Duration {
	return time.Duration(c.Engine.PublishTimeoutMs) * time.Millisecond
}

// GetGracefulStopTimeout returns the device stop grace period as a Duration.
func (c *Config) GetGracefulStopTimeout() time.Duration {
	return time.Duration(c.Engine.GracefulStopTimeoutMs) * time.Millisecond
}

// GetStatsInterval returns the engine_stats emission interval as a Duration.
func (c *Config) GetStatsInterval() time.Duration {
	return time.Duration(c.Engine.StatsIntervalMs) * time.Millisecond
}

// GetFlushInterval returns the sink flush interval as a Duration.
func (c *SinkConfig) GetFlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// GetRetryMaxBackoff returns the sink retry backoff cap as a Duration.
func (c *SinkConfig) GetRetryMaxBackoff() time.Duration {
	return time.Duration(c.RetryMaxBackoffMs) * time.Millisecond
}

// GetShutdownFlushTimeout returns the shutdown flush deadline as a Duration.
func (c *SinkConfig) GetShutdownFlushTimeout() time.Duration {
	return time.Duration(c.ShutdownFlushTimeoutMs) * time.Millisecond
}
