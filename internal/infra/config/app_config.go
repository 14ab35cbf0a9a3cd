// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = FanoutWorkerSetting{}
		return nil
	}
	switch strings.ToLower(text) {
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// APIServerConfig configures the gateway's HTTP surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
}

// LoggingConfig configures the slog handler and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// RetryConfig mirrors the venue retry policy parameters.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	BaseDelay      time.Duration `yaml:"baseDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
}

// CircuitBreakerConfig configures every per-venue breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout"`
}

// ReconcilerConfig controls venue status polling for open orders.
type ReconcilerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// RetentionConfig controls eviction of terminal orders from memory.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"maxAge"`
}

// KafkaConfig configures the transition event sink.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	ClientID     string        `yaml:"clientId"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// OutboxConfig controls relaying persisted order events to the sink.
type OutboxConfig struct {
	RelayInterval time.Duration `yaml:"relayInterval"`
	BatchSize     int           `yaml:"batchSize"`
	RetryBase     time.Duration `yaml:"retryBase"`
	RetryMax      time.Duration `yaml:"retryMax"`
	Retention     time.Duration `yaml:"retention"`
}

// EventsConfig groups downstream publication of order events.
type EventsConfig struct {
	Kafka  KafkaConfig  `yaml:"kafka"`
	Outbox OutboxConfig `yaml:"outbox"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	RehydrateWindow   time.Duration `yaml:"rehydrateWindow"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(os.ExpandEnv(c.DSN))
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/execgate"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.RehydrateWindow <= 0 {
		c.RehydrateWindow = 24 * time.Hour
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified gateway configuration sourced from YAML.
type AppConfig struct {
	Environment    Environment            `yaml:"environment"`
	APIServer      APIServerConfig        `yaml:"apiServer"`
	Logging        LoggingConfig          `yaml:"logging"`
	Retry          RetryConfig            `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig   `yaml:"circuitBreaker"`
	Risk           RiskConfig             `yaml:"risk"`
	Venues         map[string]VenueConfig `yaml:"venues"`
	Reconciler     ReconcilerConfig       `yaml:"reconciler"`
	Retention      RetentionConfig        `yaml:"retention"`
	Eventbus       EventbusConfig         `yaml:"eventbus"`
	Events         EventsConfig           `yaml:"events"`
	Database       DatabaseConfig         `yaml:"database"`
	Telemetry      TelemetryConfig        `yaml:"telemetry"`
}

// DefaultAppConfig returns a configuration running a single mock venue in memory.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Venues: map[string]VenueConfig{
			"mock": {Kind: VenueKindMock, Default: true},
		},
	}
	if err := cfg.normalise(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
// Environment variables referenced as ${VAR} are expanded before parsing.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(bytes))), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8080"
	}
	if c.APIServer.ReadTimeout <= 0 {
		c.APIServer.ReadTimeout = 10 * time.Second
	}
	if c.APIServer.WriteTimeout <= 0 {
		c.APIServer.WriteTimeout = time.Minute
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 15 * time.Second
	}
	if c.APIServer.MaxBodyBytes <= 0 {
		c.APIServer.MaxBodyBytes = 1 << 20
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Output = strings.ToLower(strings.TrimSpace(c.Logging.Output))
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.FilePath = strings.TrimSpace(c.Logging.FilePath); c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join("logs", "execgate.log")
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.AttemptTimeout <= 0 {
		c.Retry.AttemptTimeout = 5 * time.Second
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		c.CircuitBreaker.RecoveryTimeout = 30 * time.Second
	}

	normalised := make(map[string]VenueConfig, len(c.Venues))
	for key, value := range c.Venues {
		name := normalizeVenueName(key)
		if _, exists := normalised[name]; exists {
			return fmt.Errorf("duplicate venue name %q", name)
		}
		value.normalise()
		normalised[name] = value
	}
	c.Venues = normalised

	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = 5 * time.Second
	}
	if c.Reconciler.Concurrency <= 0 {
		c.Reconciler.Concurrency = 4
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = 10 * time.Minute
	}
	if c.Retention.MaxAge <= 0 {
		c.Retention.MaxAge = 24 * time.Hour
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}
	c.Events.Kafka.Topic = strings.TrimSpace(c.Events.Kafka.Topic)
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "execgate.order-events"
	}
	if c.Events.Kafka.ClientID == "" {
		c.Events.Kafka.ClientID = "execgate"
	}
	brokers := make([]string, 0, len(c.Events.Kafka.Brokers))
	for _, broker := range c.Events.Kafka.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Events.Kafka.Brokers = brokers
	if c.Events.Kafka.BatchTimeout <= 0 {
		c.Events.Kafka.BatchTimeout = 10 * time.Millisecond
	}
	if c.Events.Kafka.WriteTimeout <= 0 {
		c.Events.Kafka.WriteTimeout = 10 * time.Second
	}
	if c.Events.Outbox.RelayInterval <= 0 {
		c.Events.Outbox.RelayInterval = time.Second
	}
	if c.Events.Outbox.BatchSize <= 0 {
		c.Events.Outbox.BatchSize = 128
	}
	if c.Events.Outbox.RetryBase <= 0 {
		c.Events.Outbox.RetryBase = time.Second
	}
	if c.Events.Outbox.RetryMax <= 0 {
		c.Events.Outbox.RetryMax = 5 * time.Minute
	}
	if c.Events.Outbox.Retention <= 0 {
		c.Events.Outbox.Retention = 72 * time.Hour
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "execgate"
	}

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text")
	}
	switch c.Logging.Output {
	case "stdout", "file", "both":
	default:
		return fmt.Errorf("logging output must be stdout, file or both")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry maxDelay must be >= baseDelay")
	}

	if err := c.Risk.validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue required")
	}
	defaults := 0
	for name, venue := range c.Venues {
		if err := venue.validate(); err != nil {
			return fmt.Errorf("venue %q: %w", name, err)
		}
		if venue.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one venue may be marked default")
	}

	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if c.Events.Kafka.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		return fmt.Errorf("events kafka brokers required when enabled")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// DefaultVenue returns the venue used for decisions that do not name one.
// A single configured venue is the default implicitly.
func (c AppConfig) DefaultVenue() string {
	for name, venue := range c.Venues {
		if venue.Default {
			return name
		}
	}
	if len(c.Venues) == 1 {
		for name := range c.Venues {
			return name
		}
	}
	return ""
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
