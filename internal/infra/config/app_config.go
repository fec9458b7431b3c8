// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig selects the participant role and its router sizing.
type ServiceConfig struct {
	Role            Role          `yaml:"role"`
	Lanes           int           `yaml:"lanes"`
	MaxRedeliveries int           `yaml:"maxRedeliveries"`
	ParkCapacity    int           `yaml:"parkCapacity"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
}

// BusConfig selects the message bus implementation.
type BusConfig struct {
	// Driver is "memory" or "kafka".
	Driver string      `yaml:"driver"`
	Buffer int         `yaml:"buffer"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver            string        `yaml:"driver"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = "memory"
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/orderflow"
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
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("driver must be memory or postgres")
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
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// RedisConfig enables the marker fast path.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// IdempotencyConfig bounds marker lifetime.
type IdempotencyConfig struct {
	Retention                time.Duration `yaml:"retention"`
	ProducerRedeliveryWindow time.Duration `yaml:"producerRedeliveryWindow"`
	SweepInterval            time.Duration `yaml:"sweepInterval"`
}

// RetryConfig mirrors the exponential backoff parameters.
type RetryConfig struct {
	MaxAttempts         int           `yaml:"maxAttempts"`
	InitialInterval     time.Duration `yaml:"initialInterval"`
	MaxInterval         time.Duration `yaml:"maxInterval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomizationFactor"`
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failureThreshold"`
	OpenDuration     time.Duration `yaml:"openDuration"`
	HalfOpenProbes   uint32        `yaml:"halfOpenProbes"`
}

// DependencyConfig is the resilience setting of one collaborator.
type DependencyConfig struct {
	Retry         RetryConfig   `yaml:"retry"`
	Breaker       BreakerConfig `yaml:"breaker"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	CallTimeout   time.Duration `yaml:"callTimeout"`
}

// ResilienceConfig holds defaults plus per-dependency overrides.
type ResilienceConfig struct {
	DependencyConfig `yaml:",inline"`
	WatchdogInterval time.Duration               `yaml:"watchdogInterval"`
	Overrides        map[string]DependencyConfig `yaml:"overrides"`
}

// For returns the effective settings of dependency name. Zero override fields
// inherit the defaults.
func (c ResilienceConfig) For(name string) DependencyConfig {
	out := c.DependencyConfig
	o, ok := c.Overrides[name]
	if !ok {
		return out
	}
	if o.Retry.MaxAttempts > 0 {
		out.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.InitialInterval > 0 {
		out.Retry.InitialInterval = o.Retry.InitialInterval
	}
	if o.Retry.MaxInterval > 0 {
		out.Retry.MaxInterval = o.Retry.MaxInterval
	}
	if o.Retry.Multiplier > 0 {
		out.Retry.Multiplier = o.Retry.Multiplier
	}
	if o.Retry.RandomizationFactor > 0 {
		out.Retry.RandomizationFactor = o.Retry.RandomizationFactor
	}
	if o.Breaker.FailureThreshold > 0 {
		out.Breaker.FailureThreshold = o.Breaker.FailureThreshold
	}
	if o.Breaker.OpenDuration > 0 {
		out.Breaker.OpenDuration = o.Breaker.OpenDuration
	}
	if o.Breaker.HalfOpenProbes > 0 {
		out.Breaker.HalfOpenProbes = o.Breaker.HalfOpenProbes
	}
	if o.MaxConcurrent > 0 {
		out.MaxConcurrent = o.MaxConcurrent
	}
	if o.CallTimeout > 0 {
		out.CallTimeout = o.CallTimeout
	}
	return out
}

// OutboxConfig drives the relay.
type OutboxConfig struct {
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batchSize"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	Lease        time.Duration `yaml:"lease"`
	ArchiveAfter time.Duration `yaml:"archiveAfter"`
}

// CollaboratorsConfig points at the remote collaborators. An empty URL
// selects the in-process fake, which only dev allows for the collaborators a
// role calls. Notifications may stay faked anywhere.
type CollaboratorsConfig struct {
	PaymentURL      string        `yaml:"paymentURL"`
	RestaurantURL   string        `yaml:"restaurantURL"`
	DeliveryURL     string        `yaml:"deliveryURL"`
	NotificationURL string        `yaml:"notificationURL"`
	Timeout         time.Duration `yaml:"timeout"`
}

// NotificationConfig throttles notification sends.
type NotificationConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// APIServerConfig configures the order intake HTTP surface. Debug exposes
// saga state and history on order reads and is refused in prod.
type APIServerConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the unified orderflow configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment         `yaml:"environment"`
	Service       ServiceConfig       `yaml:"service"`
	Bus           BusConfig           `yaml:"bus"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Notification  NotificationConfig  `yaml:"notification"`
	APIServer     APIServerConfig     `yaml:"apiServer"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Default returns a configuration that runs every role in one process on the
// memory bus and memory store.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	if err := cfg.normalise(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
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
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
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

// LoadOrDefault loads configPath, returning Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return AppConfig{}, err
}

func (c *AppConfig) normalise() error {
	if env := strings.TrimSpace(os.Getenv("ORDERFLOW_ENV")); env != "" {
		c.Environment = Environment(env)
	}
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	if strings.TrimSpace(string(c.Service.Role)) == "" {
		c.Service.Role = RoleAll
	} else if role, ok := ParseRole(string(c.Service.Role)); ok {
		c.Service.Role = role
	} else {
		return fmt.Errorf("unknown service role %q", c.Service.Role)
	}
	if c.Service.Lanes <= 0 {
		c.Service.Lanes = 8
	}
	if c.Service.MaxRedeliveries <= 0 {
		c.Service.MaxRedeliveries = 10
	}
	if c.Service.ParkCapacity <= 0 {
		c.Service.ParkCapacity = 1024
	}
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 15 * time.Second
	}

	c.Bus.Driver = strings.ToLower(strings.TrimSpace(c.Bus.Driver))
	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Buffer <= 0 {
		c.Bus.Buffer = 256
	}
	brokers := c.Bus.Kafka.Brokers[:0]
	for _, b := range c.Bus.Kafka.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Bus.Kafka.Brokers = brokers
	if strings.TrimSpace(c.Bus.Kafka.ClientID) == "" {
		c.Bus.Kafka.ClientID = "orderflow"
	}
	if c.Bus.Kafka.BatchTimeout <= 0 {
		c.Bus.Kafka.BatchTimeout = 10 * time.Millisecond
	}
	if c.Bus.Kafka.MinBytes <= 0 {
		c.Bus.Kafka.MinBytes = 1
	}
	if c.Bus.Kafka.MaxBytes <= 0 {
		c.Bus.Kafka.MaxBytes = 10 << 20
	}

	c.Database.applyDefaults()

	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Idempotency.Retention <= 0 {
		c.Idempotency.Retention = 7 * 24 * time.Hour
	}
	if c.Idempotency.ProducerRedeliveryWindow <= 0 {
		c.Idempotency.ProducerRedeliveryWindow = 24 * time.Hour
	}
	if c.Idempotency.SweepInterval <= 0 {
		c.Idempotency.SweepInterval = time.Hour
	}

	r := &c.Resilience
	if r.Retry.MaxAttempts <= 0 {
		r.Retry.MaxAttempts = 3
	}
	if r.Retry.InitialInterval <= 0 {
		r.Retry.InitialInterval = 200 * time.Millisecond
	}
	if r.Retry.MaxInterval <= 0 {
		r.Retry.MaxInterval = 5 * time.Second
	}
	if r.Retry.Multiplier <= 0 {
		r.Retry.Multiplier = 2
	}
	if r.Retry.RandomizationFactor <= 0 {
		r.Retry.RandomizationFactor = 0.2
	}
	if r.Breaker.FailureThreshold == 0 {
		r.Breaker.FailureThreshold = 5
	}
	if r.Breaker.OpenDuration <= 0 {
		r.Breaker.OpenDuration = 30 * time.Second
	}
	if r.Breaker.HalfOpenProbes == 0 {
		r.Breaker.HalfOpenProbes = 1
	}
	if r.MaxConcurrent <= 0 {
		r.MaxConcurrent = 32
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = 5 * time.Second
	}
	if r.WatchdogInterval <= 0 {
		r.WatchdogInterval = time.Second
	}

	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = 500 * time.Millisecond
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 128
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = 10
	}
	if c.Outbox.Lease <= 0 {
		c.Outbox.Lease = 30 * time.Second
	}
	if c.Outbox.ArchiveAfter <= 0 {
		c.Outbox.ArchiveAfter = 24 * time.Hour
	}

	c.Collaborators.PaymentURL = strings.TrimRight(strings.TrimSpace(c.Collaborators.PaymentURL), "/")
	c.Collaborators.RestaurantURL = strings.TrimRight(strings.TrimSpace(c.Collaborators.RestaurantURL), "/")
	c.Collaborators.DeliveryURL = strings.TrimRight(strings.TrimSpace(c.Collaborators.DeliveryURL), "/")
	c.Collaborators.NotificationURL = strings.TrimRight(strings.TrimSpace(c.Collaborators.NotificationURL), "/")
	if c.Collaborators.Timeout <= 0 {
		c.Collaborators.Timeout = 5 * time.Second
	}

	if c.Notification.RatePerSecond <= 0 {
		c.Notification.RatePerSecond = 50
	}
	if c.Notification.Burst <= 0 {
		c.Notification.Burst = 10
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8080"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "orderflow"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if _, ok := ParseRole(string(c.Service.Role)); !ok {
		return fmt.Errorf("service role %q unknown", c.Service.Role)
	}
	if c.Service.Lanes <= 0 {
		return fmt.Errorf("service lanes must be >0")
	}
	if c.Service.MaxRedeliveries <= 0 {
		return fmt.Errorf("service maxRedeliveries must be >0")
	}

	switch c.Bus.Driver {
	case "memory":
	case "kafka":
		if len(c.Bus.Kafka.Brokers) == 0 {
			return fmt.Errorf("bus kafka brokers required")
		}
	default:
		return fmt.Errorf("bus driver must be memory or kafka")
	}
	if c.Bus.Driver == "memory" && c.Service.Role != RoleAll {
		return fmt.Errorf("memory bus requires service role all")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Idempotency.Retention < c.Idempotency.ProducerRedeliveryWindow {
		return fmt.Errorf("idempotency retention %s must cover the producer redelivery window %s",
			c.Idempotency.Retention, c.Idempotency.ProducerRedeliveryWindow)
	}

	if err := c.Resilience.DependencyConfig.validate(); err != nil {
		return fmt.Errorf("resilience: %w", err)
	}
	for name := range c.Resilience.Overrides {
		if err := c.Resilience.For(name).validate(); err != nil {
			return fmt.Errorf("resilience override %s: %w", name, err)
		}
	}

	if c.Environment == EnvProd && c.APIServer.Debug {
		return fmt.Errorf("apiServer debug not allowed in prod")
	}
	if c.Environment != EnvDev {
		if err := c.Collaborators.requireFor(c.Service.Role); err != nil {
			return fmt.Errorf("collaborators: %w", err)
		}
	}

	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batchSize must be >0")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox maxAttempts must be >0")
	}
	if c.Notification.Burst <= 0 {
		return fmt.Errorf("notification burst must be >0")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

// requireFor fails when role calls a collaborator without a URL. The order
// role compensates through payment and restaurant.
func (c CollaboratorsConfig) requireFor(role Role) error {
	required := []struct {
		name  string
		url   string
		roles []Role
	}{
		{"paymentURL", c.PaymentURL, []Role{RoleOrder, RolePayment}},
		{"restaurantURL", c.RestaurantURL, []Role{RoleOrder, RoleRestaurant}},
		{"deliveryURL", c.DeliveryURL, []Role{RoleDelivery}},
	}
	for _, r := range required {
		if strings.TrimSpace(r.url) != "" {
			continue
		}
		for _, caller := range r.roles {
			if role.Includes(caller) {
				return fmt.Errorf("%s required outside dev for role %s", r.name, role)
			}
		}
	}
	return nil
}

func (c DependencyConfig) validate() error {
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry maxAttempts must be >0")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry maxInterval must be >= initialInterval")
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		return fmt.Errorf("retry randomizationFactor must be within [0,1]")
	}
	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker failureThreshold must be >0")
	}
	if c.Breaker.OpenDuration <= 0 {
		return fmt.Errorf("breaker openDuration must be >0")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("maxConcurrent must be >0")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("callTimeout must be >0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
