package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// Config is the complete configuration of the fabric service.
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Redis       RedisConfig       `yaml:"redis" env:"REDIS"`
	Database    DatabaseConfig    `yaml:"database" env:"DATABASE"`
	Audit       AuditConfig       `yaml:"audit" env:"AUDIT"`
	Mutex       MutexConfig       `yaml:"mutex" env:"MUTEX"`
	Accumulate  AccumulateConfig  `yaml:"accumulate" env:"ACCUMULATE"`
	Idempotency IdempotencyConfig `yaml:"idempotency" env:"IDEMPOTENCY"`
	Supersede   SupersedeConfig   `yaml:"supersede" env:"SUPERSEDE"`
	Workflow    WorkflowConfig    `yaml:"workflow" env:"WORKFLOW"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// JWTSecret signs tenant bearer tokens at the boundary. Empty disables
	// the middleware (development only).
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// TenantRateLimit is requests per second per tenant; 0 disables limiting.
	TenantRateLimit float64 `yaml:"tenant_rate_limit" env:"TENANT_RATE_LIMIT"`
	TenantRateBurst int     `yaml:"tenant_rate_burst" env:"TENANT_RATE_BURST"`
}

// RedisConfig configures the shared key-value store used by the mutex,
// idempotency layers, turn store and accumulation notifier.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	KeyPrefix    string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig configures the relational audit database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"` // postgres, mysql, sqlite
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// AuditConfig selects the audit sink backend.
type AuditConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND"` // gorm, mongo, none
	MongoURI      string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
}

// MutexConfig configures the session mutex.
type MutexConfig struct {
	TTL             time.Duration `yaml:"ttl" env:"TTL"`
	BlockingTimeout time.Duration `yaml:"blocking_timeout" env:"BLOCKING_TIMEOUT"`
	// ExtendInterval is how often a long-running workflow refreshes the TTL.
	ExtendInterval time.Duration `yaml:"extend_interval" env:"EXTEND_INTERVAL"`
}

// AccumulateConfig is the platform-default channel policy plus overrides.
type AccumulateConfig struct {
	Mode                types.AggregationMode `yaml:"mode" env:"MODE"`
	DefaultWindow       time.Duration         `yaml:"default_window" env:"DEFAULT_WINDOW"`
	MinWindow           time.Duration         `yaml:"min_window" env:"MIN_WINDOW"`
	MaxWindow           time.Duration         `yaml:"max_window" env:"MAX_WINDOW"`
	IncompleteExtend    time.Duration         `yaml:"incomplete_extend" env:"INCOMPLETE_EXTEND"`
	AwaitingFieldExtend time.Duration         `yaml:"awaiting_field_extend" env:"AWAITING_FIELD_EXTEND"`

	// Overrides narrow the platform default per tenant, agent or channel.
	Tenants  map[string]PolicyOverride `yaml:"tenants"`
	Agents   map[string]PolicyOverride `yaml:"agents"`
	Channels map[string]PolicyOverride `yaml:"channels"`
}

// Policy renders the platform-default channel policy.
func (a AccumulateConfig) Policy() types.ChannelPolicy {
	return types.ChannelPolicy{
		AggregationMode:     a.Mode,
		DefaultWindow:       a.DefaultWindow,
		MinWindow:           a.MinWindow,
		MaxWindow:           a.MaxWindow,
		IncompleteExtend:    a.IncompleteExtend,
		AwaitingFieldExtend: a.AwaitingFieldExtend,
	}
}

// IdempotencyConfig sets the TTL per idempotency layer.
type IdempotencyConfig struct {
	RequestTTL time.Duration `yaml:"request_ttl" env:"REQUEST_TTL"`
	TurnTTL    time.Duration `yaml:"turn_ttl" env:"TURN_TTL"`
	ToolTTL    time.Duration `yaml:"tool_ttl" env:"TOOL_TTL"`
}

// SupersedeConfig toggles the default supersede policy.
type SupersedeConfig struct {
	// Policy is "conservative" (fabric default) or "pipeline" (delegate to
	// the pipeline's decision capability when present).
	Policy string `yaml:"policy" env:"POLICY"`
}

// WorkflowConfig bounds concurrent turn workflows and store retries.
type WorkflowConfig struct {
	MaxConcurrentTurns int64         `yaml:"max_concurrent_turns" env:"MAX_CONCURRENT_TURNS"`
	StoreRetryMax      int           `yaml:"store_retry_max" env:"STORE_RETRY_MAX"`
	StoreRetryBase     time.Duration `yaml:"store_retry_base" env:"STORE_RETRY_BASE"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"` // json, console
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Mutex.TTL <= 0 {
		errs = append(errs, "mutex.ttl must be positive")
	}
	if c.Mutex.BlockingTimeout <= 0 {
		errs = append(errs, "mutex.blocking_timeout must be positive")
	}
	if c.Accumulate.MinWindow < 0 || c.Accumulate.MaxWindow < c.Accumulate.MinWindow {
		errs = append(errs, "accumulate windows must satisfy 0 <= min <= max")
	}
	if c.Accumulate.DefaultWindow < c.Accumulate.MinWindow || c.Accumulate.DefaultWindow > c.Accumulate.MaxWindow {
		errs = append(errs, "accumulate.default_window must lie within [min_window, max_window]")
	}
	switch c.Accumulate.Mode {
	case types.AggregationOff, types.AggregationFixed, types.AggregationAdaptive:
	default:
		errs = append(errs, fmt.Sprintf("unknown aggregation mode %q", c.Accumulate.Mode))
	}
	if c.Idempotency.RequestTTL <= 0 || c.Idempotency.TurnTTL <= 0 || c.Idempotency.ToolTTL <= 0 {
		errs = append(errs, "idempotency TTLs must be positive")
	}
	if c.Supersede.Policy != "conservative" && c.Supersede.Policy != "pipeline" {
		errs = append(errs, fmt.Sprintf("unknown supersede policy %q", c.Supersede.Policy))
	}
	if c.Workflow.MaxConcurrentTurns <= 0 {
		errs = append(errs, "workflow.max_concurrent_turns must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
