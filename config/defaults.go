package config

import (
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// DefaultConfig returns the platform defaults. Every value can be overridden
// by YAML or environment variables.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			TenantRateLimit: 50,
			TenantRateBurst: 100,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "acf:",
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Name:    "acf_audit.db",
			SSLMode: "disable",
		},
		Audit: AuditConfig{
			Backend: "gorm",
		},
		Mutex: MutexConfig{
			TTL:             30 * time.Second,
			BlockingTimeout: 5 * time.Second,
			ExtendInterval:  10 * time.Second,
		},
		Accumulate: AccumulateConfig{
			Mode:                types.AggregationAdaptive,
			DefaultWindow:       800 * time.Millisecond,
			MinWindow:           200 * time.Millisecond,
			MaxWindow:           5 * time.Second,
			IncompleteExtend:    700 * time.Millisecond,
			AwaitingFieldExtend: 1500 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			RequestTTL: 5 * time.Minute,
			TurnTTL:    60 * time.Second,
			ToolTTL:    24 * time.Hour,
		},
		Supersede: SupersedeConfig{
			Policy: "pipeline",
		},
		Workflow: WorkflowConfig{
			MaxConcurrentTurns: 256,
			StoreRetryMax:      3,
			StoreRetryBase:     100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "agentfabric",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}
