package embedkit

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernandezvara/embedkit/engine"
)

// Config holds database configuration
type Config struct {
	// Engine runs the statements. nil selects the bundled SQL engine
	// (engine/sqlengine) with Driver.
	Engine engine.Engine
	Driver string // sqlengine driver name (default: "sqlite")

	// Engine tuning, passed through untouched
	BufferPoolSize      uint64 // Page cache size in bytes (0 = engine default)
	MaxThreads          uint64 // Worker threads per connection (0 = engine default)
	EnableCompression   bool   // Storage compression, where supported
	ReadOnly            bool   // Open the database read-only
	MaxDBSize           uint64 // Upper bound on database size in bytes (0 = unlimited)
	AutoCheckpoint      bool   // Checkpoint the log automatically (default: true)
	CheckpointThreshold uint64 // Log size in bytes that triggers a checkpoint (0 = engine default)

	// Timeouts
	OpenTimeout      time.Duration // Initial open/ping timeout (default: 5s)
	BusyTimeout      time.Duration // Lock wait inside the engine (default: 5s)
	StatementTimeout time.Duration // Per-statement limit for new connections (0 = none)

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	LogQueries      bool                  // Log all statements
	LogSlowQueries  time.Duration         // Log statements slower than this (0 = disabled)
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		AutoCheckpoint: true,
		OpenTimeout:    5 * time.Second,
		BusyTimeout:    5 * time.Second,
	}
}

// applyDefaults fills in zero values with defaults. AutoCheckpoint is a
// plain bool and is left as given; use DefaultConfig to get it enabled.
func (c *Config) applyDefaults() {
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// engineConfig is the pass-through subset handed to Engine.OpenDatabase.
func (c Config) engineConfig() engine.Config {
	return engine.Config{
		BufferPoolSize:      c.BufferPoolSize,
		MaxThreads:          c.MaxThreads,
		EnableCompression:   c.EnableCompression,
		ReadOnly:            c.ReadOnly,
		MaxDBSize:           c.MaxDBSize,
		AutoCheckpoint:      c.AutoCheckpoint,
		CheckpointThreshold: c.CheckpointThreshold,
	}
}

// WithEngine replaces the bundled SQL engine
func (c Config) WithEngine(e engine.Engine) Config {
	c.Engine = e
	return c
}

// WithDriver selects the sqlengine driver
func (c Config) WithDriver(name string) Config {
	c.Driver = name
	return c
}

// WithReadOnly opens the database read-only
func (c Config) WithReadOnly() Config {
	c.ReadOnly = true
	return c
}

// WithMaxThreads sets the per-connection worker thread count
func (c Config) WithMaxThreads(n uint64) Config {
	c.MaxThreads = n
	return c
}

// WithStatementTimeout bounds every statement on new connections
func (c Config) WithStatementTimeout(d time.Duration) Config {
	c.StatementTimeout = d
	return c
}

// WithLogger enables statement logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.LogQueries = true
	return c
}

// WithSlowQueryLog logs statements slower than the threshold
func (c Config) WithSlowQueryLog(threshold time.Duration) Config {
	c.LogSlowQueries = threshold
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// PoolConfig holds pool configuration
type PoolConfig struct {
	Name           string        // Label for logs and metrics (default: "default")
	MaxConnections int           // Upper bound on pooled connections (default: 4)
	MaxIdleTime    time.Duration // Idle time after which the reaper closes a connection (0 = never)
	ReapInterval   time.Duration // How often the reaper runs (0 = no reaper)

	// SerializeTransactions runs WithTransaction calls one at a time across
	// the whole pool. Ignored when MaxConnections is 1.
	SerializeTransactions bool
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Name:                  "default",
		MaxConnections:        4,
		MaxIdleTime:           5 * time.Minute,
		ReapInterval:          time.Minute,
		SerializeTransactions: true,
	}
}

func (c *PoolConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
}

// WithMaxConnections sets the pool size
func (c PoolConfig) WithMaxConnections(n int) PoolConfig {
	c.MaxConnections = n
	return c
}

// WithIdleReaping closes connections idle for longer than maxIdle, checking
// every interval
func (c PoolConfig) WithIdleReaping(maxIdle, interval time.Duration) PoolConfig {
	c.MaxIdleTime = maxIdle
	c.ReapInterval = interval
	return c
}

// WithConcurrentTransactions lets WithTransaction calls run in parallel on
// different connections
func (c PoolConfig) WithConcurrentTransactions() PoolConfig {
	c.SerializeTransactions = false
	return c
}
