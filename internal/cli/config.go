package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fernandezvara/embedkit"
)

// FileConfig is the YAML configuration file. Durations use Go syntax
// ("5s", "250ms").
//
//	database: ./app.db
//	driver: sqlite
//	statement_timeout: 30s
//	pool:
//	  max_connections: 8
//	  max_idle_time: 5m
type FileConfig struct {
	Database string `yaml:"database"`
	Driver   string `yaml:"driver"`

	ReadOnly          bool          `yaml:"read_only"`
	MaxThreads        uint64        `yaml:"max_threads"`
	BufferPoolSize    uint64        `yaml:"buffer_pool_size"`
	MaxDBSize         uint64        `yaml:"max_db_size"`
	DisableCheckpoint bool          `yaml:"disable_checkpoint"`
	BusyTimeout       time.Duration `yaml:"busy_timeout"`
	StatementTimeout  time.Duration `yaml:"statement_timeout"`
	LogSlowQueries    time.Duration `yaml:"log_slow_queries"`

	Pool PoolFileConfig `yaml:"pool"`
}

// PoolFileConfig is the pool section of FileConfig.
type PoolFileConfig struct {
	Name                   string        `yaml:"name"`
	MaxConnections         int           `yaml:"max_connections"`
	MaxIdleTime            time.Duration `yaml:"max_idle_time"`
	ReapInterval           time.Duration `yaml:"reap_interval"`
	ConcurrentTransactions bool          `yaml:"concurrent_transactions"`
}

// LoadConfig reads path. An empty path yields an empty configuration.
func LoadConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// DatabaseConfig converts the file settings into an embedkit.Config.
func (c *FileConfig) DatabaseConfig() embedkit.Config {
	cfg := embedkit.DefaultConfig()
	cfg.Driver = c.Driver
	cfg.ReadOnly = c.ReadOnly
	cfg.MaxThreads = c.MaxThreads
	cfg.BufferPoolSize = c.BufferPoolSize
	cfg.MaxDBSize = c.MaxDBSize
	cfg.AutoCheckpoint = !c.DisableCheckpoint
	cfg.StatementTimeout = c.StatementTimeout
	cfg.LogSlowQueries = c.LogSlowQueries
	if c.BusyTimeout > 0 {
		cfg.BusyTimeout = c.BusyTimeout
	}
	return cfg
}

// PoolConfig converts the pool section into an embedkit.PoolConfig.
func (c *FileConfig) PoolConfig() embedkit.PoolConfig {
	cfg := embedkit.DefaultPoolConfig()
	p := c.Pool
	if p.Name != "" {
		cfg.Name = p.Name
	}
	if p.MaxConnections > 0 {
		cfg.MaxConnections = p.MaxConnections
	}
	if p.MaxIdleTime > 0 {
		cfg.MaxIdleTime = p.MaxIdleTime
	}
	if p.ReapInterval > 0 {
		cfg.ReapInterval = p.ReapInterval
	}
	if p.ConcurrentTransactions {
		cfg = cfg.WithConcurrentTransactions()
	}
	return cfg
}
