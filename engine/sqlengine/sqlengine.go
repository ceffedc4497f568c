// Package sqlengine implements engine.Engine on top of database/sql and Bun.
//
// Each engine.Database owns one bun.DB configured to retain no idle
// connections, and each engine.Conn is a dedicated bun.Conn checked out of it
// for its whole life. Closing a Conn therefore closes the underlying driver
// connection instead of returning it to a shared pool; pooling is embedkit's
// job, not database/sql's.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernandezvara/embedkit/engine"
	"github.com/fernandezvara/embedkit/hooks"
)

// DefaultDriver is used when Options.Driver is empty.
const DefaultDriver = "sqlite"

// Options configures the engine.
type Options struct {
	Driver string // "sqlite" (default), "sqlite3", "pgx" or "pg"

	BusyTimeout time.Duration // SQLite lock wait (default: 5s)
	OpenTimeout time.Duration // initial ping timeout (default: 5s)

	// Observability (all optional)
	Logger          *slog.Logger
	LogQueries      bool
	LogSlowQueries  time.Duration
	MetricsRegistry prometheus.Registerer
	Tracer          trace.Tracer
}

func (o *Options) applyDefaults() {
	if o.Driver == "" {
		o.Driver = DefaultDriver
	}
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Engine is an engine.Engine backed by a database/sql driver.
type Engine struct {
	opts   Options
	driver *driver
	hooks  []bun.QueryHook
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine for the configured driver.
func New(opts Options) (*Engine, error) {
	opts.applyDefaults()

	drv, ok := lookupDriver(opts.Driver)
	if !ok {
		return nil, fmt.Errorf("sqlengine: unknown driver %q (known: %v)", opts.Driver, DriverNames())
	}

	e := &Engine{opts: opts, driver: drv}

	if opts.LogQueries || opts.LogSlowQueries > 0 {
		e.hooks = append(e.hooks, hooks.NewLoggerHook(opts.Logger, opts.LogQueries, opts.LogSlowQueries))
	}
	if opts.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(opts.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("sqlengine: failed to create metrics hook: %w", err)
		}
		e.hooks = append(e.hooks, hook)
	}
	if opts.Tracer != nil {
		e.hooks = append(e.hooks, hooks.NewTracingHook(opts.Tracer, drv.system, drv.category))
	}

	return e, nil
}

// Name returns the driver name.
func (e *Engine) Name() string {
	return e.driver.name
}

// OpenDatabase opens path (a file path for SQLite drivers, a DSN for
// PostgreSQL drivers) and verifies it with a ping.
func (e *Engine) OpenDatabase(ctx context.Context, path string, cfg engine.Config) (engine.Database, error) {
	sqlDB, err := e.driver.open(path, cfg, e.opts)
	if err != nil {
		return nil, &engine.Error{
			Category: engine.CategoryConnection,
			Message:  fmt.Sprintf("failed to open %s database: %v", e.driver.name, err),
			Cause:    err,
		}
	}

	// embedkit pools connections itself.
	sqlDB.SetMaxIdleConns(0)
	sqlDB.SetMaxOpenConns(0)

	bunDB := bun.NewDB(sqlDB, e.driver.dialect())
	for _, h := range e.hooks {
		bunDB.AddQueryHook(h)
	}

	pingCtx, cancel := context.WithTimeout(ctx, e.opts.OpenTimeout)
	defer cancel()

	db := &database{
		engine: e,
		bun:    bunDB,
		cfg:    cfg,
	}

	if e.driver.inMemory(path) {
		// Keep one connection open so the in-memory database survives
		// between pooled connections.
		keep, err := sqlDB.Conn(pingCtx)
		if err != nil {
			_ = bunDB.Close()
			return nil, e.driver.wrap(err)
		}
		db.keepalive = keep
	}

	if err := bunDB.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &engine.Error{
			Category: engine.CategoryConnection,
			Message:  "failed to connect to database",
			Cause:    err,
		}
	}

	if cfg.EnableCompression && e.driver.family == familySQLite {
		e.opts.Logger.Debug("compression is not supported by this engine, ignoring", "driver", e.driver.name)
	}

	return db, nil
}

type database struct {
	engine    *Engine
	bun       *bun.DB
	cfg       engine.Config
	keepalive *sql.Conn
}

// NewConnection checks out a dedicated connection and applies the
// per-connection tuning derived from the database config.
func (db *database) NewConnection(ctx context.Context) (engine.Conn, error) {
	bc, err := db.bun.Conn(ctx)
	if err != nil {
		return nil, &engine.Error{
			Category: engine.CategoryConnection,
			Message:  fmt.Sprintf("failed to create connection: %v", err),
			Cause:    err,
		}
	}

	c := &conn{db: db, bc: bc}

	if err := db.engine.driver.tune(ctx, bc, db.cfg); err != nil {
		_ = bc.Close()
		return nil, db.engine.driver.wrap(err)
	}

	return c, nil
}

func (db *database) Close() error {
	if db.keepalive != nil {
		_ = db.keepalive.Close()
	}
	return db.bun.Close()
}
