package embedkit

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fernandezvara/embedkit/engine"
	"github.com/fernandezvara/embedkit/engine/sqlengine"
)

// Database is an open engine database. It is shared by every connection
// created from it and must be closed after them.
type Database struct {
	path   string
	config Config
	engine engine.Engine
	raw    engine.Database
	logger *slog.Logger
	closed atomic.Bool
}

// Open opens the database at path with the given configuration. When
// cfg.Engine is nil the bundled SQL engine is used, configured from the
// driver, timeout and observability fields of cfg.
func Open(ctx context.Context, path string, cfg Config) (*Database, error) {
	cfg.applyDefaults()

	eng := cfg.Engine
	if eng == nil {
		e, err := sqlengine.New(sqlengine.Options{
			Driver:          cfg.Driver,
			BusyTimeout:     cfg.BusyTimeout,
			OpenTimeout:     cfg.OpenTimeout,
			Logger:          cfg.Logger,
			LogQueries:      cfg.LogQueries,
			LogSlowQueries:  cfg.LogSlowQueries,
			MetricsRegistry: cfg.MetricsRegistry,
			Tracer:          cfg.Tracer,
		})
		if err != nil {
			return nil, &Error{
				Code:    CodeDatabaseInit,
				Message: "failed to create engine",
				Op:      "Open",
				Cause:   err,
			}
		}
		eng = e
	}

	raw, err := eng.OpenDatabase(ctx, path, cfg.engineConfig())
	if err != nil {
		return nil, &Error{
			Code:     CodeDatabaseInit,
			Message:  "failed to open database: " + engine.MessageOf(err),
			Op:       "Open",
			Category: engine.CategoryOf(err),
			Cause:    err,
		}
	}

	cfg.Logger.Debug("database opened", "engine", eng.Name(), "path", path, "read_only", cfg.ReadOnly)

	return &Database{
		path:   path,
		config: cfg,
		engine: eng,
		raw:    raw,
		logger: cfg.Logger,
	}, nil
}

// NewConnection creates a connection in the Idle state.
func (db *Database) NewConnection(ctx context.Context) (*Conn, error) {
	raw, err := db.newRaw(ctx)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		db:      db,
		logger:  db.logger,
		timeout: db.config.StatementTimeout,
		state:   StateIdle,
	}
	c.raw.Store(raw)
	return c, nil
}

// newRaw opens a raw engine connection and gives it a fresh identity.
func (db *Database) newRaw(ctx context.Context) (*rawHandle, error) {
	if db.closed.Load() {
		return nil, newError(CodeConnectionInit, "NewConnection", "database is closed")
	}

	conn, err := db.raw.NewConnection(ctx)
	if err != nil {
		return nil, &Error{
			Code:     CodeConnectionInit,
			Message:  "failed to create connection: " + engine.MessageOf(err),
			Op:       "NewConnection",
			Category: engine.CategoryOf(err),
			Cause:    err,
		}
	}
	if db.config.StatementTimeout > 0 {
		conn.SetTimeout(db.config.StatementTimeout)
	}

	return &rawHandle{id: uuid.New(), conn: conn}, nil
}

// Close closes the database. Connections created from it must be closed
// first.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := db.raw.Close(); err != nil {
		return &Error{
			Code:    CodeDatabaseInit,
			Message: "failed to close database",
			Op:      "Close",
			Cause:   err,
		}
	}
	return nil
}

// Path returns the path the database was opened with
func (db *Database) Path() string {
	return db.path
}

// Config returns the configuration the database was opened with
func (db *Database) Config() Config {
	return db.config
}

// EngineName returns the name of the engine running the database
func (db *Database) EngineName() string {
	return db.engine.Name()
}
