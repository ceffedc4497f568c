// Package engine defines the contract between embedkit and the embedded
// database engine that executes statements.
//
// embedkit never parses or plans statements itself. It drives an Engine
// through these interfaces and layers connection state tracking, recovery and
// pooling on top.
package engine

import (
	"context"
	"time"
)

// Engine opens databases.
type Engine interface {
	// Name identifies the engine in logs and metrics (e.g. "sqlite").
	Name() string
	OpenDatabase(ctx context.Context, path string, cfg Config) (Database, error)
}

// Database is an open engine instance. It is shared by every connection
// created from it and must outlive them.
type Database interface {
	NewConnection(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is a raw engine connection. It must not be used by more than one
// logical operation at a time, except for Interrupt.
type Conn interface {
	// Run executes text. A non-nil error means the call itself failed and no
	// result exists. A result whose Success is false carries the engine's own
	// rejection.
	Run(ctx context.Context, text string) (Result, error)

	// Prepare compiles text. Callers must check both the error and Valid.
	Prepare(ctx context.Context, text string) (Statement, error)

	// Execute runs a statement previously returned by Prepare on this Conn.
	Execute(ctx context.Context, stmt Statement, args []any) (Result, error)

	SetMaxThreads(ctx context.Context, n uint64) error
	MaxThreads(ctx context.Context) (uint64, error)

	// SetTimeout bounds every subsequent statement. Zero disables it.
	SetTimeout(d time.Duration)

	// Interrupt asks the engine to abort the running statement, if any. It
	// may be called concurrently with any other method.
	Interrupt()

	Close() error
}

// Result is an engine result set.
type Result interface {
	Success() bool
	// Err returns the engine's rejection when Success is false, or the last
	// iteration error otherwise.
	Err() error
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Close() error
}

// Statement is a prepared statement.
type Statement interface {
	Valid() bool
	Err() error
	Close() error
}

// Config holds options passed straight to the engine when a database is
// opened. embedkit does not interpret them.
type Config struct {
	BufferPoolSize      uint64 // bytes of page cache
	MaxThreads          uint64 // 0 = engine default
	EnableCompression   bool
	ReadOnly            bool
	MaxDBSize           uint64 // bytes, 0 = unlimited
	AutoCheckpoint      bool
	CheckpointThreshold uint64 // bytes of log before an automatic checkpoint
}
