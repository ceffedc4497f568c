package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"

	"github.com/fernandezvara/embedkit/engine"
)

type family int

const (
	familySQLite family = iota
	familyPostgres
)

// driver describes one database/sql driver the engine can run on.
type driver struct {
	name     string
	system   string // OpenTelemetry db.system
	family   family
	open     func(path string, cfg engine.Config, opts Options) (*sql.DB, error)
	dialect  func() schema.Dialect
	classify func(err error) engine.Category

	// compile, when set, checks text at prepare time for drivers whose
	// Prepare does not reach the engine.
	compile func(ctx context.Context, bc bun.Conn, text string) error
}

var drivers = map[string]*driver{}

func registerDriver(d *driver) {
	drivers[d.name] = d
}

func lookupDriver(name string) (*driver, bool) {
	d, ok := drivers[name]
	return d, ok
}

// DriverNames returns the registered driver names in sorted order.
func DriverNames() []string {
	names := lo.Keys(drivers)
	slices.Sort(names)
	return names
}

func (d *driver) inMemory(path string) bool {
	return d.family == familySQLite && (path == "" || path == ":memory:")
}

// wrap converts a driver error into an engine error carrying the category
// derived from the driver's own error codes.
func (d *driver) wrap(err error) *engine.Error {
	return &engine.Error{
		Category: d.classify(err),
		Message:  err.Error(),
		Cause:    err,
	}
}

// category classifies an error as the query hooks see it, before it is
// wrapped. A cancelled statement context is an interrupt.
func (d *driver) category(err error) engine.Category {
	if errors.Is(err, context.Canceled) {
		return engine.CategoryInterrupt
	}
	return d.classify(err)
}

// tune applies the pass-through engine config to a freshly checked-out
// connection.
func (d *driver) tune(ctx context.Context, bc bun.Conn, cfg engine.Config) error {
	var stmts []string

	switch d.family {
	case familySQLite:
		pageSize := uint64(4096)
		if cfg.MaxDBSize > 0 || cfg.CheckpointThreshold > 0 {
			var ps int64
			if err := bc.QueryRowContext(ctx, "PRAGMA page_size").Scan(&ps); err != nil {
				return fmt.Errorf("read page size: %w", err)
			}
			if ps > 0 {
				pageSize = uint64(ps)
			}
		}

		if cfg.BufferPoolSize > 0 {
			// Negative cache_size is a size in KiB.
			stmts = append(stmts, fmt.Sprintf("PRAGMA cache_size = -%d", max(cfg.BufferPoolSize/1024, 1)))
		}
		if cfg.MaxThreads > 0 {
			stmts = append(stmts, fmt.Sprintf("PRAGMA threads = %d", cfg.MaxThreads))
		}
		if cfg.MaxDBSize > 0 {
			stmts = append(stmts, fmt.Sprintf("PRAGMA max_page_count = %d", max(cfg.MaxDBSize/pageSize, 1)))
		}
		switch {
		case !cfg.AutoCheckpoint:
			stmts = append(stmts, "PRAGMA wal_autocheckpoint = 0")
		case cfg.CheckpointThreshold > 0:
			stmts = append(stmts, fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", max(cfg.CheckpointThreshold/pageSize, 1)))
		}
		if cfg.ReadOnly {
			stmts = append(stmts, "PRAGMA query_only = 1")
		}

	case familyPostgres:
		if cfg.MaxThreads > 0 {
			stmts = append(stmts, fmt.Sprintf("SET max_parallel_workers_per_gather = %d", cfg.MaxThreads))
		}
		if cfg.ReadOnly {
			stmts = append(stmts, "SET default_transaction_read_only = on")
		}
	}

	for _, stmt := range stmts {
		if _, err := bc.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (d *driver) setThreadsStmt(n uint64) string {
	if d.family == familyPostgres {
		return fmt.Sprintf("SET max_parallel_workers_per_gather = %d", n)
	}
	return fmt.Sprintf("PRAGMA threads = %d", n)
}

func (d *driver) threadsQuery() string {
	if d.family == familyPostgres {
		return "SHOW max_parallel_workers_per_gather"
	}
	return "PRAGMA threads"
}

// parseThreads accepts the integer or textual forms drivers return for the
// threads setting.
func parseThreads(v any) (uint64, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative thread count %d", x)
		}
		return uint64(x), nil
	case []byte:
		return strconv.ParseUint(strings.TrimSpace(string(x)), 10, 64)
	case string:
		return strconv.ParseUint(strings.TrimSpace(x), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected thread count type %T", v)
	}
}
