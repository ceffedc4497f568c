package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/fernandezvara/embedkit/engine"
)

func init() {
	registerDriver(&driver{
		name:     "sqlite",
		system:   "sqlite",
		family:   familySQLite,
		open:     openModernc,
		dialect:  func() schema.Dialect { return sqlitedialect.New() },
		classify: classifyModernc,
		compile:  compileModernc,
	})
}

// sqliteFile returns the URI file name for path; empty and ":memory:"
// become a uniquely named shared in-memory database.
func sqliteFile(path string) (file string, params url.Values) {
	params = url.Values{}
	if path == "" || path == ":memory:" {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		return "file:embedkit-" + uuid.NewString(), params
	}
	return "file:" + path, params
}

func openModernc(path string, cfg engine.Config, opts Options) (*sql.DB, error) {
	file, params := sqliteFile(path)
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "foreign_keys(1)")
	if cfg.ReadOnly {
		params.Set("mode", "ro")
	} else if params.Get("mode") != "memory" {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	return sql.Open("sqlite", file+"?"+params.Encode())
}

// compileModernc compiles text without running it. modernc's Prepare only
// records the text, so a missing table would otherwise surface on the first
// Execute. Binding runs after compilation, so a missing-argument error
// means text compiled.
func compileModernc(ctx context.Context, bc bun.Conn, text string) error {
	rows, err := bc.QueryContext(ctx, "EXPLAIN "+text)
	if err != nil {
		var sqErr *msqlite.Error
		if errors.As(err, &sqErr) {
			return err
		}
		return nil
	}
	return rows.Close()
}

// classifySQLiteCode maps a primary SQLite result code to a category.
// SQLITE_ERROR is deliberately left unknown: it covers syntax errors,
// missing tables and transaction misuse alike, so the message decides.
func classifySQLiteCode(code int) engine.Category {
	switch code & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return engine.CategoryTimeout
	case sqlitelib.SQLITE_INTERRUPT:
		return engine.CategoryInterrupt
	case sqlitelib.SQLITE_NOMEM, sqlitelib.SQLITE_FULL:
		return engine.CategoryMemory
	case sqlitelib.SQLITE_CONSTRAINT:
		return engine.CategoryConstraint
	case sqlitelib.SQLITE_CANTOPEN, sqlitelib.SQLITE_IOERR, sqlitelib.SQLITE_NOTADB, sqlitelib.SQLITE_CORRUPT:
		return engine.CategoryConnection
	case sqlitelib.SQLITE_MISUSE, sqlitelib.SQLITE_RANGE, sqlitelib.SQLITE_MISMATCH, sqlitelib.SQLITE_READONLY:
		return engine.CategoryArgument
	}
	return engine.CategoryUnknown
}

func classifyModernc(err error) engine.Category {
	var sqErr *msqlite.Error
	if errors.As(err, &sqErr) {
		return classifySQLiteCode(sqErr.Code())
	}
	return engine.CategoryUnknown
}
