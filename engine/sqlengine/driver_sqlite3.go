//go:build cgo

package sqlengine

import (
	"database/sql"
	"errors"
	"fmt"

	gosqlite3 "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/fernandezvara/embedkit/engine"
)

// The cgo SQLite driver is only available when cgo is enabled.
func init() {
	registerDriver(&driver{
		name:     "sqlite3",
		system:   "sqlite",
		family:   familySQLite,
		open:     openMattn,
		dialect:  func() schema.Dialect { return sqlitedialect.New() },
		classify: classifyMattn,
	})
}

func openMattn(path string, cfg engine.Config, opts Options) (*sql.DB, error) {
	file, params := sqliteFile(path)
	params.Set("_busy_timeout", fmt.Sprint(opts.BusyTimeout.Milliseconds()))
	params.Set("_foreign_keys", "on")
	if cfg.ReadOnly {
		params.Set("mode", "ro")
	} else if params.Get("mode") != "memory" {
		params.Set("_journal_mode", "WAL")
	}
	return sql.Open("sqlite3", file+"?"+params.Encode())
}

func classifyMattn(err error) engine.Category {
	var sqErr gosqlite3.Error
	if errors.As(err, &sqErr) {
		return classifySQLiteCode(int(sqErr.Code))
	}
	return engine.CategoryUnknown
}
