package sqlengine

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/schema"

	"github.com/fernandezvara/embedkit/engine"
)

func init() {
	registerDriver(&driver{
		name:   "pgx",
		system: "postgresql",
		family: familyPostgres,
		open: func(dsn string, _ engine.Config, _ Options) (*sql.DB, error) {
			return sql.Open("pgx", dsn)
		},
		dialect:  func() schema.Dialect { return pgdialect.New() },
		classify: classifyPgx,
	})
	registerDriver(&driver{
		name:   "pg",
		system: "postgresql",
		family: familyPostgres,
		open: func(dsn string, _ engine.Config, opts Options) (*sql.DB, error) {
			return sql.OpenDB(pgdriver.NewConnector(
				pgdriver.WithDSN(dsn),
				pgdriver.WithDialTimeout(opts.OpenTimeout),
			)), nil
		},
		dialect:  func() schema.Dialect { return pgdialect.New() },
		classify: classifyPgdriver,
	})
}

// classifySQLState maps a PostgreSQL SQLSTATE to a category.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
func classifySQLState(code string) engine.Category {
	switch {
	case code == "57014": // query_canceled
		return engine.CategoryTimeout
	case code == "53200": // out_of_memory
		return engine.CategoryMemory
	case strings.HasPrefix(code, "23"): // integrity constraint violation
		return engine.CategoryConstraint
	case strings.HasPrefix(code, "25"), strings.HasPrefix(code, "40"): // invalid transaction state, rollback
		return engine.CategoryTransaction
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"): // connection exception, operator intervention
		return engine.CategoryConnection
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"): // syntax/access rule, data exception
		return engine.CategoryArgument
	}
	return engine.CategoryUnknown
}

func classifyPgx(err error) engine.Category {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	return engine.CategoryUnknown
}

func classifyPgdriver(err error) engine.Category {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Field('C'))
	}
	return engine.CategoryUnknown
}
