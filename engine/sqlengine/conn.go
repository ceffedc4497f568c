package sqlengine

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"github.com/fernandezvara/embedkit/engine"
)

// conn is a dedicated driver connection. Every statement runs under a
// cancellable context so Interrupt can abort it from another goroutine.
type conn struct {
	db *database
	bc bun.Conn

	mu          sync.Mutex
	timeout     time.Duration
	cancel      context.CancelFunc // cancels the running statement, if any
	interrupted bool
}

var _ engine.Conn = (*conn)(nil)

// start derives the statement context and registers it for Interrupt.
func (c *conn) start(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.cancel = cancel
	c.interrupted = false
	return ctx
}

// finish releases the statement context and reports whether Interrupt
// fired while it was registered.
func (c *conn) finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	interrupted := c.interrupted
	c.interrupted = false
	return interrupted
}

func (c *conn) Run(ctx context.Context, text string) (engine.Result, error) {
	stmtCtx := c.start(ctx)
	rows, err := c.bc.QueryContext(stmtCtx, text)
	if err != nil {
		return c.failed(stmtCtx, err)
	}
	return c.newResult(stmtCtx, rows)
}

func (c *conn) Prepare(ctx context.Context, text string) (engine.Statement, error) {
	stmtCtx := c.start(ctx)
	defer c.finish()

	d := c.db.engine.driver
	if d.compile != nil {
		if err := d.compile(stmtCtx, c.bc, text); err != nil {
			return &statement{owner: c, failure: d.wrap(err)}, nil
		}
	}

	st, err := c.bc.PrepareContext(stmtCtx, text)
	if err != nil {
		if isTransportError(err) {
			return nil, &engine.Error{Category: engine.CategoryConnection, Message: err.Error(), Cause: err}
		}
		return &statement{owner: c, failure: d.wrap(err)}, nil
	}
	return &statement{owner: c, stmt: st}, nil
}

func (c *conn) Execute(ctx context.Context, stmt engine.Statement, args []any) (engine.Result, error) {
	s, ok := stmt.(*statement)
	if !ok || s.owner != c {
		return nil, &engine.Error{Category: engine.CategoryArgument, Message: "statement was not prepared on this connection"}
	}
	if !s.Valid() {
		return nil, s.failure
	}

	stmtCtx := c.start(ctx)
	rows, err := s.stmt.QueryContext(stmtCtx, args...)
	if err != nil {
		return c.failed(stmtCtx, err)
	}
	return c.newResult(stmtCtx, rows)
}

// newResult wraps rows. Statements that produce no columns are drained
// immediately so their errors are reported by the result rather than lost
// when the caller closes it unread.
func (c *conn) newResult(ctx context.Context, rows *sql.Rows) (engine.Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return c.failed(ctx, err)
	}

	if len(cols) == 0 {
		for rows.Next() {
		}
		err := rows.Err()
		_ = rows.Close()
		if err != nil {
			return c.failed(ctx, err)
		}
		c.finish()
		return &result{columns: cols}, nil
	}

	return &result{conn: c, rows: rows, columns: cols}, nil
}

// failed splits err into the two failure shapes: an engine rejection is
// returned as an unsuccessful result, a broken connection as an error.
func (c *conn) failed(ctx context.Context, err error) (engine.Result, error) {
	deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
	interrupted := c.finish()

	switch {
	case interrupted:
		return &result{failure: &engine.Error{
			Category: engine.CategoryInterrupt,
			Message:  "statement interrupted",
			Cause:    err,
		}}, nil
	case deadline:
		return &result{failure: &engine.Error{
			Category: engine.CategoryTimeout,
			Message:  "statement timeout exceeded",
			Cause:    err,
		}}, nil
	case errors.Is(err, context.Canceled):
		return &result{failure: &engine.Error{
			Category: engine.CategoryInterrupt,
			Message:  "statement canceled",
			Cause:    err,
		}}, nil
	case isTransportError(err):
		return nil, &engine.Error{
			Category: engine.CategoryConnection,
			Message:  fmt.Sprintf("connection failed: %v", err),
			Cause:    err,
		}
	}
	return &result{failure: c.db.engine.driver.wrap(err)}, nil
}

func isTransportError(err error) bool {
	return errors.Is(err, sqldriver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

func (c *conn) SetMaxThreads(ctx context.Context, n uint64) error {
	if _, err := c.bc.ExecContext(ctx, c.db.engine.driver.setThreadsStmt(n)); err != nil {
		return c.db.engine.driver.wrap(err)
	}
	return nil
}

func (c *conn) MaxThreads(ctx context.Context) (uint64, error) {
	var v any
	if err := c.bc.QueryRowContext(ctx, c.db.engine.driver.threadsQuery()).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Builds without worker threads answer with no rows.
			return 0, nil
		}
		if isTransportError(err) {
			return 0, &engine.Error{Category: engine.CategoryConnection, Message: err.Error(), Cause: err}
		}
		return 0, c.db.engine.driver.wrap(err)
	}
	n, err := parseThreads(v)
	if err != nil {
		return 0, &engine.Error{Category: engine.CategoryArgument, Message: err.Error(), Cause: err}
	}
	return n, nil
}

func (c *conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *conn) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.interrupted = true
		c.cancel()
	}
}

func (c *conn) Close() error {
	c.finish()
	return c.bc.Close()
}
