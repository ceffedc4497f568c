package embedkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fernandezvara/embedkit/engine"
)

// ConnStats holds monotonically increasing operation counters for one
// connection.
type ConnStats struct {
	Queries      uint64    `json:"queries"`
	Executes     uint64    `json:"executes"`
	Prepares     uint64    `json:"prepares"`
	TxBegun      uint64    `json:"tx_begun"`
	TxCommitted  uint64    `json:"tx_committed"`
	TxRolledBack uint64    `json:"tx_rolled_back"`
	FailedOps    uint64    `json:"failed_ops"`
	Reconnects   uint64    `json:"reconnects"`
	Validations  uint64    `json:"validations"`
	LastErrorAt  time.Time `json:"last_error_at,omitzero"`
}

// Conn is one engine connection with state tracking and recovery.
//
// A Conn runs one operation at a time. While a ResultSet is open the
// connection is Busy and every other operation fails with ErrBusy. After a
// failed operation the connection is Failed and the next operation recovers
// it before running. Only Interrupt may be called concurrently with another
// operation.
type Conn struct {
	db     *Database
	logger *slog.Logger

	// raw is also read by Interrupt, which does not take mu.
	raw atomic.Pointer[rawHandle]

	mu      sync.Mutex
	state   ConnState
	gen     uint64 // bumped whenever raw is replaced
	timeout time.Duration
	stats   ConnStats
	closed  bool

	// txEpoch identifies the current transaction. It moves on every begin
	// and every recovery, so a Tx can tell its transaction is gone.
	txEpoch uint64
	// txPending is set when a statement failed inside a transaction that
	// the engine still holds open.
	txPending bool

	errs errorRegistry
}

var (
	errNotIdle           = errors.New("cannot begin transaction: connection is not idle")
	errNoTransaction     = errors.New("no transaction is active")
	errUnsuccessful      = errors.New("engine reported an unsuccessful result")
	errStaleStatement    = errors.New("statement was prepared before the connection was reinitialized")
	errForeignStatement  = errors.New("statement belongs to another connection")
	errStatementClosed   = errors.New("statement is closed")
	errNegativeTimeout   = errors.New("timeout must not be negative")
	errReleasedWhileBusy = errors.New("connection released with an operation in progress")
	errTransactionLost   = errors.New("transaction is no longer open on the connection")
)

// fail records err as the connection's last error and builds the error
// returned to the caller. It does not change the state.
func (c *Conn) fail(kind OperationKind, code ErrorCode, op, query string, err error) *Error {
	rec := c.errs.set(kind, engine.MessageOf(err), engine.CategoryOf(err))
	c.logger.Debug("connection operation failed",
		"conn", c.ID(),
		"op", op,
		"category", rec.Category,
		"error", rec.Message,
	)
	return &Error{
		Code:     code,
		Message:  rec.Message,
		Op:       op,
		Category: rec.Category,
		Query:    truncateQuery(query, 200),
		Cause:    err,
	}
}

func (c *Conn) count(fn func(*ConnStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// run brackets an engine call that yields a result. Transport failures and
// unsuccessful results share code but carry distinct Op suffixes (".Run"
// and ".Result"). On success the connection stays Busy until the returned
// ResultSet is closed.
func (c *Conn) run(ctx context.Context, epoch *uint64, op string, kind OperationKind, code ErrorCode, text string,
	call func(engine.Conn) (engine.Result, error)) (*ResultSet, error) {
	o, err := c.begin(ctx, op, epoch)
	if err != nil {
		return nil, err
	}
	return c.runWith(o, op, kind, code, text, call)
}

func (c *Conn) runWith(o operation, op string, kind OperationKind, code ErrorCode, text string,
	call func(engine.Conn) (engine.Result, error)) (*ResultSet, error) {
	res, err := call(o.raw.conn)
	if err != nil {
		e := c.fail(kind, code, op+".Run", text, err)
		c.endOp(o.prev, false)
		return nil, e
	}

	if !res.Success() {
		rerr := res.Err()
		if rerr == nil {
			rerr = errUnsuccessful
		}
		_ = res.Close()
		e := c.fail(kind, code, op+".Result", text, rerr)
		c.endOp(o.prev, false)
		return nil, e
	}

	c.errs.clear()
	return newResultSet(c, res, o, text), nil
}

// Query runs text and returns its rows. The connection is Busy until the
// ResultSet is closed.
func (c *Conn) Query(ctx context.Context, text string) (*ResultSet, error) {
	return c.query(ctx, nil, text)
}

func (c *Conn) query(ctx context.Context, epoch *uint64, text string) (*ResultSet, error) {
	rs, err := c.run(ctx, epoch, "Query", OpQuery, CodeQueryFailed, text, func(raw engine.Conn) (engine.Result, error) {
		return raw.Run(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	c.count(func(s *ConnStats) { s.Queries++ })
	return rs, nil
}

// Exec runs text and discards any rows it produces.
func (c *Conn) Exec(ctx context.Context, text string) error {
	return c.exec(ctx, nil, text)
}

func (c *Conn) exec(ctx context.Context, epoch *uint64, text string) error {
	rs, err := c.run(ctx, epoch, "Exec", OpQuery, CodeQueryFailed, text, func(raw engine.Conn) (engine.Result, error) {
		return raw.Run(ctx, text)
	})
	if err != nil {
		return err
	}
	c.count(func(s *ConnStats) { s.Executes++ })
	return rs.drain()
}

// Prepare compiles text. The engine must both accept the call and report
// the statement valid; otherwise the statement's own error is returned.
func (c *Conn) Prepare(ctx context.Context, text string) (*PreparedStatement, error) {
	return c.prepare(ctx, nil, text)
}

func (c *Conn) prepare(ctx context.Context, epoch *uint64, text string) (*PreparedStatement, error) {
	o, err := c.begin(ctx, "Prepare", epoch)
	if err != nil {
		return nil, err
	}

	st, err := o.raw.conn.Prepare(ctx, text)
	if err != nil {
		e := c.fail(OpPrepare, CodePrepareFailed, "Prepare", text, err)
		c.endOp(o.prev, false)
		return nil, e
	}
	if !st.Valid() {
		serr := st.Err()
		if serr == nil {
			serr = errUnsuccessful
		}
		_ = st.Close()
		e := c.fail(OpPrepare, CodePrepareFailed, "Prepare", text, serr)
		c.endOp(o.prev, false)
		return nil, e
	}

	c.errs.clear()
	c.mu.Lock()
	c.stats.Prepares++
	c.state = o.prev
	c.mu.Unlock()

	return &PreparedStatement{conn: c, raw: st, gen: o.gen, text: text}, nil
}

// Execute runs a prepared statement with its current bindings. Like Query,
// the connection is Busy until the ResultSet is closed.
func (c *Conn) Execute(ctx context.Context, stmt *PreparedStatement) (*ResultSet, error) {
	return c.execute(ctx, nil, stmt)
}

func (c *Conn) execute(ctx context.Context, epoch *uint64, stmt *PreparedStatement) (*ResultSet, error) {
	o, err := c.begin(ctx, "Execute", epoch)
	if err != nil {
		return nil, err
	}

	var reject error
	switch {
	case stmt == nil || stmt.conn != c:
		reject = errForeignStatement
	case stmt.closed:
		reject = errStatementClosed
	case stmt.gen != o.gen:
		reject = errStaleStatement
	}
	if reject != nil {
		e := c.fail(OpExecute, CodePrepareFailed, "Execute", stmtText(stmt), reject)
		c.endOp(o.prev, true)
		return nil, e
	}

	args := stmt.args()
	rs, err := c.runWith(o, "Execute", OpExecute, CodeExecuteFailed, stmt.text, func(raw engine.Conn) (engine.Result, error) {
		return raw.Execute(ctx, stmt.raw, args)
	})
	if err != nil {
		return nil, err
	}
	c.count(func(s *ConnStats) { s.Executes++ })
	return rs, nil
}

// control runs a transaction control statement on the raw handle and
// drains it.
func control(ctx context.Context, raw engine.Conn, text string) error {
	res, err := raw.Run(ctx, text)
	if err != nil {
		return err
	}
	defer res.Close()

	if !res.Success() {
		if rerr := res.Err(); rerr != nil {
			return rerr
		}
		return errUnsuccessful
	}
	for res.Next() {
	}
	return res.Err()
}

// BeginTransaction starts a transaction. It is only legal on an Idle
// connection: calling it in any other state marks the connection Failed.
func (c *Conn) BeginTransaction(ctx context.Context) error {
	o, err := c.beginOp(ctx, "BeginTransaction")
	if err != nil {
		return err
	}

	if o.prev != StateIdle {
		e := c.fail(OpTransaction, CodeTransactionFailed, "BeginTransaction", "", errNotIdle)
		c.endOp(StateFailed, false)
		return e
	}

	if err := control(ctx, o.raw.conn, "BEGIN TRANSACTION"); err != nil {
		e := c.fail(OpTransaction, CodeTransactionFailed, "BeginTransaction", "BEGIN TRANSACTION", err)
		c.endOp(o.prev, false)
		return e
	}

	c.errs.clear()
	c.mu.Lock()
	c.stats.TxBegun++
	c.txEpoch++
	c.state = StateInTransaction
	c.mu.Unlock()
	return nil
}

// Commit commits the current transaction. Outside a transaction it fails
// with ErrTransactionFailed and leaves the state unchanged.
func (c *Conn) Commit(ctx context.Context) error {
	return c.finishTransaction(ctx, nil, "Commit", "COMMIT", func(s *ConnStats) { s.TxCommitted++ })
}

// Rollback aborts the current transaction. Outside a transaction it fails
// with ErrTransactionFailed and leaves the state unchanged.
func (c *Conn) Rollback(ctx context.Context) error {
	return c.finishTransaction(ctx, nil, "Rollback", "ROLLBACK", func(s *ConnStats) { s.TxRolledBack++ })
}

func (c *Conn) finishTransaction(ctx context.Context, epoch *uint64, op, text string, counter func(*ConnStats)) error {
	o, err := c.begin(ctx, op, epoch)
	if err != nil {
		return err
	}

	if o.prev != StateInTransaction {
		e := c.fail(OpTransaction, CodeTransactionFailed, op, text, errNoTransaction)
		c.endOp(o.prev, true)
		return e
	}

	if err := control(ctx, o.raw.conn, text); err != nil {
		e := c.fail(OpTransaction, CodeTransactionFailed, op, text, err)
		c.endOp(o.prev, false)
		return e
	}

	c.errs.clear()
	c.mu.Lock()
	counter(&c.stats)
	c.state = StateIdle
	c.mu.Unlock()
	return nil
}

// rollbackTo rolls back to a savepoint of the transaction begun at epoch.
// When the last statement of that transaction failed, the engine still
// holds the transaction, so the rollback runs on the current handle
// instead of recovering, which would discard the whole transaction.
func (c *Conn) rollbackTo(ctx context.Context, epoch uint64, name string) error {
	text := "ROLLBACK TO SAVEPOINT " + name

	c.mu.Lock()
	if c.closed || c.state != StateFailed || !c.txPending || c.txEpoch != epoch {
		c.mu.Unlock()
		return c.exec(ctx, &epoch, text)
	}
	defer c.mu.Unlock()

	if err := control(ctx, c.raw.Load().conn, text); err != nil {
		return c.fail(OpTransaction, CodeTransactionFailed, "RollbackTo", text, err)
	}
	c.errs.clear()
	c.txPending = false
	c.state = StateInTransaction
	c.stats.Executes++
	return nil
}

// Begin starts a transaction and returns a handle scoped to it.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	if err := c.BeginTransaction(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	epoch := c.txEpoch
	c.mu.Unlock()
	return newTx(c, epoch), nil
}

// configure brackets an engine tuning call. Failures are reported as
// invalid arguments and do not mark the connection Failed.
func (c *Conn) configure(ctx context.Context, op string, fn func(engine.Conn) error) error {
	o, err := c.beginOp(ctx, op)
	if err != nil {
		return err
	}
	if err := fn(o.raw.conn); err != nil {
		e := c.fail(OpConfig, CodeInvalidArgument, op, "", err)
		c.endOp(o.prev, true)
		return e
	}
	c.errs.clear()
	c.endOp(o.prev, true)
	return nil
}

// SetMaxThreads sets the number of engine worker threads for this
// connection.
func (c *Conn) SetMaxThreads(ctx context.Context, n uint64) error {
	return c.configure(ctx, "SetMaxThreads", func(raw engine.Conn) error {
		return raw.SetMaxThreads(ctx, n)
	})
}

// MaxThreads returns the number of engine worker threads for this
// connection.
func (c *Conn) MaxThreads(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.configure(ctx, "MaxThreads", func(raw engine.Conn) error {
		var err error
		n, err = raw.MaxThreads(ctx)
		return err
	})
	return n, err
}

// SetTimeout bounds every subsequent statement on this connection,
// including after recovery. Zero disables the limit.
func (c *Conn) SetTimeout(ctx context.Context, d time.Duration) error {
	return c.configure(ctx, "SetTimeout", func(raw engine.Conn) error {
		if d < 0 {
			return errNegativeTimeout
		}
		raw.SetTimeout(d)
		c.mu.Lock()
		c.timeout = d
		c.mu.Unlock()
		return nil
	})
}

// Interrupt asks the engine to abort the statement currently running on
// this connection. It does not wait for the connection and may race with
// the statement finishing on its own.
func (c *Conn) Interrupt() {
	if raw := c.raw.Load(); raw != nil {
		raw.conn.Interrupt()
	}
}

// Validate checks that the connection is usable, recovering it first if it
// is Failed. The liveness probe runs without holding the connection lock.
func (c *Conn) Validate(ctx context.Context) error {
	c.mu.Lock()
	c.stats.Validations++
	if c.closed {
		c.mu.Unlock()
		return newError(CodeInvalidConnection, "Validate", "connection is closed")
	}
	if c.state == StateFailed {
		if err := c.recoverLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if c.state == StateBusy {
		c.mu.Unlock()
		return busyError("Validate")
	}
	raw := c.raw.Load()
	c.mu.Unlock()

	if _, err := raw.conn.MaxThreads(ctx); err != nil {
		rec := c.errs.set(OpValidate, engine.MessageOf(err), engine.CategoryOf(err))
		c.mu.Lock()
		if c.raw.Load() == raw {
			c.markFailedLocked()
		}
		c.mu.Unlock()
		return &Error{
			Code:     CodeInvalidConnection,
			Message:  "liveness check failed: " + rec.Message,
			Op:       "Validate",
			Category: rec.Category,
			Cause:    err,
		}
	}
	return nil
}

// Recover returns a Failed connection to Idle. It does nothing for a
// connection in any other state.
func (c *Conn) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return newError(CodeInvalidConnection, "Recover", "connection is closed")
	}
	if c.state != StateFailed {
		return nil
	}
	return c.recoverLocked(ctx)
}

// markFailed is used by the pool for connections returned in a state that
// cannot be trusted.
func (c *Conn) markFailed(reason error) {
	c.errs.set(OpConnection, reason.Error(), CategoryConnection)
	c.mu.Lock()
	c.txPending = false
	c.markFailedLocked()
	c.mu.Unlock()
}

// State returns the current state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the operation counters.
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LastError returns the record of the most recent failure, if the last
// operation failed. It is replaced by the next operation.
func (c *Conn) LastError() (ErrorRecord, bool) {
	return c.errs.last()
}

// LastErrorMessage returns the message of LastError.
func (c *Conn) LastErrorMessage() (string, bool) {
	rec, ok := c.errs.last()
	return rec.Message, ok
}

// ID returns the identity of the current raw engine handle. It changes when
// the connection is reinitialized.
func (c *Conn) ID() string {
	raw := c.raw.Load()
	if raw == nil {
		return ""
	}
	return raw.id.String()
}

// Close releases the raw handle. Open results and statements become
// unusable.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.errs.clear()

	raw := c.raw.Load()
	if err := raw.conn.Close(); err != nil {
		return &Error{
			Code:    CodeInvalidConnection,
			Message: fmt.Sprintf("failed to close connection %s", raw.id),
			Op:      "Close",
			Cause:   err,
		}
	}
	return nil
}

func stmtText(stmt *PreparedStatement) string {
	if stmt == nil {
		return ""
	}
	return stmt.text
}
