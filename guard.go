package embedkit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fernandezvara/embedkit/engine"
)

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	// StateIdle accepts any operation.
	StateIdle ConnState = iota
	// StateBusy means an operation is running or a ResultSet is still open.
	StateBusy
	// StateInTransaction accepts statements, Commit and Rollback.
	StateInTransaction
	// StateFailed means the last operation failed; the next one recovers
	// the connection first.
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateInTransaction:
		return "in_transaction"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// rawHandle pairs an engine connection with the identity it was given when
// opened. The identity never changes for the life of the handle.
type rawHandle struct {
	id   uuid.UUID
	conn engine.Conn
}

// Messages reporting transaction control issued in the wrong state. A
// connection failed by one of these is recovered with a plain ROLLBACK
// instead of being reopened.
var transactionMisusePatterns = []string{
	"connection is not idle",
	"no transaction is active",
	"cannot start a transaction within a transaction",
	"active transaction",
	"transaction in progress",
}

func isTransactionMisuse(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range transactionMisusePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// operation is the bracket returned by beginOp. The raw handle cannot be
// replaced while the connection is Busy, so it is safe to use until endOp.
type operation struct {
	prev ConnState
	raw  *rawHandle
	gen  uint64
}

// beginOp moves the connection to Busy. A Failed connection is recovered
// first; a Busy one is rejected without any state change.
func (c *Conn) beginOp(ctx context.Context, op string) (operation, error) {
	return c.begin(ctx, op, nil)
}

// begin is beginOp for work that, when epoch is set, belongs to the
// transaction begun at that epoch. If that transaction is gone, because
// recovery reset the connection or it was finished outside the Tx, nothing
// runs and the state is left alone.
func (c *Conn) begin(ctx context.Context, op string, epoch *uint64) (operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return operation{}, newError(CodeInvalidConnection, op, "connection is closed")
	}
	if c.state == StateFailed {
		if err := c.recoverLocked(ctx); err != nil {
			return operation{}, err
		}
	}
	if c.state == StateBusy {
		return operation{}, busyError(op)
	}
	if epoch != nil && (*epoch != c.txEpoch || c.state != StateInTransaction) {
		return operation{}, c.fail(OpTransaction, CodeTransactionFailed, op, "", errTransactionLost)
	}

	prev := c.state
	c.state = StateBusy
	return operation{prev: prev, raw: c.raw.Load(), gen: c.gen}, nil
}

// endOp leaves the Busy state. On success the connection moves to next;
// on failure it becomes Failed.
func (c *Conn) endOp(next ConnState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ok {
		// A statement that fails inside a transaction leaves the engine
		// transaction open; RollbackTo can still use it.
		c.txPending = next == StateInTransaction
		c.markFailedLocked()
		return
	}
	c.state = next
}

func (c *Conn) markFailedLocked() {
	c.state = StateFailed
	c.stats.FailedOps++
	c.stats.LastErrorAt = time.Now()
}

// recoverLocked returns a Failed connection to Idle. Must hold c.mu.
//
// Both paths end any open transaction, so txEpoch moves on.
func (c *Conn) recoverLocked(ctx context.Context) error {
	raw := c.raw.Load()

	if rec, ok := c.errs.last(); ok && rec.Op == OpTransaction && isTransactionMisuse(rec.Message) {
		// Reopening the handle is not needed here; rolling back whatever
		// the engine still has open is enough.
		if res, err := raw.conn.Run(context.WithoutCancel(ctx), "ROLLBACK"); err == nil {
			_ = res.Close()
		}
		c.errs.clear()
		c.state = StateIdle
		c.txEpoch++
		c.txPending = false
		c.logger.Debug("connection recovered after transaction misuse", "conn", raw.id, "error", rec.Message)
		return nil
	}

	// Open the replacement before closing the old handle so the connection
	// always has one.
	fresh, err := c.db.newRaw(ctx)
	if err != nil {
		c.state = StateFailed
		c.errs.set(OpConnection, engine.MessageOf(err), CategoryConnection)
		c.logger.Warn("connection recovery failed", "conn", raw.id, "error", err)
		return &Error{
			Code:     CodeInvalidConnection,
			Message:  "connection recovery failed",
			Op:       "Conn.recover",
			Category: CategoryConnection,
			Cause:    err,
		}
	}
	fresh.conn.SetTimeout(c.timeout)

	c.raw.Store(fresh)
	if err := raw.conn.Close(); err != nil {
		c.logger.Debug("closing replaced connection failed", "conn", raw.id, "error", err)
	}

	c.gen++
	c.txEpoch++
	c.txPending = false
	c.stats.Reconnects++
	c.errs.clear()
	c.state = StateIdle
	c.logger.Warn("connection reinitialized", "old", raw.id, "new", fresh.id, "reconnects", c.stats.Reconnects)
	return nil
}
