package embedkit

import (
	"context"
	"fmt"
)

// Tx is a transaction on a borrowed connection. Once Commit, Rollback or
// Close has run, every method fails with ErrTransactionClosed.
//
// A Tx is bound to the transaction it began. If that transaction ends
// underneath it, because a failed statement made the connection recover or
// the connection was committed directly, every method fails with
// ErrTransactionFailed and nothing runs in autocommit mode.
type Tx struct {
	conn         *Conn
	epoch        uint64
	active       bool
	savepointSeq int
}

func newTx(c *Conn, epoch uint64) *Tx {
	return &Tx{conn: c, epoch: epoch, active: true}
}

// TxFunc is a function executed within a transaction
type TxFunc func(tx *Tx) error

func (tx *Tx) ensureActive(op string) error {
	if !tx.active {
		return newError(CodeTransactionClosed, op, "transaction already committed or rolled back")
	}
	return nil
}

// Active reports whether the transaction can still be used.
func (tx *Tx) Active() bool {
	return tx.active
}

// Conn returns the connection the transaction runs on.
func (tx *Tx) Conn() *Conn {
	return tx.conn
}

// Query runs text inside the transaction.
func (tx *Tx) Query(ctx context.Context, text string) (*ResultSet, error) {
	if err := tx.ensureActive("Tx.Query"); err != nil {
		return nil, err
	}
	return tx.conn.query(ctx, &tx.epoch, text)
}

// Exec runs text inside the transaction and discards its rows.
func (tx *Tx) Exec(ctx context.Context, text string) error {
	if err := tx.ensureActive("Tx.Exec"); err != nil {
		return err
	}
	return tx.conn.exec(ctx, &tx.epoch, text)
}

// Prepare compiles text on the transaction's connection.
func (tx *Tx) Prepare(ctx context.Context, text string) (*PreparedStatement, error) {
	if err := tx.ensureActive("Tx.Prepare"); err != nil {
		return nil, err
	}
	return tx.conn.prepare(ctx, &tx.epoch, text)
}

// Execute runs a prepared statement inside the transaction.
func (tx *Tx) Execute(ctx context.Context, stmt *PreparedStatement) (*ResultSet, error) {
	if err := tx.ensureActive("Tx.Execute"); err != nil {
		return nil, err
	}
	return tx.conn.execute(ctx, &tx.epoch, stmt)
}

// Commit commits the transaction. The transaction is finished afterwards
// even if the commit failed.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.ensureActive("Tx.Commit"); err != nil {
		return err
	}
	err := tx.conn.finishTransaction(ctx, &tx.epoch, "Commit", "COMMIT", func(s *ConnStats) { s.TxCommitted++ })
	tx.active = false
	return err
}

// Rollback aborts the transaction. The transaction is finished afterwards
// even if the rollback failed.
func (tx *Tx) Rollback(ctx context.Context) error {
	if err := tx.ensureActive("Tx.Rollback"); err != nil {
		return err
	}
	err := tx.conn.finishTransaction(ctx, &tx.epoch, "Rollback", "ROLLBACK", func(s *ConnStats) { s.TxRolledBack++ })
	tx.active = false
	return err
}

// Close rolls back the transaction if it is still active, ignoring any
// error. Use it in defers on paths that may exit early.
func (tx *Tx) Close(ctx context.Context) {
	if tx.active {
		_ = tx.Rollback(ctx)
	}
	tx.active = false
}

// Transaction runs fn inside a savepoint. The savepoint is released when fn
// succeeds. When fn fails the work since the savepoint is rolled back and
// the savepoint released, and the outer transaction stays usable, even if
// the failure came from a statement the engine rejected.
func (tx *Tx) Transaction(ctx context.Context, fn TxFunc) error {
	if err := tx.ensureActive("Tx.Transaction"); err != nil {
		return err
	}

	tx.savepointSeq++
	savepoint := fmt.Sprintf("sp_%d", tx.savepointSeq)

	if err := tx.Savepoint(ctx, savepoint); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.RollbackTo(ctx, savepoint); rbErr != nil {
			return fmt.Errorf("embedkit: savepoint rollback failed: %v (original error: %w)", rbErr, err)
		}
		if relErr := tx.ReleaseSavepoint(ctx, savepoint); relErr != nil {
			return fmt.Errorf("embedkit: savepoint release failed: %v (original error: %w)", relErr, err)
		}
		return err
	}

	return tx.ReleaseSavepoint(ctx, savepoint)
}

// Savepoint creates a named savepoint for manual control
func (tx *Tx) Savepoint(ctx context.Context, name string) error {
	return tx.Exec(ctx, "SAVEPOINT "+name)
}

// RollbackTo rolls back to a named savepoint. It also clears a failure
// left by the statement that caused the rollback, without reconnecting.
func (tx *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := tx.ensureActive("Tx.RollbackTo"); err != nil {
		return err
	}
	return tx.conn.rollbackTo(ctx, tx.epoch, name)
}

// ReleaseSavepoint releases a named savepoint
func (tx *Tx) ReleaseSavepoint(ctx context.Context, name string) error {
	return tx.Exec(ctx, "RELEASE SAVEPOINT "+name)
}
