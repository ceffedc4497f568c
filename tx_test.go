package embedkit

import (
	"context"
	"errors"
	"testing"
)

func TestTx_CommitThenClosed(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))
	mustExec(t, c, personTable)

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Alice', 30)"); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if tx.Active() {
		t.Error("Expected transaction to be finished")
	}

	if err := tx.Commit(ctx); !IsTransactionClosed(err) {
		t.Errorf("Expected transaction closed on double commit, got %v", err)
	}
	if err := tx.Rollback(ctx); !IsTransactionClosed(err) {
		t.Errorf("Expected transaction closed on rollback after commit, got %v", err)
	}
	if err := tx.Exec(ctx, "SELECT 1"); !IsTransactionClosed(err) {
		t.Errorf("Expected transaction closed on exec after commit, got %v", err)
	}

	// Nothing above reached the connection.
	if c.State() != StateIdle {
		t.Errorf("Expected Idle, got %s", c.State())
	}
	if n := countRows(t, c, "SELECT count(*) FROM person"); n != 1 {
		t.Errorf("Expected 1 row, got %d", n)
	}
}

func TestTx_CloseRollsBack(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))
	mustExec(t, c, personTable)

	func() {
		tx, err := c.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		defer tx.Close(ctx)

		if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Bob', 40)"); err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
	}()

	if c.State() != StateIdle {
		t.Errorf("Expected Idle after Close, got %s", c.State())
	}
	if n := countRows(t, c, "SELECT count(*) FROM person"); n != 0 {
		t.Errorf("Expected rollback on Close, got %d rows", n)
	}
}

func TestTx_CloseAfterCommitIsNoop(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	tx.Close(ctx)

	if s := c.Stats(); s.TxRolledBack != 0 || s.FailedOps != 0 {
		t.Errorf("Close after commit must not touch the connection: %+v", s)
	}
}

func TestTx_NestedSavepoints(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))
	mustExec(t, c, personTable)

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Close(ctx)

	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Alice', 30)"); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}

	errInner := errors.New("inner failed")
	err = tx.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Bob', 40)"); err != nil {
			return err
		}
		return errInner
	})
	if !errors.Is(err, errInner) {
		t.Fatalf("Expected inner error, got %v", err)
	}

	err = tx.Transaction(ctx, func(tx *Tx) error {
		return tx.Exec(ctx, "INSERT INTO person VALUES ('Carol', 50)")
	})
	if err != nil {
		t.Fatalf("Savepoint transaction failed: %v", err)
	}

	if !tx.Active() {
		t.Fatal("Outer transaction must stay active")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if n := countRows(t, c, "SELECT count(*) FROM person"); n != 2 {
		t.Errorf("Expected Alice and Carol, got %d rows", n)
	}
	if n := countRows(t, c, "SELECT count(*) FROM person WHERE name = 'Bob'"); n != 0 {
		t.Errorf("Expected Bob to be rolled back to the savepoint, got %d", n)
	}
}

func TestTx_QueryAndPrepare(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))
	mustExec(t, c, personTable)

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Close(ctx)

	stmt, err := tx.Prepare(ctx, "INSERT INTO person VALUES (?, ?)")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer stmt.Close()
	_ = stmt.Bind(1, "Alice")
	_ = stmt.Bind(2, 30)

	rs, err := tx.Execute(ctx, stmt)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	rs.Close()
	if c.State() != StateInTransaction {
		t.Errorf("Expected InTransaction after the result is closed, got %s", c.State())
	}

	rs, err = tx.Query(ctx, "SELECT name FROM person")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	rows, err := rs.All()
	if err != nil || len(rows) != 1 {
		t.Errorf("Expected 1 row inside the transaction, got %v (%v)", rows, err)
	}
	if tx.Conn() != c {
		t.Error("Expected the transaction to expose its connection")
	}
}

func TestTx_SavepointAfterRejectedStatement(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))
	mustExec(t, c, personTable)
	mustExec(t, c, "INSERT INTO person VALUES ('Xavier', 20)")

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Close(ctx)

	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Alice', 30)"); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}

	err = tx.Transaction(ctx, func(tx *Tx) error {
		return tx.Exec(ctx, "INSERT INTO person VALUES ('Xavier', 21)")
	})
	if cat, _ := GetCategory(err); cat != CategoryConstraint {
		t.Fatalf("Expected the constraint error from the savepoint, got %v", err)
	}

	if !tx.Active() {
		t.Fatal("Outer transaction must stay active")
	}
	if c.State() != StateInTransaction {
		t.Errorf("Expected InTransaction after rolling back to the savepoint, got %s", c.State())
	}
	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Bob', 40)"); err != nil {
		t.Fatalf("Exec after savepoint rollback failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if n := countRows(t, c, "SELECT count(*) FROM person"); n != 3 {
		t.Errorf("Expected Xavier, Alice and Bob, got %d rows", n)
	}
	if s := c.Stats(); s.Reconnects != 0 {
		t.Errorf("Savepoint rollback must not reconnect, got %d reconnects", s.Reconnects)
	}
}

func TestTx_LostAfterRecovery(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))
	mustExec(t, c, personTable)
	mustExec(t, c, "INSERT INTO person VALUES ('Xavier', 20)")

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Close(ctx)

	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Alice', 30)"); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Xavier', 21)"); err == nil {
		t.Fatal("Expected duplicate insert to fail")
	}

	err = tx.Exec(ctx, "INSERT INTO person VALUES ('Bob', 40)")
	if !IsTransactionFailed(err) {
		t.Fatalf("Expected transaction failed after recovery, got %v", err)
	}
	if !tx.Active() {
		t.Error("Expected the transaction to stay open until it is finished")
	}
	if err := tx.Commit(ctx); !IsTransactionFailed(err) {
		t.Errorf("Expected commit of a lost transaction to fail, got %v", err)
	}
	if tx.Active() {
		t.Error("Expected the transaction to be finished after Commit")
	}

	if c.State() != StateIdle {
		t.Errorf("Expected Idle, got %s", c.State())
	}
	if n := countRows(t, c, "SELECT count(*) FROM person"); n != 1 {
		t.Errorf("Expected only Xavier, got %d rows", n)
	}
}

func TestTx_FinishedOutsideTx(t *testing.T) {
	ctx := context.Background()
	c := getTestConn(t, getTestDB(t))
	mustExec(t, c, personTable)

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Close(ctx)

	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Alice', 30)"); !IsTransactionFailed(err) {
		t.Errorf("Expected transaction failed once the connection committed, got %v", err)
	}

	// A newer transaction on the same connection does not revive the old handle.
	if err := c.BeginTransaction(ctx); err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Bob', 40)"); !IsTransactionFailed(err) {
		t.Errorf("Expected transaction failed inside a newer transaction, got %v", err)
	}
	if c.State() != StateInTransaction {
		t.Errorf("Expected the newer transaction to be untouched, got %s", c.State())
	}
	if err := c.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if n := countRows(t, c, "SELECT count(*) FROM person"); n != 0 {
		t.Errorf("Expected no rows, got %d", n)
	}
}
