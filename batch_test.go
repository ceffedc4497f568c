package embedkit

import (
	"context"
	"fmt"
	"testing"
)

func TestExecBatch(t *testing.T) {
	ctx := context.Background()
	p := getTestPool(t, getTestDB(t), DefaultPoolConfig())

	if err := p.WithConnection(ctx, func(c *Conn) error { return c.Exec(ctx, personTable) }); err != nil {
		t.Fatalf("Create table failed: %v", err)
	}

	stmts := make([]string, 25)
	for i := range stmts {
		stmts[i] = fmt.Sprintf("INSERT INTO person VALUES ('p%02d', %d)", i, i)
	}

	n, err := p.ExecBatch(ctx, stmts, 10)
	if err != nil {
		t.Fatalf("ExecBatch failed: %v", err)
	}
	if n != 25 {
		t.Errorf("Expected 25 statements, got %d", n)
	}

	err = p.WithConnection(ctx, func(c *Conn) error {
		if got := countRows(t, c, "SELECT count(*) FROM person"); got != 25 {
			t.Errorf("Expected 25 rows, got %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecBatch_Empty(t *testing.T) {
	p := getTestPool(t, getTestDB(t), DefaultPoolConfig())

	n, err := p.ExecBatch(context.Background(), nil, 10)
	if err != nil || n != 0 {
		t.Errorf("Expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestExecBatch_FailingBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	p := getTestPool(t, getTestDB(t), DefaultPoolConfig())

	if err := p.WithConnection(ctx, func(c *Conn) error { return c.Exec(ctx, personTable) }); err != nil {
		t.Fatalf("Create table failed: %v", err)
	}

	stmts := []string{
		"INSERT INTO person VALUES ('a', 1)",
		"INSERT INTO person VALUES ('b', 2)",
		"INSERT INTO person VALUES ('c', 3)",
		"INSERT INTO person VALUES ('a', 4)", // duplicate key
		"INSERT INTO person VALUES ('d', 5)",
	}

	n, err := p.ExecBatch(ctx, stmts, 2)
	if err == nil {
		t.Fatal("Expected the duplicate key to fail the batch")
	}
	if cat, _ := GetCategory(err); cat != CategoryConstraint {
		t.Errorf("Expected constraint category, got %v", err)
	}
	if n != 2 {
		t.Errorf("Expected only the first batch to commit, got %d", n)
	}

	err = p.WithConnection(ctx, func(c *Conn) error {
		if got := countRows(t, c, "SELECT count(*) FROM person"); got != 2 {
			t.Errorf("Expected 2 rows, got %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
