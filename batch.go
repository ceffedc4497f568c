package embedkit

import (
	"context"

	"github.com/samber/lo"
)

// BatchSize is the default batch size for batch operations.
const BatchSize = 100

// ExecBatch runs statements in batches of batchSize, each batch in its own
// transaction on a pooled connection. It returns the number of statements
// in batches that committed; a failing batch is rolled back as a whole and
// stops the run.
//
// Usage:
//
//	stmts := []string{"INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)"}
//	n, err := pool.ExecBatch(ctx, stmts, 100)
func (p *Pool) ExecBatch(ctx context.Context, statements []string, batchSize int) (int, error) {
	if len(statements) == 0 {
		return 0, nil
	}

	if batchSize <= 0 {
		batchSize = BatchSize
	}

	var total int
	for _, batch := range lo.Chunk(statements, batchSize) {
		err := p.WithTransaction(ctx, func(tx *Tx) error {
			for _, stmt := range batch {
				if err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(batch)
	}

	return total, nil
}
