/*
Package embedkit provides connection management for embedded database engines.

embedkit drives an engine (see package engine) and adds:
  - Per-connection state tracking (idle, busy, in transaction, failed)
  - Automatic recovery of failed connections
  - Structured last-error records with failure categories
  - A bounded connection pool with validation, idle reaping and health checks
  - Transaction helpers with auto commit/rollback and savepoints
  - Migration execution with checksum verification
  - Configurable observability (logging, metrics, tracing)

The bundled engine (package engine/sqlengine) runs on SQLite through
modernc.org/sqlite by default, and can use mattn/go-sqlite3 or PostgreSQL
through pgx or Bun's pgdriver.

# Basic Usage

	cfg := embedkit.DefaultConfig()
	cfg.Logger = slog.Default()
	cfg.LogSlowQueries = 100 * time.Millisecond

	db, err := embedkit.Open(ctx, "app.db", cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer db.Close()

	conn, err := db.NewConnection(ctx)
	if err != nil {
	    log.Fatal(err)
	}
	defer conn.Close()

	rs, err := conn.Query(ctx, "SELECT name, age FROM person")
	if err != nil {
	    log.Fatal(err)
	}
	defer rs.Close()

	for rs.Next() {
	    var name string
	    var age int64
	    if err := rs.Scan(&name, &age); err != nil {
	        log.Fatal(err)
	    }
	}

A connection is busy until its ResultSet is closed; any other operation on it
fails with ErrBusy in the meantime.

# Connection States

Every operation on a Conn moves it from Idle (or InTransaction) to Busy and
back. A failed operation leaves it Failed, and the next operation recovers it
first: after a transaction misuse the open transaction is rolled back, in
every other case the raw engine connection is replaced. The failure itself is
available until the next operation:

	if err := conn.Exec(ctx, stmt); err != nil {
	    if rec, ok := conn.LastError(); ok {
	        log.Printf("%s failed (%s): %s", rec.Op, rec.Category, rec.Message)
	    }
	}

Starting a transaction on a connection that is not idle marks it Failed;
committing or rolling back outside a transaction is rejected without
changing its state.

# Pooling

	pool, err := embedkit.NewPool(db, embedkit.DefaultPoolConfig())
	if err != nil {
	    log.Fatal(err)
	}
	defer pool.Close()

	err = pool.WithConnection(ctx, func(c *embedkit.Conn) error {
	    return c.Exec(ctx, "DELETE FROM sessions")
	})

Connections are validated on checkout and recovered or replaced when they
fail validation. Acquire waits for a free connection; TryAcquire fails with
ErrPoolExhausted instead.

# Transactions

Callback-based (auto commit/rollback):

	err := pool.WithTransaction(ctx, func(tx *embedkit.Tx) error {
	    if err := tx.Exec(ctx, "INSERT INTO person VALUES ('Alice', 30)"); err != nil {
	        return err // rollback
	    }
	    return nil // commit
	})

Nested savepoints:

	err := pool.WithTransaction(ctx, func(tx *embedkit.Tx) error {
	    return tx.Transaction(ctx, func(tx *embedkit.Tx) error {
	        return tx.Exec(ctx, "UPDATE person SET age = age + 1")
	    })
	})

Manual control:

	tx, err := conn.Begin(ctx)
	if err != nil {
	    return err
	}
	defer tx.Close(ctx) // rolls back unless committed

	if err := tx.Exec(ctx, stmt); err != nil {
	    return err
	}
	return tx.Commit(ctx)

# Migrations

	migrations := []embedkit.Migration{
	    {ID: "001", Description: "Create person", SQL: "CREATE TABLE person (name TEXT PRIMARY KEY, age INTEGER)"},
	    {ID: "002", Description: "Add index", SQL: "CREATE INDEX person_age ON person (age)"},
	}

	result, err := pool.Migrate(ctx, migrations)

# Error Handling

	if embedkit.IsBusy(err) {
	    // a result set is still open on this connection
	}
	if embedkit.IsPoolExhausted(err) {
	    // no free connection
	}
	if cat, ok := embedkit.GetCategory(err); ok && cat == embedkit.CategoryConstraint {
	    // duplicate key
	}

# Observability

	cfg := embedkit.DefaultConfig().
	    WithLogger(slog.Default()).
	    WithSlowQueryLog(100 * time.Millisecond).
	    WithMetrics(prometheus.DefaultRegisterer).
	    WithTracing(otel.Tracer("myapp"))
*/
package embedkit
