package embedkit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fernandezvara/embedkit/engine"
	"github.com/fernandezvara/embedkit/engine/sqlengine"
)

// getTestDB opens a fresh SQLite database in a temporary directory.
func getTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// getFaultDB is getTestDB with a fault-injecting engine.
func getFaultDB(t *testing.T) (*Database, *faultEngine) {
	t.Helper()

	inner, err := sqlengine.New(sqlengine.Options{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	fe := &faultEngine{Engine: inner}

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), DefaultConfig().WithEngine(fe))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, fe
}

func getTestConn(t *testing.T, db *Database) *Conn {
	t.Helper()

	c, err := db.NewConnection(context.Background())
	if err != nil {
		t.Fatalf("Failed to create connection: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustExec(t *testing.T, c *Conn, stmt string) {
	t.Helper()
	if err := c.Exec(context.Background(), stmt); err != nil {
		t.Fatalf("Exec(%q) failed: %v", stmt, err)
	}
}

// countRows runs a single-value count query.
func countRows(t *testing.T, c *Conn, query string) int64 {
	t.Helper()

	rs, err := c.Query(context.Background(), query)
	if err != nil {
		t.Fatalf("Query(%q) failed: %v", query, err)
	}
	defer rs.Close()

	if !rs.Next() {
		t.Fatalf("Query(%q) returned no rows: %v", query, rs.Err())
	}
	var n int64
	if err := rs.Scan(&n); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return n
}

const personTable = "CREATE TABLE person(name TEXT PRIMARY KEY, age INTEGER)"

// faultEngine wraps an engine and injects failures on demand.
type faultEngine struct {
	engine.Engine

	mu           sync.Mutex
	connectErr   error
	pingFailures int    // number of upcoming MaxThreads calls that fail
	runFailure   string // statements with this prefix fail in transport
	opened       int
	closed       int
}

var errInjected = &engine.Error{Category: engine.CategoryConnection, Message: "injected connection reset"}

func (e *faultEngine) setConnectErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErr = err
}

func (e *faultEngine) failPings(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pingFailures = n
}

func (e *faultEngine) failRuns(prefix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runFailure = prefix
}

func (e *faultEngine) counts() (opened, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened, e.closed
}

func (e *faultEngine) OpenDatabase(ctx context.Context, path string, cfg engine.Config) (engine.Database, error) {
	db, err := e.Engine.OpenDatabase(ctx, path, cfg)
	if err != nil {
		return nil, err
	}
	return &faultDatabase{Database: db, eng: e}, nil
}

type faultDatabase struct {
	engine.Database
	eng *faultEngine
}

func (d *faultDatabase) NewConnection(ctx context.Context) (engine.Conn, error) {
	d.eng.mu.Lock()
	err := d.eng.connectErr
	d.eng.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c, err := d.Database.NewConnection(ctx)
	if err != nil {
		return nil, err
	}

	d.eng.mu.Lock()
	d.eng.opened++
	d.eng.mu.Unlock()
	return &faultConn{Conn: c, eng: d.eng}, nil
}

type faultConn struct {
	engine.Conn
	eng *faultEngine
}

func (c *faultConn) Run(ctx context.Context, text string) (engine.Result, error) {
	c.eng.mu.Lock()
	prefix := c.eng.runFailure
	c.eng.mu.Unlock()
	if prefix != "" && strings.HasPrefix(text, prefix) {
		return nil, errInjected
	}
	return c.Conn.Run(ctx, text)
}

func (c *faultConn) MaxThreads(ctx context.Context) (uint64, error) {
	c.eng.mu.Lock()
	fail := c.eng.pingFailures > 0
	if fail {
		c.eng.pingFailures--
	}
	c.eng.mu.Unlock()
	if fail {
		return 0, errInjected
	}
	return c.Conn.MaxThreads(ctx)
}

func (c *faultConn) Close() error {
	c.eng.mu.Lock()
	c.eng.closed++
	c.eng.mu.Unlock()
	return c.Conn.Close()
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), DefaultConfig().WithDriver("nope"))
	if err == nil {
		t.Fatal("Expected error for unknown driver")
	}
	if !errors.Is(err, ErrDatabaseInit) {
		t.Errorf("Expected ErrDatabaseInit, got %v", err)
	}
}

func TestOpen_ConnectionFromClosedDatabase(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	_, err = db.NewConnection(context.Background())
	if code, _ := GetErrorCode(err); code != CodeConnectionInit {
		t.Errorf("Expected CONNECTION_INIT, got %v", err)
	}
}

func TestOpen_InMemorySharedAcrossConnections(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:", DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c1 := getTestConn(t, db)
	c2 := getTestConn(t, db)

	mustExec(t, c1, personTable)
	mustExec(t, c1, "INSERT INTO person VALUES ('Alice', 30)")

	if n := countRows(t, c2, "SELECT count(*) FROM person"); n != 1 {
		t.Errorf("Expected 1 row visible from second connection, got %d", n)
	}
}

func TestOpen_Accessors(t *testing.T) {
	db := getTestDB(t)

	if db.EngineName() != "sqlite" {
		t.Errorf("Expected engine sqlite, got %s", db.EngineName())
	}
	if !strings.HasSuffix(db.Path(), "test.db") {
		t.Errorf("Unexpected path %s", db.Path())
	}
	if db.Config().OpenTimeout != 5*time.Second {
		t.Errorf("Expected defaults to be applied, got %v", db.Config().OpenTimeout)
	}
}

func TestOpen_StatementTimeoutApplied(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "x.db"), DefaultConfig().WithStatementTimeout(time.Second))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := getTestConn(t, db)
	if n := countRows(t, c, "SELECT 1"); n != 1 {
		t.Errorf("Expected 1, got %d", n)
	}
}
