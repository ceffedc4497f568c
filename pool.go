package embedkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/fernandezvara/embedkit/hooks"
)

type poolEntry struct {
	conn     *Conn
	inUse    bool
	lastUsed time.Time
}

// Pool hands out connections to one Database, creating them lazily up to
// MaxConnections. The pool does not close the database.
type Pool struct {
	db     *Database
	config PoolConfig
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	entries []*poolEntry
	closed  bool

	waitCount    int64
	waitDuration time.Duration
	replaced     int64
	idleClosed   int64

	txMu sync.Mutex // serializes WithTransaction when configured

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// PoolStats contains connection pool statistics
type PoolStats struct {
	Total          int           `json:"total"`
	InUse          int           `json:"in_use"`
	Available      int           `json:"available"`
	MaxConnections int           `json:"max_connections"`
	WaitCount      int64         `json:"wait_count"`
	WaitDuration   time.Duration `json:"wait_duration"`
	Replaced       int64         `json:"replaced"`
	IdleClosed     int64         `json:"idle_closed"`
}

// NewPool creates a pool over db. When the database was opened with a
// metrics registry, the pool's statistics are exported under its name.
func NewPool(db *Database, cfg PoolConfig) (*Pool, error) {
	cfg.applyDefaults()

	p := &Pool{
		db:     db,
		config: cfg,
		logger: db.logger.With("pool", cfg.Name),
	}
	p.cond = sync.NewCond(&p.mu)

	if reg := db.config.MetricsRegistry; reg != nil {
		collector := hooks.NewPoolCollector(cfg.Name, p.snapshot)
		if err := hooks.RegisterPoolCollector(reg, collector); err != nil {
			return nil, fmt.Errorf("embedkit: failed to register pool metrics: %w", err)
		}
	}

	if cfg.ReapInterval > 0 && cfg.MaxIdleTime > 0 {
		p.stopReaper = make(chan struct{})
		p.reaperDone = make(chan struct{})
		go p.reap()
	}

	return p, nil
}

// Acquire returns an idle connection, opening one if the pool has room,
// and otherwise waits for a release or for ctx to be done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	return p.acquire(ctx, true)
}

// TryAcquire is Acquire without waiting: a saturated pool fails with
// ErrPoolExhausted.
func (p *Pool) TryAcquire(ctx context.Context) (*Conn, error) {
	return p.acquire(ctx, false)
}

func (p *Pool) acquire(ctx context.Context, wait bool) (*Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Code: CodePoolExhausted, Message: "acquire canceled", Op: "Pool.Acquire", Cause: err}
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, newError(CodePoolClosed, "Pool.Acquire", "pool is closed")
		}

		if e := p.findIdleLocked(); e != nil {
			e.inUse = true
			p.mu.Unlock()
			return p.checkout(ctx, e)
		}

		if len(p.entries) < p.config.MaxConnections {
			p.mu.Unlock()

			c, err := p.db.NewConnection(ctx)
			if err != nil {
				return nil, err
			}

			p.mu.Lock()
			if !p.closed && len(p.entries) < p.config.MaxConnections {
				p.entries = append(p.entries, &poolEntry{conn: c, inUse: true, lastUsed: time.Now()})
				p.mu.Unlock()
				p.logger.Debug("opened pooled connection", "conn", c.ID())
				return c, nil
			}
			p.mu.Unlock()

			// Another caller took the last slot while we were opening.
			_ = c.Close()
			continue
		}

		if !wait {
			p.mu.Unlock()
			return nil, newError(CodePoolExhausted, "Pool.TryAcquire",
				fmt.Sprintf("all %d connections are in use", p.config.MaxConnections))
		}

		p.waitCount++
		start := time.Now()
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		stop()
		p.waitDuration += time.Since(start)
		p.mu.Unlock()
	}
}

func (p *Pool) findIdleLocked() *poolEntry {
	e, _ := lo.Find(p.entries, func(e *poolEntry) bool { return !e.inUse })
	return e
}

// checkout validates a leased entry outside the pool lock. A connection
// that fails validation is recovered, and replaced if recovery does not
// help.
func (p *Pool) checkout(ctx context.Context, e *poolEntry) (*Conn, error) {
	c := e.conn

	err := c.Validate(ctx)
	if err == nil {
		return c, nil
	}
	if ctx.Err() != nil {
		p.Release(c)
		return nil, &Error{Code: CodePoolExhausted, Message: "acquire canceled", Op: "Pool.Acquire", Cause: ctx.Err()}
	}

	p.logger.Debug("pooled connection failed validation", "conn", c.ID(), "error", err)
	if rerr := c.Recover(ctx); rerr == nil {
		if err = c.Validate(ctx); err == nil {
			return c, nil
		}
	}

	fresh, ferr := p.db.NewConnection(ctx)

	p.mu.Lock()
	if ferr != nil {
		p.removeLocked(e)
		p.cond.Broadcast()
		p.mu.Unlock()
		_ = c.Close()
		p.logger.Warn("dropped pooled connection", "conn", c.ID(), "error", ferr)
		return nil, ferr
	}
	e.conn = fresh
	p.replaced++
	p.mu.Unlock()

	_ = c.Close()
	p.logger.Warn("replaced pooled connection", "old", c.ID(), "new", fresh.ID(), "error", err)
	return fresh, nil
}

func (p *Pool) removeLocked(e *poolEntry) {
	p.entries = lo.Without(p.entries, e)
}

// Release returns c to the pool. A connection released with an open result
// is marked Failed and one released inside a transaction is rolled back.
// Releasing after Close destroys the connection.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}

	switch c.State() {
	case StateBusy:
		c.markFailed(errReleasedWhileBusy)
	case StateInTransaction:
		if err := c.Rollback(context.Background()); err != nil {
			p.logger.Debug("rollback on release failed", "conn", c.ID(), "error", err)
		}
	}

	id := c.ID()

	p.mu.Lock()
	e, ok := lo.Find(p.entries, func(e *poolEntry) bool { return e.conn.ID() == id })
	if !ok || !e.inUse {
		p.mu.Unlock()
		p.logger.Warn("release of a connection the pool does not lease", "conn", id)
		return
	}

	if p.closed {
		p.removeLocked(e)
		p.mu.Unlock()
		_ = c.Close()
		return
	}

	e.inUse = false
	e.lastUsed = time.Now()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WithConnection runs fn with a pooled connection and always releases it.
func (p *Pool) WithConnection(ctx context.Context, fn func(c *Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)

	return fn(c)
}

// WithTransaction runs fn inside a transaction on a pooled connection. The
// transaction is committed when fn returns nil and is still active, and
// rolled back when fn fails or panics. A pool of one connection does not
// wait for it, so a nested call fails with ErrPoolExhausted instead of
// deadlocking. With SerializeTransactions set, calls must not be nested.
func (p *Pool) WithTransaction(ctx context.Context, fn TxFunc) error {
	single := p.config.MaxConnections == 1
	if p.config.SerializeTransactions && !single {
		p.txMu.Lock()
		defer p.txMu.Unlock()
	}

	var (
		c   *Conn
		err error
	)
	if single {
		c, err = p.TryAcquire(ctx)
	} else {
		c, err = p.Acquire(ctx)
	}
	if err != nil {
		return err
	}
	defer p.Release(c)

	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	cleanup := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			tx.Close(cleanup)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if tx.Active() {
			_ = tx.Rollback(cleanup)
		}
		return err
	}

	if tx.Active() {
		if err := tx.Commit(ctx); err != nil {
			_ = c.Rollback(cleanup)
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of the pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := lo.CountBy(p.entries, func(e *poolEntry) bool { return e.inUse })
	return PoolStats{
		Total:          len(p.entries),
		InUse:          inUse,
		Available:      len(p.entries) - inUse,
		MaxConnections: p.config.MaxConnections,
		WaitCount:      p.waitCount,
		WaitDuration:   p.waitDuration,
		Replaced:       p.replaced,
		IdleClosed:     p.idleClosed,
	}
}

func (p *Pool) snapshot() hooks.PoolSnapshot {
	s := p.Stats()
	return hooks.PoolSnapshot{
		Total:          s.Total,
		InUse:          s.InUse,
		Available:      s.Available,
		MaxConnections: s.MaxConnections,
		WaitCount:      s.WaitCount,
		WaitDuration:   s.WaitDuration,
		Replaced:       s.Replaced,
		IdleClosed:     s.IdleClosed,
	}
}

// CleanupIdle closes every idle connection last used at least maxIdle ago
// and returns how many were closed. Connections in use are never touched.
func (p *Pool) CleanupIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	p.mu.Lock()
	var stale []*Conn
	kept := p.entries[:0]
	for _, e := range p.entries {
		if !e.inUse && !e.lastUsed.After(cutoff) {
			stale = append(stale, e.conn)
			continue
		}
		kept = append(kept, e)
	}
	clear(p.entries[len(kept):])
	p.entries = kept
	p.idleClosed += int64(len(stale))
	p.mu.Unlock()

	for _, c := range stale {
		if err := c.Close(); err != nil {
			p.logger.Debug("closing idle connection failed", "conn", c.ID(), "error", err)
		}
	}
	if len(stale) > 0 {
		p.logger.Debug("closed idle connections", "count", len(stale))
	}
	return len(stale)
}

func (p *Pool) reap() {
	defer close(p.reaperDone)

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.CleanupIdle(p.config.MaxIdleTime)
		}
	}
}

// HealthReport is the outcome of HealthCheckAll.
type HealthReport struct {
	Checked int   `json:"checked"`
	Healthy int   `json:"healthy"`
	Err     error `json:"-"`
}

// HealthCheckAll validates every idle connection in parallel, outside the
// pool lock. Connections in use are skipped. Failed connections stay in the
// pool and are recovered or replaced on their next checkout.
func (p *Pool) HealthCheckAll(ctx context.Context) HealthReport {
	p.mu.Lock()
	idle := lo.Filter(p.entries, func(e *poolEntry, _ int) bool { return !e.inUse })
	for _, e := range idle {
		e.inUse = true
	}
	p.mu.Unlock()

	errs := make([]error, len(idle))
	var g errgroup.Group
	for i, e := range idle {
		g.Go(func() error {
			if err := e.conn.Validate(ctx); err != nil {
				errs[i] = fmt.Errorf("connection %s: %w", e.conn.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var orphaned []*Conn
	p.mu.Lock()
	for _, e := range idle {
		if p.closed {
			p.removeLocked(e)
			orphaned = append(orphaned, e.conn)
			continue
		}
		e.inUse = false
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range orphaned {
		_ = c.Close()
	}

	report := HealthReport{Checked: len(idle)}
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		report.Healthy++
	}
	report.Err = merr.ErrorOrNil()
	return report
}

// Close closes idle connections and stops the reaper. Connections still in
// use are closed when released. The database stays open.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var idle []*Conn
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.inUse {
			kept = append(kept, e)
			continue
		}
		idle = append(idle, e.conn)
	}
	clear(p.entries[len(kept):])
	p.entries = kept
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.stopReaper != nil {
		close(p.stopReaper)
		<-p.reaperDone
	}

	var res *multierror.Error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			res = multierror.Append(res, err)
		}
	}
	return res.ErrorOrNil()
}
