package cli

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fernandezvara/embedkit"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Workers int
	Ops     int
	Query   string
	Write   bool
	Retries int
}

// BenchResult summarizes a benchmark run.
type BenchResult struct {
	Workers   int                `json:"workers"`
	Ops       int                `json:"ops"`
	Errors    int64              `json:"errors"`
	Duration  time.Duration      `json:"duration"`
	OpsPerSec float64            `json:"ops_per_sec"`
	P50       time.Duration      `json:"p50"`
	P95       time.Duration      `json:"p95"`
	P99       time.Duration      `json:"p99"`
	Max       time.Duration      `json:"max"`
	Pool      embedkit.PoolStats `json:"pool"`
}

func (r BenchResult) String() string {
	return fmt.Sprintf(
		"%d ops by %d workers in %s (%.0f ops/s, %d errors)\nlatency p50=%s p95=%s p99=%s max=%s\npool total=%d waits=%d replaced=%d",
		r.Ops, r.Workers, r.Duration.Round(time.Millisecond), r.OpsPerSec, r.Errors,
		r.P50, r.P95, r.P99, r.Max,
		r.Pool.Total, r.Pool.WaitCount, r.Pool.Replaced,
	)
}

const benchTable = "_embedkit_bench"

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure pooled query throughput and latency",
		Long: `Run concurrent workers against the pool and report throughput and latency
percentiles. Each operation checks out a connection, runs the query (or, with
--write, an insert inside a transaction) and releases it.

Example:
  embedkit bench --db ./app.db --workers 8 --ops 1000
  embedkit bench --db ./app.db --write --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 4, "concurrent workers")
	cmd.Flags().IntVarP(&opts.Ops, "ops", "n", 100, "operations per worker")
	cmd.Flags().StringVarP(&opts.Query, "query", "q", "SELECT 1", "query to run in read mode")
	cmd.Flags().BoolVar(&opts.Write, "write", false, "insert rows in transactions instead of reading")
	cmd.Flags().IntVar(&opts.Retries, "retries", 3, "extra attempts for transient failures")

	return cmd
}

func runBench(cmd *cobra.Command, opts *BenchOptions) error {
	if opts.Workers < 1 || opts.Ops < 1 {
		return NewExitError(ExitCommandError, "--workers and --ops must be positive")
	}
	ctx := commandContext(cmd)

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.Write {
		create := "CREATE TABLE IF NOT EXISTS " + benchTable + " (worker INTEGER, n INTEGER)"
		if err := s.pool.WithConnection(ctx, func(c *embedkit.Conn) error {
			return c.Exec(ctx, create)
		}); err != nil {
			return s.fail(ExitFailure, "failed to create bench table", err)
		}
	}

	op := func(worker, n int) error {
		if opts.Write {
			return s.pool.WithTransaction(ctx, func(tx *embedkit.Tx) error {
				return tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (worker, n) VALUES (%d, %d)", benchTable, worker, n))
			})
		}
		return s.pool.WithConnection(ctx, func(c *embedkit.Conn) error {
			rs, err := c.Query(ctx, opts.Query)
			if err != nil {
				return err
			}
			_, err = rs.All()
			return err
		})
	}

	attempts := max(opts.Retries, 0) + 1
	var failures atomic.Int64
	latencies := make([][]time.Duration, opts.Workers)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := range opts.Workers {
		latencies[w] = make([]time.Duration, 0, opts.Ops)
		g.Go(func() error {
			for n := range opts.Ops {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				t := time.Now()
				err := embedkit.Retry(gctx, attempts, func() error { return op(w, n) })
				if err != nil {
					failures.Add(1)
					s.logger.Debug("bench operation failed", "worker", w, "n", n, "error", err)
					continue
				}
				latencies[w] = append(latencies[w], time.Since(t))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.fail(ExitFailure, "bench interrupted", err)
	}
	elapsed := time.Since(start)

	all := lo.Flatten(latencies)
	slices.Sort(all)

	result := BenchResult{
		Workers:  opts.Workers,
		Ops:      opts.Workers * opts.Ops,
		Errors:   failures.Load(),
		Duration: elapsed,
		P50:      percentile(all, 0.50),
		P95:      percentile(all, 0.95),
		P99:      percentile(all, 0.99),
		Max:      lo.Max(all),
		Pool:     s.pool.Stats(),
	}
	if elapsed > 0 {
		result.OpsPerSec = float64(len(all)) / elapsed.Seconds()
	}

	return s.out.Success(result)
}

// percentile returns the q-th quantile of sorted, using the nearest rank.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(q*float64(len(sorted)) + 0.5)
	if i > 0 {
		i--
	}
	return sorted[min(i, len(sorted)-1)]
}
