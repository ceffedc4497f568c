package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/fernandezvara/embedkit"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Connections int
}

// StatsReport is the output of the stats command.
type StatsReport struct {
	Engine  string                `json:"engine"`
	Path    string                `json:"path"`
	Health  embedkit.HealthStatus `json:"health"`
	Checked int                   `json:"checked"`
	Healthy int                   `json:"healthy"`
	Errors  []string              `json:"errors,omitempty"`
}

func (r StatsReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine     %s\n", r.Engine)
	fmt.Fprintf(&b, "path       %s\n", r.Path)
	fmt.Fprintf(&b, "healthy    %t (%s)\n", r.Health.Healthy, r.Health.Latency)
	fmt.Fprintf(&b, "validated  %d/%d\n", r.Healthy, r.Checked)
	ps := r.Health.PoolStats
	fmt.Fprintf(&b, "pool       total=%d in_use=%d available=%d max=%d", ps.Total, ps.InUse, ps.Available, ps.MaxConnections)
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\nerror      %s", e)
	}
	return b.String()
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Check database health and report pool statistics",
		Long: `Open the database, warm the pool with the requested number of connections,
validate every one of them and print the health report.

Example:
  embedkit stats --db ./app.db --connections 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Connections, "connections", 1, "connections to open before checking")

	return cmd
}

func runStats(cmd *cobra.Command, opts *StatsOptions) error {
	ctx := commandContext(cmd)

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	held := make([]*embedkit.Conn, 0, max(opts.Connections, 0))
	for range opts.Connections {
		c, err := s.pool.TryAcquire(ctx)
		if err != nil {
			s.logger.Debug("stopped warming pool", "open", len(held), "error", err)
			break
		}
		held = append(held, c)
	}
	for _, c := range held {
		s.pool.Release(c)
	}

	report := StatsReport{
		Engine: s.db.EngineName(),
		Path:   s.db.Path(),
	}
	check := s.pool.HealthCheckAll(ctx)
	report.Checked, report.Healthy = check.Checked, check.Healthy
	var merr *multierror.Error
	if errors.As(check.Err, &merr) {
		report.Errors = lo.Map(merr.WrappedErrors(), func(err error, _ int) string { return err.Error() })
	}
	report.Health = s.pool.Health(ctx)

	if err := s.out.Success(report); err != nil {
		return err
	}
	if !report.Health.Healthy || report.Healthy < report.Checked {
		return NewExitError(ExitFailure, "database is unhealthy")
	}
	return nil
}
