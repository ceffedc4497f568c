package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/embedkit"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a statement and print its rows",
		Long: `Run a single statement on a pooled connection and print the rows it returns.

Example:
  embedkit query --db ./app.db "SELECT name, age FROM person"
  embedkit query --db ./app.db --format json "SELECT count(*) FROM person"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, args[0])
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "statement timeout (0 = none)")

	return cmd
}

func runQuery(cmd *cobra.Command, opts *QueryOptions, text string) error {
	ctx := commandContext(cmd)

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	table := &Table{}
	err = s.pool.WithConnection(ctx, func(c *embedkit.Conn) error {
		if opts.Timeout != 0 {
			if err := c.SetTimeout(ctx, opts.Timeout); err != nil {
				return err
			}
		}

		rs, err := c.Query(ctx, text)
		if err != nil {
			return err
		}
		table.Columns = rs.Columns()
		table.Rows, err = rs.All()
		return err
	})
	if err != nil {
		return s.fail(ExitFailure, "query failed", err)
	}
	if table.Rows == nil {
		table.Rows = [][]any{}
	}

	return s.out.Success(table)
}
