package cli

import (
	"fmt"
	"os"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/fernandezvara/embedkit"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	File      string
	BatchSize int
}

// ExecResult is the output of the exec command.
type ExecResult struct {
	Statements int `json:"statements"`
	Executed   int `json:"executed"`
}

func (r ExecResult) String() string {
	return fmt.Sprintf("%d of %d statements executed", r.Executed, r.Statements)
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec [sql...]",
		Short: "Execute statements in batched transactions",
		Long: `Execute statements from the arguments and/or a script file. Statements run
in batches, each batch in its own transaction; a failing batch is rolled back
and stops the run.

Example:
  embedkit exec --db ./app.db "CREATE TABLE person(name TEXT PRIMARY KEY, age INTEGER)"
  embedkit exec --db ./app.db -f seed.sql --batch-size 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "SQL script to execute")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", embedkit.BatchSize, "statements per transaction")

	return cmd
}

func runExec(cmd *cobra.Command, opts *ExecOptions, args []string) error {
	ctx := commandContext(cmd)

	stmts := lo.FlatMap(args, func(arg string, _ int) []string {
		return embedkit.SplitStatements(arg)
	})
	if opts.File != "" {
		script, err := os.ReadFile(opts.File)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read script", err)
		}
		stmts = append(stmts, embedkit.SplitStatements(string(script))...)
	}
	if len(stmts) == 0 {
		return NewExitError(ExitCommandError, "nothing to execute: pass statements or --file")
	}

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.pool.ExecBatch(ctx, stmts, opts.BatchSize)
	if err != nil {
		s.logger.Warn("batch failed", "executed", n, "total", len(stmts))
		return s.fail(ExitFailure, fmt.Sprintf("exec failed after %d statements", n), err)
	}

	return s.out.Success(ExecResult{Statements: len(stmts), Executed: n})
}
