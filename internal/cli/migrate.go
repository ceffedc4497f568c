package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/fernandezvara/embedkit"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Status bool
}

// MigrateResult is the output of the migrate command.
type MigrateResult struct {
	Applied []string `json:"applied"`
	Skipped []string `json:"skipped"`
}

func (r MigrateResult) String() string {
	var b strings.Builder
	for _, id := range r.Applied {
		fmt.Fprintf(&b, "applied  %s\n", id)
	}
	fmt.Fprintf(&b, "%d applied, %d already up to date", len(r.Applied), len(r.Skipped))
	return b.String()
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate <migrations-dir>",
		Short: "Apply the .sql migrations in a directory",
		Long: `Apply every *.sql file in the directory, in file name order. The file name
without its extension is the migration ID; a leading "-- " comment line is
used as the description. Applied migrations are recorded with a checksum and
skipped on later runs; editing an applied file is an error.

Example:
  embedkit migrate --db ./app.db ./migrations
  embedkit migrate --db ./app.db --status ./migrations`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Status, "status", false, "show migration status without applying")

	return cmd
}

// LoadMigrations reads the *.sql files in dir in name order.
func LoadMigrations(dir string) ([]embedkit.Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := lo.Filter(entries, func(e os.DirEntry, _ int) bool {
		return !e.IsDir() && strings.HasSuffix(e.Name(), ".sql")
	})

	migrations := make([]embedkit.Migration, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(f.Name(), ".sql")
		migrations = append(migrations, embedkit.Migration{
			ID:          id,
			Description: describe(string(data), id),
			SQL:         string(data),
		})
	}
	return migrations, nil
}

func describe(script, fallback string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(script), "\n")
	if desc, ok := strings.CutPrefix(first, "--"); ok {
		if desc = strings.TrimSpace(desc); desc != "" {
			return desc
		}
	}
	return fallback
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions, dir string) error {
	ctx := commandContext(cmd)

	migrations, err := LoadMigrations(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load migrations", err)
	}

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.Status {
		status, err := s.pool.MigrationStatus(ctx, migrations)
		if err != nil {
			return s.fail(ExitFailure, "failed to read migration status", err)
		}
		return s.out.Success(statusTable(status))
	}

	result, err := s.pool.Migrate(ctx, migrations)
	if err != nil {
		return s.fail(ExitFailure, "migration failed", err)
	}

	return s.out.Success(MigrateResult{
		Applied: lo.Map(result.Applied, func(a embedkit.AppliedMigration, _ int) string { return a.ID }),
		Skipped: result.Skipped,
	})
}

func statusTable(status []embedkit.MigrationStatusEntry) *Table {
	t := &Table{Columns: []string{"id", "description", "state"}, Rows: [][]any{}}
	for _, e := range status {
		state := "pending"
		switch {
		case e.Applied && !e.ChecksumMatch:
			state = "changed"
		case e.Applied:
			state = "applied"
		}
		t.Rows = append(t.Rows, []any{e.ID, e.Description, state})
	}
	return t
}
