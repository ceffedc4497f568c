package cli

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	Database   string
	Driver     string

	// Loaded from ConfigFile (or defaults) before any subcommand runs.
	config *FileConfig
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the embedkit CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "embedkit",
		Short: "embedkit - managed connections to embedded databases",
		Long: `Run statements, migrations and load tests against an embedded database
through embedkit's connection pool.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !lo.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}

			cfg, err := LoadConfig(opts.ConfigFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if opts.Database != "" {
				cfg.Database = opts.Database
			}
			if opts.Driver != "" {
				cfg.Driver = opts.Driver
			}
			if cfg.Database == "" {
				return NewExitError(ExitCommandError, "no database: pass --db or set database in the config file")
			}
			opts.config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database path or DSN (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "engine driver: sqlite, sqlite3, pgx or pg (overrides config)")

	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))

	return cmd
}
