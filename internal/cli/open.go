package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/embedkit"
)

// session is an open database with its pool.
type session struct {
	db     *embedkit.Database
	pool   *embedkit.Pool
	logger *slog.Logger
	out    *OutputFormatter
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openSession opens the configured database and a pool over it. Callers
// must close the session.
func openSession(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*session, error) {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg := opts.config.DatabaseConfig().WithLogger(logger)
	if opts.Verbose {
		cfg.LogQueries = true
	}

	db, err := embedkit.Open(ctx, opts.config.Database, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	pool, err := embedkit.NewPool(db, opts.config.PoolConfig())
	if err != nil {
		_ = db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create pool", err)
	}

	logger.Debug("database ready", "path", opts.config.Database, "engine", db.EngineName())
	return &session{
		db:     db,
		pool:   pool,
		logger: logger,
		out:    &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
	}, nil
}

func (s *session) Close() {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("error closing pool", "error", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}

// fail reports err in the configured format and wraps it with exitCode.
func (s *session) fail(exitCode int, message string, err error) error {
	_ = s.out.Error(err)
	return WrapExitError(exitCode, message, err)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
