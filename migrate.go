package embedkit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Migration represents a single migration to execute
type Migration struct {
	ID          string // Unique identifier (e.g., "001", "20240115120000", or any string)
	Description string // Human-readable description
	SQL         string // Statements to execute, separated by semicolons
}

// MigrationResult represents the result of running migrations
type MigrationResult struct {
	Applied   []AppliedMigration
	Skipped   []string // IDs that were already applied
	TotalTime time.Duration
}

// AppliedMigration represents a successfully applied migration
type AppliedMigration struct {
	ID          string
	Description string
	AppliedAt   time.Time
	Duration    time.Duration
	Checksum    string
}

// MigrationStatusEntry represents the status of a single migration
type MigrationStatusEntry struct {
	ID            string
	Description   string
	Checksum      string
	Applied       bool
	ChecksumMatch bool // Only relevant if Applied is true
}

// The table only uses types every bundled driver understands; applied_at
// is stored as fixed-width UTC text so it sorts chronologically.
const migrationsTable = `CREATE TABLE IF NOT EXISTS _embedkit_migrations (
    id VARCHAR(255) PRIMARY KEY,
    description TEXT NOT NULL,
    checksum VARCHAR(64) NOT NULL,
    applied_at VARCHAR(64) NOT NULL,
    duration_ms BIGINT NOT NULL
)`

const appliedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Migrate executes migrations in order, skipping already-applied ones. Each
// migration runs in its own transaction together with its bookkeeping row.
func (p *Pool) Migrate(ctx context.Context, migrations []Migration) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{
		Applied: make([]AppliedMigration, 0),
		Skipped: make([]string, 0),
	}

	applied, err := p.appliedMigrations(ctx, "Migrate")
	if err != nil {
		return nil, err
	}
	checksums := make(map[string]string, len(applied))
	for _, a := range applied {
		checksums[a.ID] = a.Checksum
	}

	for _, m := range migrations {
		checksum := checksumSQL(m.SQL)

		if existing, ok := checksums[m.ID]; ok {
			if existing != checksum {
				return nil, &Error{
					Code:    CodeUnknown,
					Message: fmt.Sprintf("migration %s has changed (checksum mismatch: expected %s, got %s)", m.ID, existing, checksum),
					Op:      "Migrate",
				}
			}
			result.Skipped = append(result.Skipped, m.ID)
			continue
		}

		am, err := p.applyMigration(ctx, m, checksum)
		if err != nil {
			return nil, err
		}
		result.Applied = append(result.Applied, am)
		p.logger.Info("migration applied", "id", m.ID, "duration", am.Duration)
	}

	result.TotalTime = time.Since(start)
	return result, nil
}

func (p *Pool) applyMigration(ctx context.Context, m Migration, checksum string) (AppliedMigration, error) {
	start := time.Now()
	am := AppliedMigration{ID: m.ID, Description: m.Description, Checksum: checksum}

	err := p.WithTransaction(ctx, func(tx *Tx) error {
		for _, stmt := range SplitStatements(m.SQL) {
			if err := tx.Exec(ctx, stmt); err != nil {
				return &Error{
					Code:     CodeExecuteFailed,
					Message:  fmt.Sprintf("migration %s failed: %v", m.ID, err),
					Op:       "Migrate.Apply",
					Category: categoryOf(err),
					Query:    truncateQuery(stmt, 200),
					Cause:    err,
				}
			}
		}

		am.AppliedAt = time.Now().UTC()
		am.Duration = time.Since(start)

		record := fmt.Sprintf(
			"INSERT INTO _embedkit_migrations (id, description, checksum, applied_at, duration_ms) VALUES (%s, %s, %s, %s, %d)",
			quoteLiteral(m.ID), quoteLiteral(m.Description), quoteLiteral(checksum),
			quoteLiteral(am.AppliedAt.Format(appliedAtLayout)), am.Duration.Milliseconds(),
		)
		if err := tx.Exec(ctx, record); err != nil {
			return &Error{Code: CodeExecuteFailed, Message: "failed to record migration " + m.ID, Op: "Migrate.Record", Cause: err}
		}
		return nil
	})
	return am, err
}

// MigrationStatus returns the status of all known migrations
func (p *Pool) MigrationStatus(ctx context.Context, migrations []Migration) ([]MigrationStatusEntry, error) {
	applied, err := p.appliedMigrations(ctx, "MigrationStatus")
	if err != nil {
		return nil, err
	}
	checksums := make(map[string]string, len(applied))
	for _, a := range applied {
		checksums[a.ID] = a.Checksum
	}

	var result []MigrationStatusEntry
	for _, m := range migrations {
		checksum := checksumSQL(m.SQL)
		entry := MigrationStatusEntry{
			ID:          m.ID,
			Description: m.Description,
			Checksum:    checksum,
		}

		if appliedChecksum, ok := checksums[m.ID]; ok {
			entry.Applied = true
			entry.ChecksumMatch = appliedChecksum == checksum
		}

		result = append(result, entry)
	}

	return result, nil
}

// AppliedMigrations returns all migrations that have been applied, oldest
// first
func (p *Pool) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	return p.appliedMigrations(ctx, "AppliedMigrations")
}

func (p *Pool) appliedMigrations(ctx context.Context, op string) ([]AppliedMigration, error) {
	var result []AppliedMigration

	err := p.WithConnection(ctx, func(c *Conn) error {
		if err := c.Exec(ctx, migrationsTable); err != nil {
			return &Error{Code: CodeUnknown, Message: "failed to create migrations table", Op: op, Cause: err}
		}

		rs, err := c.Query(ctx, "SELECT id, description, checksum, applied_at, duration_ms FROM _embedkit_migrations ORDER BY applied_at, id")
		if err != nil {
			return err
		}
		defer rs.Close()

		for rs.Next() {
			var (
				am         AppliedMigration
				appliedAt  string
				durationMs int64
			)
			if err := rs.Scan(&am.ID, &am.Description, &am.Checksum, &appliedAt, &durationMs); err != nil {
				return err
			}
			t, err := time.Parse(appliedAtLayout, appliedAt)
			if err != nil {
				return &Error{Code: CodeConversion, Message: "invalid applied_at for migration " + am.ID, Op: op, Cause: err}
			}
			am.AppliedAt = t
			am.Duration = time.Duration(durationMs) * time.Millisecond
			result = append(result, am)
		}
		return rs.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checksumSQL creates a SHA256 checksum of SQL content
func checksumSQL(sql string) string {
	hash := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(hash[:])
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SplitStatements splits a script on semicolons that are outside quotes
// and comments. Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	runes := []rune(script)

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			cur.WriteRune('\n')
		case r == ';':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
