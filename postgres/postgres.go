// Package postgres implements pgmigrate.DatabaseProvider on a single pgx
// connection. A dedicated connection, not a pool, because the advisory lock
// is session-scoped: a pooled statement may land on a different session than
// the one holding the lock.
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"

	pgmigrate "github.com/marcduez/pg-migrate"
)

// DB wraps a PostgreSQL connection and implements pgmigrate.DatabaseProvider.
type DB struct {
	conn     *pgx.Conn
	lockHeld bool
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Connect opens a connection to the database. The connection string may be
// a URL or DSN; parts it omits are filled from the usual PGHOST, PGPORT,
// PGDATABASE, PGUSER and PGPASSWORD environment variables.
func Connect(ctx context.Context, connString string) (*DB, error) {
	config, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close(ctx context.Context) error {
	return db.conn.Close(ctx)
}

// quoteTable validates table against the identifier allow-list and returns
// it quoted for interpolation. The ledger table name is the only identifier
// that is ever interpolated; all values travel as query parameters.
func quoteTable(table string) (string, error) {
	if !identifierPattern.MatchString(table) {
		return "", fmt.Errorf("invalid migration table name %q", table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

// LedgerTableExists reports whether the ledger table exists in the current
// search path.
func (db *DB) LedgerTableExists(ctx context.Context, table string) (bool, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return false, err
	}

	var exists bool
	err = db.conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", quoted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for ledger table: %w", err)
	}
	return exists, nil
}

// EnsureLedgerTable creates the ledger table if it is absent. The filename
// column uses the "C" collation so ordering matches byte-wise filesystem
// sort regardless of the database locale.
func (db *DB) EnsureLedgerTable(ctx context.Context, table string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	filename text COLLATE "C" NOT NULL PRIMARY KEY,
	md5 char(32) NOT NULL,
	applied_at_utc timestamp NOT NULL DEFAULT (now() at time zone 'UTC')
)`, quoted)

	if _, err := db.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create ledger table %s: %w", table, err)
	}
	return nil
}

// LedgerDigests returns filename -> digest for every ledger row.
func (db *DB) LedgerDigests(ctx context.Context, table string) (map[string]string, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(ctx, fmt.Sprintf("SELECT filename, md5 FROM %s", quoted))
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	digests := make(map[string]string)
	for rows.Next() {
		var filename, digest string
		if err := rows.Scan(&filename, &digest); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		digests[filename] = digest
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return digests, nil
}

// LedgerEntries returns every ledger row in ascending filename order.
func (db *DB) LedgerEntries(ctx context.Context, table string) ([]pgmigrate.LedgerEntry, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(ctx,
		fmt.Sprintf("SELECT filename, md5, applied_at_utc FROM %s ORDER BY filename ASC", quoted))
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []pgmigrate.LedgerEntry
	for rows.Next() {
		var e pgmigrate.LedgerEntry
		if err := rows.Scan(&e.Filename, &e.Digest, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return entries, nil
}

// ExecMigration executes a migration's SQL and inserts its ledger row.
// Transactional migrations commit the SQL and the ledger insert atomically;
// non-transactional migrations run the SQL bare, so a mid-file failure can
// leave partial effects with no ledger row.
func (db *DB) ExecMigration(ctx context.Context, table, filename, digest, sql string, transactional bool) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (filename, md5, applied_at_utc) VALUES ($1, $2, now() at time zone 'UTC')", quoted)

	if !transactional {
		if _, err := db.conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		if _, err := db.conn.Exec(ctx, insert, filename, digest); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op once committed

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, insert, filename, digest); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// UpdateLedgerDigest rewrites the digest recorded for filename.
func (db *DB) UpdateLedgerDigest(ctx context.Context, table, filename, digest string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}

	tag, err := db.conn.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET md5 = $1 WHERE filename = $2", quoted), digest, filename)
	if err != nil {
		return fmt.Errorf("failed to update ledger digest for %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no ledger entry for %s", filename)
	}

	return nil
}

// StatementTimeout returns the session's current statement_timeout value.
func (db *DB) StatementTimeout(ctx context.Context) (string, error) {
	var value string
	if err := db.conn.QueryRow(ctx, "SELECT current_setting('statement_timeout')").Scan(&value); err != nil {
		return "", fmt.Errorf("failed to read statement_timeout: %w", err)
	}
	return value, nil
}

// SetStatementTimeout sets the session statement_timeout.
func (db *DB) SetStatementTimeout(ctx context.Context, value string) error {
	if _, err := db.conn.Exec(ctx, "SELECT set_config('statement_timeout', $1, false)", value); err != nil {
		return fmt.Errorf("failed to set statement_timeout: %w", err)
	}
	return nil
}

// ExecSQL executes arbitrary SQL inside a transaction. Used by tests and
// tooling, not by the engine's apply loop.
func (db *DB) ExecSQL(ctx context.Context, sql string) error {
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// QueryValue scans the single value produced by query into dest. Test and
// tooling helper.
func (db *DB) QueryValue(ctx context.Context, dest any, query string, args ...any) error {
	return db.conn.QueryRow(ctx, query, args...).Scan(dest)
}

var _ pgmigrate.DatabaseProvider = (*DB)(nil)
