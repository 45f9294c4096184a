package pgmigrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config holds the settings for one engine instance.
type Config struct {
	// Directory is the migration source path. Defaults to "migrations".
	Directory string

	// TableName is the ledger table identifier. Defaults to "migrations".
	// Validated against an identifier allow-list before it is ever
	// interpolated into SQL.
	TableName string

	// SchemaFile is the path the schema dump is written to after each
	// successful batch. Empty skips schema tracking entirely.
	SchemaFile string

	// FailOnChangedSchema turns an unexpected schema-dump change into an
	// error instead of rewriting the file.
	FailOnChangedSchema bool

	// StatementTimeoutSeconds overrides the session statement timeout for
	// the duration of a batch. Zero leaves the session value untouched.
	StatementTimeoutSeconds int

	// Logger receives engine output. Nil discards everything.
	Logger *slog.Logger
}

// LedgerEntry is one row of the migration ledger table.
type LedgerEntry struct {
	Filename  string
	Digest    string
	AppliedAt time.Time
}

// DatabaseProvider abstracts the database operations the engine needs.
type DatabaseProvider interface {
	// AcquireLock takes the engine's advisory lock, retrying with backoff
	// a bounded number of times before giving up with ErrLockNotAcquired.
	AcquireLock(ctx context.Context) error

	// ReleaseLock releases the advisory lock. Releasing a lock that is not
	// held is an error.
	ReleaseLock(ctx context.Context) error

	// LedgerTableExists reports whether the ledger table has been created.
	LedgerTableExists(ctx context.Context, table string) (bool, error)

	// EnsureLedgerTable creates the ledger table if it is absent.
	EnsureLedgerTable(ctx context.Context, table string) error

	// LedgerDigests returns filename -> digest for every ledger row.
	LedgerDigests(ctx context.Context, table string) (map[string]string, error)

	// ExecMigration executes a migration's SQL and inserts its ledger row.
	// When transactional is true both happen inside one transaction that is
	// rolled back on failure; otherwise the SQL runs bare and the ledger
	// row is inserted as a separate unit of work.
	ExecMigration(ctx context.Context, table, filename, digest, sql string, transactional bool) error

	// UpdateLedgerDigest rewrites the digest recorded for filename.
	UpdateLedgerDigest(ctx context.Context, table, filename, digest string) error

	// StatementTimeout returns the session's current statement timeout.
	StatementTimeout(ctx context.Context) (string, error)

	// SetStatementTimeout sets the session statement timeout to the given
	// value, as accepted by SET statement_timeout (e.g. "30s" or "0").
	SetStatementTimeout(ctx context.Context, value string) error

	// DumpSchema returns the current database structure as deterministic,
	// ordered SQL DDL text.
	DumpSchema(ctx context.Context) (string, error)

	// Close closes the underlying connection.
	Close(ctx context.Context) error
}

var (
	// ErrLockNotAcquired is returned when the advisory lock could not be
	// taken within the retry budget.
	ErrLockNotAcquired = errors.New("could not acquire migration lock")

	// ErrEmptyMigration is returned when a pending migration file contains
	// no SQL after trimming whitespace.
	ErrEmptyMigration = errors.New("migration file is empty")

	// ErrSchemaChanged is returned when the schema dump differs from the
	// schema file and the caller asked for strict verification.
	ErrSchemaChanged = errors.New("schema file changed unexpectedly")
)

// ConflictError reports a migration file whose content no longer matches the
// digest recorded when it was applied.
type ConflictError struct {
	Filename     string
	FileDigest   string
	LedgerDigest string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("migration %s has md5 %s on disk but was applied with md5 %s; refusing to continue",
		e.Filename, e.FileDigest, e.LedgerDigest)
}
