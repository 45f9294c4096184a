package pgmigrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	ledgerTableDefault = "migrations"

	// noTransactionMarker on the first line of a migration file disables
	// the transaction wrapping for that file.
	noTransactionMarker = "-- no_transaction"
)

// Engine applies ordered migration files against a database, tracking them
// in a checksum ledger. Every invocation re-reads the ledger; no state is
// cached between calls.
type Engine struct {
	db  DatabaseProvider
	cfg Config
	log *slog.Logger
}

// New creates an engine. Zero-value Config fields fall back to their
// documented defaults.
func New(db DatabaseProvider, cfg Config) *Engine {
	if cfg.Directory == "" {
		cfg.Directory = migrationDirDefault
	}
	if cfg.TableName == "" {
		cfg.TableName = ledgerTableDefault
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		db:  db,
		cfg: cfg,
		log: logger,
	}
}

// NeedsMigration reports whether any migration file has not yet been
// applied. A missing ledger table means nothing has ever been applied, so
// the answer is true without any consistency check. Otherwise ledger and
// file digests are compared first: orphaned ledger rows are logged as
// warnings, a digest conflict is fatal.
//
// No lock is held here; a gap between this check and a Migrate call is
// inherently racy and only the lock held during Migrate protects the apply.
func (e *Engine) NeedsMigration(ctx context.Context) (bool, error) {
	exists, err := e.db.LedgerTableExists(ctx, e.cfg.TableName)
	if err != nil {
		return false, err
	}
	if !exists {
		e.log.Debug("ledger table does not exist, migration needed", "table", e.cfg.TableName)
		return true, nil
	}

	ledger, err := e.db.LedgerDigests(ctx, e.cfg.TableName)
	if err != nil {
		return false, err
	}
	files, err := ListFileDigests(e.cfg.Directory, e.log)
	if err != nil {
		return false, err
	}

	report := CompareDigests(ledger, files)
	e.warnOrphans(report)
	if report.Conflict != nil {
		return false, report.Conflict
	}

	return len(report.Pending) > 0, nil
}

// Migrate applies every pending migration in ascending filename order under
// the advisory lock, then regenerates the schema file. The lock and any
// statement-timeout override are always restored, even on failure.
func (e *Engine) Migrate(ctx context.Context) (err error) {
	if _, statErr := os.Stat(e.cfg.Directory); statErr != nil {
		if os.IsNotExist(statErr) {
			return fmt.Errorf("migrations directory %s does not exist", e.cfg.Directory)
		}
		return fmt.Errorf("failed to stat migrations directory: %w", statErr)
	}

	restoreTimeout, err := e.overrideStatementTimeout(ctx)
	if err != nil {
		return err
	}
	defer restoreTimeout()

	if err := e.db.AcquireLock(ctx); err != nil {
		return err
	}
	defer func() {
		err = e.releaseLock(ctx, err)
	}()

	if err := e.db.EnsureLedgerTable(ctx, e.cfg.TableName); err != nil {
		return err
	}

	ledger, err := e.db.LedgerDigests(ctx, e.cfg.TableName)
	if err != nil {
		return err
	}
	files, err := ListFileDigests(e.cfg.Directory, e.log)
	if err != nil {
		return err
	}

	report := CompareDigests(ledger, files)
	e.warnOrphans(report)
	if report.Conflict != nil {
		return report.Conflict
	}

	if len(report.Pending) == 0 {
		e.log.Info("no pending migrations to apply")
		return nil
	}

	e.log.Info("applying pending migrations", "count", len(report.Pending))
	for _, filename := range report.Pending {
		if err := e.applyMigration(ctx, filename, files[filename]); err != nil {
			return err
		}
	}

	if err := UpdateSchemaFile(ctx, e.db, e.cfg.SchemaFile, e.cfg.FailOnChangedSchema, e.log); err != nil {
		return err
	}

	e.log.Info("all migrations applied", "count", len(report.Pending))
	return nil
}

// OverwriteDigests rewrites each ledger row's digest to match the file of
// the same name on disk. This is the maintenance escape hatch for a ledger
// that conflicts with deliberately edited files; it runs under the same
// advisory lock as Migrate.
func (e *Engine) OverwriteDigests(ctx context.Context) (err error) {
	if err := e.db.AcquireLock(ctx); err != nil {
		return err
	}
	defer func() {
		err = e.releaseLock(ctx, err)
	}()

	if err := e.db.EnsureLedgerTable(ctx, e.cfg.TableName); err != nil {
		return err
	}

	ledger, err := e.db.LedgerDigests(ctx, e.cfg.TableName)
	if err != nil {
		return err
	}
	files, err := ListFileDigests(e.cfg.Directory, e.log)
	if err != nil {
		return err
	}

	for _, filename := range sortedKeys(ledger) {
		fileDigest, ok := files[filename]
		if !ok {
			e.log.Warn("no file on disk for ledger entry, skipping", "filename", filename)
			continue
		}
		if fileDigest == ledger[filename] {
			continue
		}

		if err := e.db.UpdateLedgerDigest(ctx, e.cfg.TableName, filename, fileDigest); err != nil {
			return err
		}
		e.log.Info("overwrote ledger digest",
			"filename", filename, "old", ledger[filename], "new", fileDigest)
	}

	return nil
}

// applyMigration runs one pending migration file and records its ledger
// entry. A first line of "-- no_transaction" (trimmed) opts the file out of
// transaction wrapping; everything else runs inside one transaction that is
// committed only after the ledger insert succeeds.
func (e *Engine) applyMigration(ctx context.Context, filename, digest string) error {
	path := filepath.Join(e.cfg.Directory, filename)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", filename, err)
	}

	sqlText := strings.TrimSpace(string(raw))
	if sqlText == "" {
		return fmt.Errorf("%w: %s", ErrEmptyMigration, filename)
	}

	firstLine, _, _ := strings.Cut(sqlText, "\n")
	transactional := strings.TrimSpace(firstLine) != noTransactionMarker

	e.log.Info("applying migration", "filename", filename, "transactional", transactional)
	if err := e.db.ExecMigration(ctx, e.cfg.TableName, filename, digest, sqlText, transactional); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", filename, err)
	}

	return nil
}

func (e *Engine) warnOrphans(report *DriftReport) {
	for _, orphan := range report.Orphaned {
		e.log.Warn("ledger entry has no migration file on disk",
			"filename", orphan.Filename, "md5", orphan.Digest)
	}
}

// overrideStatementTimeout sets the session statement timeout when the
// config asks for one, and returns a restore func that puts the previous
// value back. Restore failures are logged, never propagated, so they cannot
// shadow a batch failure.
func (e *Engine) overrideStatementTimeout(ctx context.Context) (func(), error) {
	if e.cfg.StatementTimeoutSeconds <= 0 {
		return func() {}, nil
	}

	previous, err := e.db.StatementTimeout(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read statement timeout: %w", err)
	}

	value := fmt.Sprintf("%ds", e.cfg.StatementTimeoutSeconds)
	if err := e.db.SetStatementTimeout(ctx, value); err != nil {
		return nil, fmt.Errorf("failed to set statement timeout: %w", err)
	}
	e.log.Debug("statement timeout overridden", "previous", previous, "value", value)

	return func() {
		if err := e.db.SetStatementTimeout(ctx, previous); err != nil {
			e.log.Error("failed to restore statement timeout", "value", previous, "error", err)
		}
	}, nil
}

// releaseLock releases the advisory lock. A release failure is fatal when
// the batch itself succeeded, but only logged when an in-flight error is
// already propagating.
func (e *Engine) releaseLock(ctx context.Context, prior error) error {
	if err := e.db.ReleaseLock(ctx); err != nil {
		if prior != nil {
			e.log.Error("failed to release migration lock", "error", err)
			return prior
		}
		return err
	}
	return prior
}
