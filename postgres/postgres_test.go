package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	pgTest "github.com/testcontainers/testcontainers-go/modules/postgres"

	pgmigrate "github.com/marcduez/pg-migrate"
)

func setupTestDB(t *testing.T) (*DB, string) {
	t.Helper()

	ctx := context.Background()
	container, err := pgTest.Run(ctx,
		"postgres:17-alpine",
		pgTest.WithDatabase("test"),
		pgTest.WithUsername("user"),
		pgTest.WithPassword("password"),
		pgTest.BasicWaitStrategies(),
	)
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, container)
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dbURL, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := Connect(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close(ctx)
	})

	return db, dbURL
}

func TestAdvisoryLockExcludesSecondSession(t *testing.T) {
	ctx := context.Background()
	db1, dbURL := setupTestDB(t)

	db2, err := Connect(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to open second connection: %v", err)
	}
	t.Cleanup(func() {
		_ = db2.Close(ctx)
	})

	if err := db1.AcquireLock(ctx); err != nil {
		t.Fatalf("first session failed to acquire lock: %v", err)
	}
	if !db1.LockHeld() {
		t.Error("expected first session to report lock held")
	}

	if err := db2.AcquireLock(ctx); !errors.Is(err, pgmigrate.ErrLockNotAcquired) {
		t.Fatalf("expected ErrLockNotAcquired for second session, got %v", err)
	}

	if err := db1.ReleaseLock(ctx); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}

	if err := db2.AcquireLock(ctx); err != nil {
		t.Fatalf("second session failed to acquire released lock: %v", err)
	}
	if err := db2.ReleaseLock(ctx); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
}

func TestReleaseLockWithoutHoldFails(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)

	if err := db.ReleaseLock(ctx); err == nil {
		t.Fatal("expected error releasing a lock that is not held")
	}
}

func TestEnsureLedgerTableIdempotent(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)

	exists, err := db.LedgerTableExists(ctx, "migrations")
	if err != nil {
		t.Fatalf("failed to check ledger table: %v", err)
	}
	if exists {
		t.Fatal("expected no ledger table on a fresh database")
	}

	for i := 0; i < 2; i++ {
		if err := db.EnsureLedgerTable(ctx, "migrations"); err != nil {
			t.Fatalf("EnsureLedgerTable run %d failed: %v", i+1, err)
		}
	}

	exists, err = db.LedgerTableExists(ctx, "migrations")
	if err != nil {
		t.Fatalf("failed to check ledger table: %v", err)
	}
	if !exists {
		t.Fatal("expected ledger table to exist")
	}

	// The filename column carries the byte-order collation.
	var collation string
	err = db.QueryValue(ctx, &collation,
		"SELECT collation_name FROM information_schema.columns WHERE table_name = 'migrations' AND column_name = 'filename'")
	if err != nil {
		t.Fatalf("failed to read collation: %v", err)
	}
	if collation != "C" {
		t.Errorf("expected filename collation C, got %q", collation)
	}
}

func TestInvalidTableNameRejected(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)

	for _, name := range []string{"", "bad-name", `x"; drop table users; --`, "1starts_with_digit"} {
		if err := db.EnsureLedgerTable(ctx, name); err == nil {
			t.Errorf("expected table name %q to be rejected", name)
		}
	}
}

func TestExecMigrationRecordsLedgerRow(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)

	if err := db.EnsureLedgerTable(ctx, "migrations"); err != nil {
		t.Fatalf("failed to ensure ledger table: %v", err)
	}

	sql := "create table widgets(id int)"
	digest := pgmigrate.StringDigest(sql)
	if err := db.ExecMigration(ctx, "migrations", "20200101000000_widgets.sql", digest, sql, true); err != nil {
		t.Fatalf("failed to exec migration: %v", err)
	}

	digests, err := db.LedgerDigests(ctx, "migrations")
	if err != nil {
		t.Fatalf("failed to read ledger digests: %v", err)
	}
	if digests["20200101000000_widgets.sql"] != digest {
		t.Errorf("expected ledger digest %s, got %s", digest, digests["20200101000000_widgets.sql"])
	}
}

func TestUpdateLedgerDigestRequiresRow(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)

	if err := db.EnsureLedgerTable(ctx, "migrations"); err != nil {
		t.Fatalf("failed to ensure ledger table: %v", err)
	}

	if err := db.UpdateLedgerDigest(ctx, "migrations", "absent.sql", "0123456789abcdef0123456789abcdef"); err == nil {
		t.Fatal("expected error updating digest of a missing ledger row")
	}
}

func TestStatementTimeoutRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)

	original, err := db.StatementTimeout(ctx)
	if err != nil {
		t.Fatalf("failed to read statement timeout: %v", err)
	}

	if err := db.SetStatementTimeout(ctx, "30s"); err != nil {
		t.Fatalf("failed to set statement timeout: %v", err)
	}
	value, err := db.StatementTimeout(ctx)
	if err != nil {
		t.Fatalf("failed to read statement timeout: %v", err)
	}
	if value != "30s" {
		t.Errorf("expected statement timeout 30s, got %q", value)
	}

	if err := db.SetStatementTimeout(ctx, original); err != nil {
		t.Fatalf("failed to restore statement timeout: %v", err)
	}
}

func TestDumpSchemaIsDeterministic(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)

	setup := `
		create table b(id serial primary key, name text not null);
		create table a(id int not null, b_id int references b(id));
		create index a_b_id_idx on a(b_id);
		create view ab as select a.id, b.name from a join b on b.id = a.b_id;
	`
	if err := db.ExecSQL(ctx, setup); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	first, err := db.DumpSchema(ctx)
	if err != nil {
		t.Fatalf("failed to dump schema: %v", err)
	}
	second, err := db.DumpSchema(ctx)
	if err != nil {
		t.Fatalf("failed to dump schema: %v", err)
	}
	if first != second {
		t.Error("expected identical dumps for an unchanged database")
	}

	for _, fragment := range []string{
		`CREATE TABLE "a"`,
		`CREATE TABLE "b"`,
		`CREATE SEQUENCE "b_id_seq"`,
		`ADD CONSTRAINT "b_pkey" PRIMARY KEY (id)`,
		`CREATE INDEX a_b_id_idx`,
		`CREATE VIEW "ab"`,
	} {
		if !strings.Contains(first, fragment) {
			t.Errorf("expected dump to contain %q:\n%s", fragment, first)
		}
	}

	// Tables come back in name order.
	if strings.Index(first, `CREATE TABLE "a"`) > strings.Index(first, `CREATE TABLE "b"`) {
		t.Error("expected tables sorted by name in dump")
	}
}
