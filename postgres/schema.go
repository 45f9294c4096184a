package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DumpSchema reconstructs the visible schema as deterministic SQL text:
// sequences, tables with columns in ordinal order, table constraints,
// non-constraint indexes, then views, each group sorted by name. The output
// is a regenerable report, not authoritative state; it only needs to be
// stable across runs so digest comparison is meaningful.
func (db *DB) DumpSchema(ctx context.Context) (string, error) {
	var b strings.Builder

	if err := db.dumpSequences(ctx, &b); err != nil {
		return "", err
	}
	if err := db.dumpTables(ctx, &b); err != nil {
		return "", err
	}
	if err := db.dumpViews(ctx, &b); err != nil {
		return "", err
	}

	return b.String(), nil
}

func (db *DB) dumpSequences(ctx context.Context, b *strings.Builder) error {
	rows, err := db.conn.Query(ctx, `
		SELECT c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relkind = 'S'
		ORDER BY c.relname`)
	if err != nil {
		return fmt.Errorf("failed to list sequences: %w", err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to scan sequences: %w", err)
	}

	for _, name := range names {
		fmt.Fprintf(b, "CREATE SEQUENCE %s;\n\n", pgx.Identifier{name}.Sanitize())
	}
	return nil
}

func (db *DB) dumpTables(ctx context.Context, b *strings.Builder) error {
	rows, err := db.conn.Query(ctx, `
		SELECT c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relkind = 'r'
		ORDER BY c.relname`)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to scan tables: %w", err)
	}

	for _, table := range tables {
		if err := db.dumpTable(ctx, b, table); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) dumpTable(ctx context.Context, b *strings.Builder, table string) error {
	quoted := pgx.Identifier{table}.Sanitize()

	rows, err := db.conn.Query(ctx, `
		SELECT a.attname,
		       pg_catalog.format_type(a.atttypid, a.atttypmod),
		       a.attnotnull,
		       COALESCE(pg_catalog.pg_get_expr(d.adbin, d.adrelid), '')
		FROM pg_catalog.pg_attribute a
		LEFT JOIN pg_catalog.pg_attrdef d
		       ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, quoted)
	if err != nil {
		return fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name, typ, def string
		var notNull bool
		if err := rows.Scan(&name, &typ, &notNull, &def); err != nil {
			return fmt.Errorf("failed to scan column of %s: %w", table, err)
		}

		col := fmt.Sprintf("    %s %s", pgx.Identifier{name}.Sanitize(), typ)
		if def != "" {
			col += " DEFAULT " + def
		}
		if notNull {
			col += " NOT NULL"
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating columns of %s: %w", table, err)
	}

	fmt.Fprintf(b, "CREATE TABLE %s (\n%s\n);\n", quoted, strings.Join(columns, ",\n"))

	if err := db.dumpConstraints(ctx, b, table, quoted); err != nil {
		return err
	}
	if err := db.dumpIndexes(ctx, b, table, quoted); err != nil {
		return err
	}
	b.WriteString("\n")

	return nil
}

func (db *DB) dumpConstraints(ctx context.Context, b *strings.Builder, table, quoted string) error {
	rows, err := db.conn.Query(ctx, `
		SELECT conname, pg_catalog.pg_get_constraintdef(oid)
		FROM pg_catalog.pg_constraint
		WHERE conrelid = $1::regclass
		ORDER BY conname`, quoted)
	if err != nil {
		return fmt.Errorf("failed to list constraints of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return fmt.Errorf("failed to scan constraint of %s: %w", table, err)
		}
		fmt.Fprintf(b, "ALTER TABLE %s ADD CONSTRAINT %s %s;\n",
			quoted, pgx.Identifier{name}.Sanitize(), def)
	}
	return rows.Err()
}

func (db *DB) dumpIndexes(ctx context.Context, b *strings.Builder, table, quoted string) error {
	// Indexes backing constraints are already covered by the constraint
	// definitions above.
	rows, err := db.conn.Query(ctx, `
		SELECT pg_catalog.pg_get_indexdef(i.indexrelid)
		FROM pg_catalog.pg_index i
		WHERE i.indrelid = $1::regclass
		  AND NOT EXISTS (
		      SELECT 1 FROM pg_catalog.pg_constraint c
		      WHERE c.conindid = i.indexrelid
		  )
		ORDER BY pg_catalog.pg_get_indexdef(i.indexrelid)`, quoted)
	if err != nil {
		return fmt.Errorf("failed to list indexes of %s: %w", table, err)
	}

	defs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to scan indexes of %s: %w", table, err)
	}

	for _, def := range defs {
		fmt.Fprintf(b, "%s;\n", def)
	}
	return nil
}

func (db *DB) dumpViews(ctx context.Context, b *strings.Builder) error {
	rows, err := db.conn.Query(ctx, `
		SELECT c.relname, pg_catalog.pg_get_viewdef(c.oid, true)
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relkind = 'v'
		ORDER BY c.relname`)
	if err != nil {
		return fmt.Errorf("failed to list views: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return fmt.Errorf("failed to scan view: %w", err)
		}
		fmt.Fprintf(b, "CREATE VIEW %s AS\n%s\n\n", pgx.Identifier{name}.Sanitize(), def)
	}
	return rows.Err()
}
