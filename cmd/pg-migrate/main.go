package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	pgmigrate "github.com/marcduez/pg-migrate"
	"github.com/marcduez/pg-migrate/postgres"
)

const version = "3.0.0"

func main() {
	ctx := context.Background()

	cmd := &cli.Command{
		Name:    "pg-migrate",
		Usage:   "Apply ordered SQL migrations to a PostgreSQL database",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "connection",
				Aliases: []string{"c"},
				Usage:   "PostgreSQL connection string",
				Sources: cli.EnvVars("PGURI", "DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "directory",
				Aliases: []string{"d"},
				Usage:   "Path to migrations directory",
				Sources: cli.EnvVars("PG_MIGRATE_DIR"),
			},
			&cli.StringFlag{
				Name:    "table",
				Aliases: []string{"t"},
				Usage:   "Name of the migration ledger table",
			},
			&cli.StringFlag{
				Name:    "schema-file",
				Aliases: []string{"s"},
				Usage:   "Path the schema dump is written to (empty skips schema tracking)",
			},
			&cli.BoolFlag{
				Name:  "fail-on-changed-schema",
				Usage: "Treat an unexpected schema-file change as an error",
			},
			&cli.IntFlag{
				Name:  "statement-timeout",
				Usage: "Statement timeout in seconds for the migration batch",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a new empty migration file",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name:      "name",
						UsageText: "NAME",
						Config: cli.StringConfig{
							TrimSpace: true,
						},
					},
				},
				Action: createCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending migrations",
				Action: migrateCommand,
			},
			{
				Name:   "overwrite-md5",
				Usage:  "Rewrite ledger digests to match the migration files on disk",
				Action: overwriteCommand,
			},
			{
				Name:   "dump-schema",
				Usage:  "Regenerate the schema dump file",
				Action: dumpSchemaCommand,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// engineConfig merges flags over the optional pg-migrate.yaml in the working
// directory. Flags win; file values fill what the flags left unset.
func engineConfig(cmd *cli.Command) (pgmigrate.Config, error) {
	cfg := pgmigrate.Config{
		Directory:               cmd.String("directory"),
		TableName:               cmd.String("table"),
		SchemaFile:              cmd.String("schema-file"),
		FailOnChangedSchema:     cmd.Bool("fail-on-changed-schema"),
		StatementTimeoutSeconds: int(cmd.Int("statement-timeout")),
		Logger:                  newLogger(cmd.Bool("verbose")),
	}

	fileCfg, err := pgmigrate.LoadFileConfig(".")
	if err != nil {
		return pgmigrate.Config{}, err
	}
	return fileCfg.Merge(cfg), nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func createCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := engineConfig(cmd)
	if err != nil {
		return err
	}

	path, err := pgmigrate.CreateMigrationFile(cfg.Directory, cmd.StringArg("name"))
	if err != nil {
		return fmt.Errorf("failed to create migration: %w", err)
	}

	fmt.Printf("Created migration %s\n", path)
	return nil
}

func migrateCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := engineConfig(cmd)
	if err != nil {
		return err
	}

	db, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	return pgmigrate.New(db, cfg).Migrate(ctx)
}

func overwriteCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := engineConfig(cmd)
	if err != nil {
		return err
	}

	db, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	return pgmigrate.New(db, cfg).OverwriteDigests(ctx)
}

func dumpSchemaCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := engineConfig(cmd)
	if err != nil {
		return err
	}

	db, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if cfg.SchemaFile == "" {
		schema, err := db.DumpSchema(ctx)
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	}

	return pgmigrate.UpdateSchemaFile(ctx, db, cfg.SchemaFile, false, cfg.Logger)
}

func connect(ctx context.Context, cmd *cli.Command) (*postgres.DB, error) {
	db, err := postgres.Connect(ctx, cmd.String("connection"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
