package pgmigrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// UpdateSchemaFile regenerates the schema dump and rewrites path only when
// its content digest changed. An empty path is a logged no-op so callers can
// opt out of schema tracking. An absent file counts as an empty previous
// digest, so the first run always writes. When failOnChange is set a
// difference is an error instead of a write, which rejects migrations that
// changed the schema unexpectedly.
func UpdateSchemaFile(ctx context.Context, db DatabaseProvider, path string, failOnChange bool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if path == "" {
		logger.Debug("no schema file configured, skipping schema dump")
		return nil
	}

	previousDigest := ""
	if data, err := os.ReadFile(path); err == nil {
		previousDigest = StringDigest(string(data))
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read schema file %s: %w", path, err)
	}

	schema, err := db.DumpSchema(ctx)
	if err != nil {
		return fmt.Errorf("failed to dump schema: %w", err)
	}

	if StringDigest(schema) == previousDigest {
		logger.Debug("schema unchanged", "path", path)
		return nil
	}

	if failOnChange {
		return fmt.Errorf("%w: %s", ErrSchemaChanged, path)
	}

	if err := os.WriteFile(path, []byte(schema), 0644); err != nil {
		return fmt.Errorf("failed to write schema file %s: %w", path, err)
	}
	logger.Info("schema file updated", "path", path)

	return nil
}
