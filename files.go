package pgmigrate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	migrationDirDefault = "migrations"
	migrationTimeFormat = "20060102150405" // YYYYMMDDHHMMSS for lexicographic sorting
)

var (
	// migrationFilePattern matches 14-digit timestamp prefixed .sql files,
	// with an optional underscore-separated slug.
	migrationFilePattern = regexp.MustCompile(`(?i)^\d{14}(_.*)?\.sql$`)

	nonIdentifierRuns = regexp.MustCompile(`[^a-z0-9_]+`)
)

// ListFileDigests scans a migrations directory and returns filename -> MD5
// digest for every entry matching the migration filename pattern. Entries
// that don't match are skipped and logged at debug level. A missing
// directory yields an empty map; the caller decides whether that is an
// error.
func ListFileDigests(dir string, logger *slog.Logger) (map[string]string, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	digests := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !migrationFilePattern.MatchString(name) {
			logger.Debug("skipping file not matching migration pattern", "filename", name)
			continue
		}

		digest, err := FileDigest(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		digests[name] = digest
	}

	return digests, nil
}

// CreateMigrationFile creates an empty migration file named with the current
// UTC timestamp and an optional normalized slug, creating the directory if
// needed, and returns its path.
//
// Two calls within the same second for the same name collide, and the second
// write overwrites the first. This matches natural timestamp ordering and is
// a documented limitation.
func CreateMigrationFile(dir, name string) (string, error) {
	if dir == "" {
		dir = migrationDirDefault
	}

	filename := time.Now().UTC().Format(migrationTimeFormat)
	if normalized := normalizeMigrationName(name); normalized != "" {
		filename += "_" + normalized
	}
	filename += ".sql"

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte{}, 0644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}

	return path, nil
}

// normalizeMigrationName lowercases the name, collapses runs of characters
// outside [a-z0-9_] into single underscores, and trims leading and trailing
// underscores.
func normalizeMigrationName(name string) string {
	name = strings.ToLower(name)
	name = nonIdentifierRuns.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}
