package pgmigrate_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgmigrate "github.com/marcduez/pg-migrate"
)

func TestListFileDigests(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "20200101000000.sql", "create table t (id int);")
	writeFile(t, dir, "20200101000001_second.sql", "alter table t add column x int;")
	writeFile(t, dir, "20200101000002_CASED.SQL", "select 1;")

	// Entries that must be filtered out.
	writeFile(t, dir, "README.md", "docs")
	writeFile(t, dir, "2020_too_short.sql", "select 1;")
	writeFile(t, dir, "notes.sql", "select 1;")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "20200101000003_subdir.sql"), 0755))

	digests, err := pgmigrate.ListFileDigests(dir, nil)
	require.NoError(t, err)

	assert.Len(t, digests, 3)
	assert.Equal(t, pgmigrate.StringDigest("create table t (id int);"), digests["20200101000000.sql"])
	assert.Equal(t, pgmigrate.StringDigest("alter table t add column x int;"), digests["20200101000001_second.sql"])
	assert.Contains(t, digests, "20200101000002_CASED.SQL")
}

func TestListFileDigestsMissingDirectory(t *testing.T) {
	digests, err := pgmigrate.ListFileDigests(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	assert.Empty(t, digests)
}

func TestCreateMigrationFile(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{14}_hello_world\.sql$`)

	dir := filepath.Join(t.TempDir(), "migrations")
	path, err := pgmigrate.CreateMigrationFile(dir, "Hello  World!")
	require.NoError(t, err)

	assert.Regexp(t, pattern, filepath.Base(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestCreateMigrationFileWithoutName(t *testing.T) {
	for _, name := range []string{"", "___", "!!"} {
		path, err := pgmigrate.CreateMigrationFile(t.TempDir(), name)
		require.NoError(t, err)
		assert.Regexp(t, `^\d{14}\.sql$`, filepath.Base(path))
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}
