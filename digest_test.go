package pgmigrate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgmigrate "github.com/marcduez/pg-migrate"
)

func TestStringDigest(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", pgmigrate.StringDigest(""))
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", pgmigrate.StringDigest("hello world"))
}

func TestFileDigestMatchesStringDigest(t *testing.T) {
	content := "create table t (id int);\n"
	path := filepath.Join(t.TempDir(), "20200101000000.sql")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	digest, err := pgmigrate.FileDigest(path)
	require.NoError(t, err)
	assert.Equal(t, pgmigrate.StringDigest(content), digest)
	assert.Len(t, digest, 32)
}

func TestFileDigestMissingFile(t *testing.T) {
	_, err := pgmigrate.FileDigest(filepath.Join(t.TempDir(), "nope.sql"))
	assert.Error(t, err)
}
