package pgmigrate

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
)

// FileDigest computes the MD5 digest of a file's bytes as 32 lowercase hex
// characters. Content is streamed through the hasher rather than read into
// memory. MD5 is used for compactness, not security.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// StringDigest computes the MD5 digest of a string's bytes as 32 lowercase
// hex characters.
func StringDigest(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}
