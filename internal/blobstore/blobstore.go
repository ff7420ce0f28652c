// Package blobstore is the content-addressed storage for sources, testcases
// and compiled executables. Keys are the lowercase hex SHA-1 of the content;
// the sentinel digest "x" stands for an intentionally empty file. Writes are
// idempotent; deletion is out of scope.
package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// EmptyDigest marks a file that is intentionally empty.
const EmptyDigest = "x"

// ErrNotFound is returned when no blob with the requested digest exists.
var ErrNotFound = errors.New("blob not found")

var digestRe = regexp.MustCompile(`^([0-9a-f]{40}|x)$`)

// Digest computes the storage key for content.
func Digest(content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s is a well-formed storage key.
func ValidDigest(s string) bool {
	return digestRe.MatchString(s)
}

// Store is the content-addressed blob store.
type Store interface {
	// Put stores content and returns its digest. Storing the same bytes
	// twice is a no-op returning the same digest.
	Put(ctx context.Context, content []byte) (string, error)
	// Get returns the content for digest, or ErrNotFound.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether the digest is present.
	Exists(ctx context.Context, digest string) (bool, error)
	// Describe attaches a human-readable description to a blob. Purely
	// metadata; failures to describe never fail the caller's operation.
	Describe(ctx context.Context, digest, description string) error
}

// checkDigest validates a digest before any backend lookup so that malformed
// keys cannot escape the store's directory or bucket layout.
func checkDigest(digest string) error {
	if !ValidDigest(digest) {
		return fmt.Errorf("invalid digest %q", digest)
	}
	return nil
}
