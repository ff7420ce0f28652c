package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FilesystemStore keeps blobs under root/objects/<d0d1>/<digest>, with
// descriptions under root/descriptions. Blobs are written to a temp file and
// renamed into place, so concurrent writers of the same digest are safe.
type FilesystemStore struct {
	root string
	log  *logrus.Logger
}

// NewFilesystemStore creates the directory layout under root.
func NewFilesystemStore(root string, log *logrus.Logger) (*FilesystemStore, error) {
	if log == nil {
		log = logrus.New()
	}
	for _, dir := range []string{
		filepath.Join(root, "objects"),
		filepath.Join(root, "descriptions"),
		filepath.Join(root, "tmp"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create blob store dir: %w", err)
		}
	}
	return &FilesystemStore{root: root, log: log}, nil
}

func (s *FilesystemStore) objectPath(digest string) string {
	return filepath.Join(s.root, "objects", digest[:2], digest)
}

func (s *FilesystemStore) Put(_ context.Context, content []byte) (string, error) {
	if len(content) == 0 {
		return EmptyDigest, nil
	}
	digest := Digest(content)

	path := s.objectPath(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"digest": digest,
		"size":   len(content),
	}).Debug("Stored blob")
	return digest, nil
}

func (s *FilesystemStore) Get(_ context.Context, digest string) ([]byte, error) {
	if err := checkDigest(digest); err != nil {
		return nil, err
	}
	if digest == EmptyDigest {
		return []byte{}, nil
	}
	content, err := os.ReadFile(s.objectPath(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", digest, err)
	}
	// The store is the last line of defence against corruption on disk:
	// verify what we hand out.
	if got := Digest(content); got != digest {
		return nil, fmt.Errorf("blob %s corrupted: content hashes to %s", digest, got)
	}
	return content, nil
}

func (s *FilesystemStore) Exists(_ context.Context, digest string) (bool, error) {
	if err := checkDigest(digest); err != nil {
		return false, err
	}
	if digest == EmptyDigest {
		return true, nil
	}
	_, err := os.Stat(s.objectPath(digest))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob %s: %w", digest, err)
	}
	return true, nil
}

func (s *FilesystemStore) Describe(_ context.Context, digest, description string) error {
	if err := checkDigest(digest); err != nil {
		return err
	}
	path := filepath.Join(s.root, "descriptions", digest)
	if err := os.WriteFile(path, bytes.TrimSpace([]byte(description)), 0o644); err != nil {
		return fmt.Errorf("failed to describe blob %s: %w", digest, err)
	}
	return nil
}
