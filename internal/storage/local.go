package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes artifacts to the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{
		baseDir: baseDir,
		prefix:  prefix,
	}, nil
}

// WriteArtifact writes artifact bytes to the local filesystem.
func (s *LocalStore) WriteArtifact(ctx context.Context, ref ArtifactRef, data []byte) error {
	return s.writeFile(filepath.Join(s.baseDir, ref.Path(s.prefix)), data)
}

// WriteManifest writes the batch manifest to the local filesystem.
func (s *LocalStore) WriteManifest(ctx context.Context, batchID string, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.writeFile(filepath.Join(s.baseDir, ManifestPath(s.prefix, batchID)), data)
}

// writeFile writes atomically using temp file + rename.
func (s *LocalStore) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	return nil
}

// ReadArtifact reads a published artifact.
func (s *LocalStore) ReadArtifact(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, ref.Path(s.prefix)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", ref.Path(s.prefix), ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref.Path(s.prefix), err)
	}
	return data, nil
}

// Exists checks if an artifact already exists.
func (s *LocalStore) Exists(ctx context.Context, ref ArtifactRef) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, ref.Path(s.prefix)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	absPath, err := filepath.Abs(filepath.Join(s.baseDir, key))
	if err != nil {
		absPath = filepath.Join(s.baseDir, key)
	}
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

var _ ArtifactStore = (*LocalStore)(nil)
