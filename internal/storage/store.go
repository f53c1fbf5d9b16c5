package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ManifestFile is the name of the per-batch manifest.
const ManifestFile = "_manifest.json"

// ErrArtifactNotFound is returned when a requested artifact does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactRef locates one artifact of a batch.
type ArtifactRef struct {
	BatchID string
	Name    string // "statements.sql", "merged_output.kml", ...
}

// Path returns the storage key of the artifact.
func (r ArtifactRef) Path(prefix string) string {
	return fmt.Sprintf("%s%s/%s", prefix, BatchDir(r.BatchID), r.Name)
}

// ManifestPath returns the storage key of the batch manifest.
func ManifestPath(prefix, batchID string) string {
	return fmt.Sprintf("%s%s/%s", prefix, BatchDir(batchID), ManifestFile)
}

// BatchDir returns the directory of a batch below the prefix.
func BatchDir(batchID string) string {
	return "batch=" + batchID
}

// Manifest describes the artifacts published for one batch.
type Manifest struct {
	Batch     BatchInfo               `json:"batch"`
	Artifacts map[string]ArtifactInfo `json:"artifacts"`
	Producer  ProducerInfo            `json:"producer"`
	CreatedAt time.Time               `json:"created_at"`
}

// BatchInfo describes the inputs and counter range of a batch.
type BatchInfo struct {
	ID           string   `json:"id"`
	City         string   `json:"city,omitempty"`
	Files        []string `json:"files"`
	CounterStart int64    `json:"counter_start"`
	CounterEnd   int64    `json:"counter_end"`
	Polygons     int      `json:"polygons"`
	Placemarks   int      `json:"placemarks"`
}

// ArtifactInfo describes a single artifact of the batch.
type ArtifactInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the batch.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ArtifactStore abstracts publishing batch artifacts.
type ArtifactStore interface {
	// WriteArtifact writes artifact bytes to storage.
	WriteArtifact(ctx context.Context, ref ArtifactRef, data []byte) error

	// WriteManifest writes the batch manifest. Call it after every artifact.
	WriteManifest(ctx context.Context, batchID string, manifest *Manifest) error

	// ReadArtifact returns the bytes of a published artifact, or
	// ErrArtifactNotFound.
	ReadArtifact(ctx context.Context, ref ArtifactRef) ([]byte, error)

	// Exists checks if an artifact already exists.
	Exists(ctx context.Context, ref ArtifactRef) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem" | "none"

	// Local filesystem
	LocalDir string

	// GCS / S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string
	S3Region   string

	// Common
	Prefix string // "kmzproc/" (path prefix within bucket or local dir)
}

// NewArtifactStore creates a storage backend based on configuration.
// The "none" backend returns a nil store: nothing is published.
func NewArtifactStore(ctx context.Context, cfg StorageConfig) (ArtifactStore, error) {
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemStore(ctx, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
