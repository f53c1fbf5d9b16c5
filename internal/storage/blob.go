package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore writes artifacts to a gocloud bucket (GCS, S3 or memory).
type BlobStore struct {
	bucket  *blob.Bucket
	baseURI string // "gs://bucket", "s3://bucket", "mem://"
	prefix  string
}

// NewGCSStore creates a store backed by Google Cloud Storage.
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}

	return &BlobStore{
		bucket:  bucket,
		baseURI: "gs://" + bucketName,
		prefix:  prefix,
	}, nil
}

// NewS3Store creates a new S3-compatible store.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(ctx context.Context, bucketName, prefix, endpoint, region string) (*BlobStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}

	return &BlobStore{
		bucket:  bucket,
		baseURI: "s3://" + bucketName,
		prefix:  prefix,
	}, nil
}

// NewMemStore creates an in-memory store. Contents are lost on Close.
func NewMemStore(ctx context.Context, prefix string) (*BlobStore, error) {
	return &BlobStore{
		bucket:  memblob.OpenBucket(nil),
		baseURI: "mem:/",
		prefix:  prefix,
	}, nil
}

// WriteArtifact writes artifact bytes to the bucket.
func (s *BlobStore) WriteArtifact(ctx context.Context, ref ArtifactRef, data []byte) error {
	return s.write(ctx, ref.Path(s.prefix), data)
}

// WriteManifest writes the batch manifest to the bucket.
func (s *BlobStore) WriteManifest(ctx context.Context, batchID string, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.write(ctx, ManifestPath(s.prefix, batchID), data)
}

// write uploads data; the object only becomes visible when the writer closes.
func (s *BlobStore) write(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// ReadArtifact reads a published artifact.
func (s *BlobStore) ReadArtifact(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	key := ref.Path(s.prefix)
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", key, ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Exists checks if an artifact already exists in the bucket.
func (s *BlobStore) Exists(ctx context.Context, ref ArtifactRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURI, key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ ArtifactStore = (*BlobStore)(nil)
