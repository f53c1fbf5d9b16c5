package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testManifest(data []byte) *Manifest {
	return &Manifest{
		Batch: BatchInfo{
			ID:           "b-1",
			City:         "zagreb",
			Files:        []string{"zagreb_001.kml"},
			CounterStart: 30000,
			CounterEnd:   30001,
			Polygons:     1,
			Placemarks:   1,
		},
		Artifacts: map[string]ArtifactInfo{
			"statements.sql": {
				File:     "statements.sql",
				Checksum: "sha256:abc123",
				RowCount: 1,
				ByteSize: int64(len(data)),
			},
		},
		Producer: ProducerInfo{
			Name:    "kmzproc",
			Version: "test",
		},
		CreatedAt: time.Now(),
	}
}

func TestLocalStoreWriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewLocalStore(tmpDir, "kmzproc/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	ref := ArtifactRef{BatchID: "b-1", Name: "statements.sql"}
	data := []byte("INSERT INTO working_street_polygon ...;\n")

	exists, err := store.Exists(ctx, ref)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("artifact should not exist before write")
	}

	if err := store.WriteArtifact(ctx, ref, data); err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	if err := store.WriteManifest(ctx, ref.BatchID, testManifest(data)); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	finalPath := filepath.Join(tmpDir, "kmzproc/batch=b-1/statements.sql")
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		t.Error("artifact should exist at final path")
	}
	if _, err := os.Stat(finalPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after write")
	}

	got, err := store.ReadArtifact(ctx, ref)
	if err != nil {
		t.Fatalf("ReadArtifact failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("ReadArtifact = %q, want %q", got, data)
	}

	raw, err := os.ReadFile(filepath.Join(tmpDir, ManifestPath("kmzproc/", "b-1")))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if m.Batch.CounterEnd != 30001 {
		t.Errorf("manifest counter_end = %d, want 30001", m.Batch.CounterEnd)
	}

	exists, err = store.Exists(ctx, ref)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("artifact should exist after write")
	}
}

func TestLocalStoreReadMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	_, err = store.ReadArtifact(context.Background(), ArtifactRef{BatchID: "nope", Name: "statements.sql"})
	if !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("ReadArtifact error = %v, want ErrArtifactNotFound", err)
	}
}

func TestLocalStoreURI(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	uri := store.URI("batch=b-1/statements.sql")
	want := "file://" + filepath.Join(tmpDir, "batch=b-1/statements.sql")
	if uri != want {
		t.Errorf("URI = %q, want %q", uri, want)
	}
}

func TestArtifactRefPath(t *testing.T) {
	ref := ArtifactRef{BatchID: "b-1", Name: "zones.geojson"}
	if got := ref.Path("kmzproc/"); got != "kmzproc/batch=b-1/zones.geojson" {
		t.Errorf("Path = %q", got)
	}
	if got := ManifestPath("", "b-1"); got != "batch=b-1/_manifest.json" {
		t.Errorf("ManifestPath = %q", got)
	}
}

func TestNewArtifactStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewArtifactStore(ctx, StorageConfig{Backend: "none"})
	if err != nil || store != nil {
		t.Errorf("none backend = (%v, %v), want (nil, nil)", store, err)
	}

	if _, err := NewArtifactStore(ctx, StorageConfig{Backend: "local"}); err == nil {
		t.Error("local backend without LocalDir should fail")
	}
	if _, err := NewArtifactStore(ctx, StorageConfig{Backend: "gcs"}); err == nil {
		t.Error("gcs backend without bucket should fail")
	}
	if _, err := NewArtifactStore(ctx, StorageConfig{Backend: "ftp"}); err == nil {
		t.Error("unknown backend should fail")
	}

	store, err = NewArtifactStore(ctx, StorageConfig{Backend: "mem"})
	if err != nil {
		t.Fatalf("mem backend failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*BlobStore); !ok {
		t.Errorf("mem backend returned %T", store)
	}
}
