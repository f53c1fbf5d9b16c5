package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/archive"
	"github.com/withObsrvr/kmzproc/internal/audit"
	"github.com/withObsrvr/kmzproc/internal/checkpoint"
	"github.com/withObsrvr/kmzproc/internal/merge"
	"github.com/withObsrvr/kmzproc/internal/sanitize"
	"github.com/withObsrvr/kmzproc/internal/sequence"
	"github.com/withObsrvr/kmzproc/internal/storage"
	"github.com/withObsrvr/kmzproc/internal/tables"
)

// publish is the commit lifecycle of a batch. The order matters:
//  1. Build every artifact in memory and checksum it
//  2. Validate the outputs
//  3. Refuse to overwrite an existing batch
//  4. Write the artifacts, then the manifest (readers key off the manifest)
//  5. Save the checkpoint
//  6. Record the batch in the audit log
func (p *Processor) publish(ctx context.Context, res *Result, log *slog.Logger) error {
	timer := p.timer("publish")
	defer timer()

	out, err := p.buildOutput(res)
	if err != nil {
		return err
	}
	res.Output = out
	res.Manifest = p.buildManifest(res)

	res.Validation = ValidateBatch(res)
	for _, w := range res.Validation.Warnings {
		log.Warn("validation warning", "warning", w)
	}
	if !res.Validation.Passed {
		return fmt.Errorf("batch %s failed validation: %s", res.BatchID, strings.Join(res.Validation.Errors, "; "))
	}

	if p.store != nil {
		primary := storage.ArtifactRef{BatchID: res.BatchID, Name: tables.StatementsFile}
		if exists, err := p.store.Exists(ctx, primary); err != nil {
			log.Warn("existence check failed", "error", err)
		} else if exists {
			return fmt.Errorf("%s: %w", res.BatchID, ErrBatchExists)
		}

		for _, name := range out.Names() {
			ref := storage.ArtifactRef{BatchID: res.BatchID, Name: name}
			if err := p.store.WriteArtifact(ctx, ref, out.Files[name]); err != nil {
				p.metrics.IncStorageErrors(p.cfg.Storage.Backend)
				return fmt.Errorf("write %s: %w", name, err)
			}
			p.metrics.ObserveArtifactBytes(name, len(out.Files[name]))
		}
		if err := p.store.WriteManifest(ctx, res.BatchID, res.Manifest); err != nil {
			p.metrics.IncStorageErrors(p.cfg.Storage.Backend)
			return fmt.Errorf("write manifest: %w", err)
		}
		res.Published = true
		log.Info("published batch",
			"artifacts", len(out.Files),
			"uri", p.store.URI(storage.ManifestPath(p.cfg.Storage.Prefix, res.BatchID)),
		)
	}

	cp := &checkpoint.Checkpoint{
		LastCounter: res.CounterEnd.Int64(),
		LastBatch: &checkpoint.BatchInfo{
			ID:           res.BatchID,
			CounterStart: res.CounterStart.Int64(),
			CounterEnd:   res.CounterEnd.Int64(),
			Checksum:     out.Checksums[tables.StatementsFile],
		},
		UpdatedAt: p.now().UTC(),
	}
	if err := p.checkpoint.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	// The batch is committed at this point; audit failures are logged only.
	if err := p.audit.EmitBatch(ctx, p.auditEvent(res)); err != nil {
		log.Warn("failed to emit audit event", "error", err)
	}
	return nil
}

// auditEvent describes the published batch for the audit log.
func (p *Processor) auditEvent(res *Result) audit.Event {
	artifacts := make(map[string]audit.ArtifactInfo, len(res.Manifest.Artifacts))
	for name, a := range res.Manifest.Artifacts {
		info := audit.ArtifactInfo{
			Checksum: a.Checksum,
			RowCount: a.RowCount,
			ByteSize: a.ByteSize,
		}
		if res.Published {
			ref := storage.ArtifactRef{BatchID: res.BatchID, Name: name}
			info.StoragePath = p.store.URI(ref.Path(p.cfg.Storage.Prefix))
		}
		artifacts[name] = info
	}

	return audit.Event{
		Timestamp: res.Manifest.CreatedAt,
		Batch: audit.BatchInfo{
			ProcessorID:  p.cfg.Checkpoint.ProcessorID,
			ID:           res.BatchID,
			City:         res.City,
			Files:        res.Manifest.Batch.Files,
			CounterStart: res.CounterStart.Int64(),
			CounterEnd:   res.CounterEnd.Int64(),
		},
		Artifacts: artifacts,
		Producer: audit.ProducerInfo{
			Name:    res.Manifest.Producer.Name,
			Version: res.Manifest.Producer.Version,
			GitSHA:  res.Manifest.Producer.GitSHA,
		},
	}
}

// buildOutput renders every artifact of the batch.
func (p *Processor) buildOutput(res *Result) (*tables.Output, error) {
	out := tables.NewOutput()

	sql := res.SQL()
	if sql != "" {
		sql += "\n"
	}
	out.Add(tables.StatementsFile, []byte(sql), int64(len(res.Statements)))
	out.Add(tables.MergedFile, res.MergedKML, int64(res.Merged.Placemarks()))

	res.Coordinates = tables.CoordinateRows(res.Statements)
	coords, err := tables.WriteCoordinatesParquet(res.Coordinates)
	if err != nil {
		return nil, err
	}
	out.Add(tables.CoordinatesFile, coords, int64(len(res.Coordinates)))

	zones, err := tables.ZonesGeoJSON(res.Statements)
	if err != nil {
		return nil, err
	}
	out.Add(tables.ZonesFile, zones, int64(len(res.Statements)))

	payloads := make([]string, len(res.Files))
	for i, f := range res.Files {
		payloads[i] = f.Payload
	}
	bundle, n, err := archive.Bundle(p.fs, payloads)
	if err != nil {
		return nil, err
	}
	out.Add(tables.BundleFile, bundle, int64(n))

	return out, nil
}

// buildManifest describes the batch output.
func (p *Processor) buildManifest(res *Result) *storage.Manifest {
	artifacts := make(map[string]storage.ArtifactInfo, len(res.Output.Files))
	for _, name := range res.Output.Names() {
		artifacts[name] = storage.ArtifactInfo{
			File:     name,
			Checksum: res.Output.Checksums[name],
			RowCount: res.Output.RowCounts[name],
			ByteSize: int64(len(res.Output.Files[name])),
		}
	}

	files := make([]string, len(res.Files))
	for i, f := range res.Files {
		files[i] = f.Upload
	}

	return &storage.Manifest{
		Batch: storage.BatchInfo{
			ID:           res.BatchID,
			City:         res.City,
			Files:        files,
			CounterStart: res.CounterStart.Int64(),
			CounterEnd:   res.CounterEnd.Int64(),
			Polygons:     len(res.Statements),
			Placemarks:   res.Merged.Placemarks(),
		},
		Artifacts: artifacts,
		Producer: storage.ProducerInfo{
			Name:    "kmzproc",
			Version: Version,
			GitSHA:  GitSHA,
		},
		CreatedAt: p.now().UTC(),
	}
}

// MergeDirectory merges the *.kml files under dir in the configured order,
// numbering from counter.
func (p *Processor) MergeDirectory(ctx context.Context, dir string, counter sequence.Counter) (*merge.Result, sequence.Counter, error) {
	return p.merger.MergeDir(ctx, dir, p.order, counter)
}

// SanitizeDirectory rewrites every *.kml file directly under dir in place.
// It stops at the first file that cannot be sanitized.
func (p *Processor) SanitizeDirectory(dir string) ([]sanitize.Result, error) {
	infos, err := afero.ReadDir(p.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var out []sanitize.Result
	for _, fi := range infos {
		if fi.IsDir() || !strings.EqualFold(filepath.Ext(fi.Name()), ".kml") {
			continue
		}
		res, err := p.sanitizer.Sanitize(filepath.Join(dir, fi.Name()))
		if err != nil {
			return out, err
		}
		p.metrics.AddCDATABlocksRemoved(res.CDATARemoved)
		out = append(out, res)
	}
	return out, nil
}
