// Package pipeline runs batches of KML/KMZ uploads through extraction,
// sanitizing, SQL generation and merging, then publishes the artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/archive"
	"github.com/withObsrvr/kmzproc/internal/audit"
	"github.com/withObsrvr/kmzproc/internal/checkpoint"
	"github.com/withObsrvr/kmzproc/internal/config"
	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/logging"
	"github.com/withObsrvr/kmzproc/internal/merge"
	"github.com/withObsrvr/kmzproc/internal/metrics"
	"github.com/withObsrvr/kmzproc/internal/sanitize"
	"github.com/withObsrvr/kmzproc/internal/sequence"
	"github.com/withObsrvr/kmzproc/internal/sqlgen"
	"github.com/withObsrvr/kmzproc/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var (
	// ErrEmptyBatch is returned when a batch has no usable uploads.
	ErrEmptyBatch = errors.New("batch has no documents")

	// ErrBatchExists is returned when the store already holds the batch.
	ErrBatchExists = errors.New("batch already published")
)

// Processor is the single owner of the sequence counter. Run is not safe
// for concurrent use.
type Processor struct {
	cfg        config.Config
	fs         afero.Fs
	store      storage.ArtifactStore
	checkpoint checkpoint.Manager
	audit      audit.Emitter
	metrics    *metrics.Metrics

	extractor *archive.Extractor
	sanitizer *sanitize.Sanitizer
	generator *sqlgen.Generator
	merger    *merge.Merger
	policy    kml.ErrorPolicy
	order     merge.Order

	log *slog.Logger
	now func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithCheckpoint persists the counter after every batch.
func WithCheckpoint(m checkpoint.Manager) Option {
	return func(p *Processor) { p.checkpoint = m }
}

// WithAudit records every published batch in the audit log.
func WithAudit(e audit.Emitter) Option {
	return func(p *Processor) { p.audit = e }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides time.Now for merge timestamps and manifests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a processor staging files on fs. A nil store publishes
// nothing.
func New(cfg config.Config, fs afero.Fs, store storage.ArtifactStore, opts ...Option) (*Processor, error) {
	p := &Processor{
		cfg:   cfg,
		fs:    fs,
		store: store,
		log:   logging.Component("processor"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.checkpoint == nil {
		p.checkpoint, _ = checkpoint.NewManager(fs, checkpoint.Config{})
	}
	if p.audit == nil {
		p.audit, _ = audit.NewEmitter(fs, audit.Config{})
	}

	var err error
	if p.policy, err = kml.ParseErrorPolicy(cfg.Processing.ErrorPolicy); err != nil {
		return nil, err
	}
	if p.order, err = merge.ParseOrder(cfg.Processing.MergeOrder); err != nil {
		return nil, err
	}
	selection, err := archive.ParseSelectionPolicy(cfg.Input.PayloadPolicy)
	if err != nil {
		return nil, err
	}
	extended, err := merge.ParseExtendedDataPolicy(cfg.Processing.ExtendedDataPolicy)
	if err != nil {
		return nil, err
	}

	p.extractor, err = archive.NewExtractor(fs, archive.Config{
		Pattern:       cfg.Input.PayloadGlob,
		Policy:        selection,
		MaxMemberSize: cfg.Input.MaxMemberSize,
	})
	if err != nil {
		return nil, err
	}

	p.generator, err = sqlgen.New(sqlgen.Config{
		Table:         cfg.SQL.Table,
		CompanyID:     cfg.SQL.CompanyID,
		CreatedUserID: cfg.SQL.CreatedUserID,
		Policy:        p.policy,
	})
	if err != nil {
		return nil, err
	}

	p.sanitizer = sanitize.New(fs)
	p.merger = merge.New(fs, merge.Config{
		ExtendedData: extended,
		LastEditUser: cfg.Processing.LastEditUser,
		Now:          func() time.Time { return p.now() },
	})

	return p, nil
}

// StartCounter returns the counter a new batch starts from: the configured
// start, raised to the checkpoint when resuming.
func (p *Processor) StartCounter(ctx context.Context) (sequence.Counter, error) {
	start := sequence.Counter(p.cfg.Sequence.Start)
	if !p.cfg.Sequence.Resume {
		return start, nil
	}

	cp, err := p.checkpoint.Load(ctx)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return start, nil
		}
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	resumed := sequence.Counter(cp.LastCounter)
	if resumed > start {
		p.log.Info("resuming from checkpoint", "counter", resumed.Int64())
	}
	return sequence.Max(start, resumed), nil
}

// Run processes one batch. Uploads are handled strictly in order; under the
// abort policy the first failing upload fails the batch, under skip it is
// recorded in Result.Failed.
func (p *Processor) Run(ctx context.Context, batch Batch) (*Result, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if err := ValidateBatchID(batch.ID); err != nil {
		p.metrics.IncBatchesFailed(batch.City)
		return nil, err
	}
	log := logging.BatchLogger(ctx, batch.ID, batch.City)
	startTime := time.Now()

	res, err := p.run(ctx, batch, log)
	if err != nil {
		p.metrics.IncBatchesFailed(batch.City)
		log.Error("batch failed", "error", err)
		return nil, err
	}

	p.metrics.IncBatchesProcessed(batch.City)
	p.metrics.SetLastCounter(res.CounterEnd.Int64())
	p.metrics.AddPolygonsGenerated(batch.City, res.Polygons())
	p.metrics.AddPlacemarksMerged(batch.City, res.Merged.Placemarks())
	p.metrics.ObserveBatchDuration(batch.City, time.Since(startTime).Seconds())

	log.Info("batch complete",
		"files", len(res.Files),
		"failed", len(res.Failed),
		"polygons", res.Polygons(),
		"placemarks", res.Merged.Placemarks(),
		"counter_start", res.CounterStart.Int64(),
		"counter_end", res.CounterEnd.Int64(),
		"published", res.Published,
		"duration", time.Since(startTime).String(),
	)
	return res, nil
}

func (p *Processor) run(ctx context.Context, batch Batch, log *slog.Logger) (*Result, error) {
	if len(batch.Uploads) == 0 {
		return nil, ErrEmptyBatch
	}

	start, err := p.StartCounter(ctx)
	if err != nil {
		return nil, err
	}

	wd := workdir{root: filepath.Join(p.cfg.Work.Dir, "batch-"+batch.ID)}
	if err := p.fs.MkdirAll(wd.root, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if !p.cfg.Work.Keep {
		defer func() {
			if err := p.fs.RemoveAll(wd.root); err != nil {
				log.Warn("failed to clean work dir", "dir", wd.root, "error", err)
			}
		}()
	}

	res := &Result{
		BatchID:      batch.ID,
		City:         batch.City,
		CounterStart: start,
	}

	counter := start
	var sources []merge.Source
	for _, up := range batch.Uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fr, src, next, err := p.processFile(ctx, wd, batch, up, counter, res)
		if err != nil {
			p.metrics.IncFilesFailed(kml.KindName(err))
			if p.policy == kml.PolicyAbort {
				return nil, fmt.Errorf("process %s: %w", up.Name, err)
			}
			log.Warn("skipping upload", "upload", up.Name, "error", err)
			res.Failed = append(res.Failed, FileError{Upload: up.Name, Err: err})
			continue
		}

		p.metrics.IncFilesProcessed(string(fr.Format))
		p.metrics.AddPlacemarksSkipped(batch.City, len(fr.Skipped))
		res.Files = append(res.Files, *fr)
		sources = append(sources, src)
		counter = next
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("batch %s: all %d uploads failed: %w", batch.ID, len(batch.Uploads), ErrEmptyBatch)
	}

	// Polygon placemarks keep their statement ids; the rest are numbered
	// after the last statement.
	timer := p.timer("merge")
	merged, mergedEnd, err := p.merger.Merge(ctx, sources, counter)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	timer()

	res.Merged = merged
	res.CounterEnd = mergedEnd
	if res.MergedKML, err = merged.Bytes(); err != nil {
		return nil, fmt.Errorf("serialize merged document: %w", err)
	}

	if err := p.publish(ctx, res, log); err != nil {
		return nil, err
	}

	return res, nil
}

// processFile stages, parses and generates statements for one upload.
func (p *Processor) processFile(ctx context.Context, wd workdir, batch Batch, up Upload, counter sequence.Counter, res *Result) (*FileResult, merge.Source, sequence.Counter, error) {
	fr := &FileResult{Upload: up.Name, CounterStart: counter}

	wsid, err := WorkingStreetID(up.Name, p.cfg.Input.WorkingStreetID, batch.City)
	if err != nil {
		return nil, merge.Source{}, counter, err
	}
	fr.WorkingStreetID = wsid

	doc, err := p.stage(ctx, wd, up, fr)
	if err != nil {
		return nil, merge.Source{}, counter, err
	}

	timer := p.timer("generate")
	gen, next, err := p.generator.Generate(ctx, doc, filepath.Base(up.Name), counter, wsid)
	if err != nil {
		if rerr := p.fs.Remove(fr.Payload); rerr != nil {
			p.log.Warn("failed to drop staged payload", "path", fr.Payload, "error", rerr)
		}
		return nil, merge.Source{}, counter, err
	}
	timer()

	fr.CounterEnd = next
	fr.Statements = len(gen.Statements)
	fr.Skipped = gen.Skipped
	res.Statements = append(res.Statements, gen.Statements...)

	src := merge.Source{
		Path:            fr.Payload,
		Doc:             doc,
		WorkingStreetID: wsid,
		Skip:            gen.SkippedIndexes(),
		IDs:             gen.IDs(),
	}
	return fr, src, next, nil
}

// timer starts a stage timer; call the returned func when the stage ends.
func (p *Processor) timer(stage string) func() {
	start := time.Now()
	return func() {
		p.metrics.ObserveStageDuration(stage, time.Since(start).Seconds())
	}
}
