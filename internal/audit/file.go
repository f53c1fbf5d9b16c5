package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/logging"
)

// FileBackup saves events as JSON files.
type FileBackup struct {
	fs  afero.Fs
	dir string
}

// NewFileBackup creates a file backup handler writing to dir.
func NewFileBackup(fs afero.Fs, dir string) (*FileBackup, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileBackup{fs: fs, dir: dir}, nil
}

// filename is {processor}_{start:020d}-{end}_{batch}.json so that a
// directory listing is in counter order.
func filename(evt *Event) string {
	return fmt.Sprintf("%s_%020d-%d_%s.json",
		evt.Batch.ProcessorID, evt.Batch.CounterStart, evt.Batch.CounterEnd, evt.Batch.ID)
}

// Save writes an event to its own JSON file.
func (f *FileBackup) Save(evt *Event) (string, error) {
	path := filepath.Join(f.dir, filename(evt))

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if err := afero.WriteFile(f.fs, path, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Events reads back every event of a processor, oldest first.
func (f *FileBackup) Events(processorID string) ([]Event, error) {
	matches, err := afero.Glob(f.fs, filepath.Join(f.dir, processorID+"_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	events := make([]Event, 0, len(matches))
	for _, path := range matches {
		if strings.HasSuffix(path, ChainHeadsFile) {
			continue
		}
		data, err := afero.ReadFile(f.fs, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		events = append(events, evt)
	}

	// Equal start values only happen on overlap; keep emission order there.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Batch.CounterStart != events[j].Batch.CounterStart {
			return events[i].Batch.CounterStart < events[j].Batch.CounterStart
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// FileEmitter writes events to local files only.
type FileEmitter struct {
	chain  *ChainTracker
	backup *FileBackup
	log    *slog.Logger
	now    func() time.Time
}

// NewFileEmitter creates an emitter that only writes to local files.
func NewFileEmitter(fs afero.Fs, dir string) (*FileEmitter, error) {
	chain, err := NewChainTracker(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	backup, err := NewFileBackup(fs, dir)
	if err != nil {
		return nil, err
	}
	return &FileEmitter{
		chain:  chain,
		backup: backup,
		log:    logging.Component("audit"),
		now:    time.Now,
	}, nil
}

// EmitBatch links the event into its chain and writes it.
func (e *FileEmitter) EmitBatch(ctx context.Context, evt Event) error {
	if err := prepare(e.chain, &evt, e.now()); err != nil {
		return err
	}

	path, err := e.backup.Save(&evt)
	if err != nil {
		return err
	}
	e.log.Info("audit event written",
		"batch_id", evt.Batch.ID,
		"counter_start", evt.Batch.CounterStart,
		"counter_end", evt.Batch.CounterEnd,
		"event_hash", evt.Chain.EventHash,
		"path", path,
	)

	if err := e.chain.SetHead(evt.Batch.ChainKey(), evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// Events returns the recorded events of a processor, oldest first.
func (e *FileEmitter) Events(processorID string) ([]Event, error) {
	return e.backup.Events(processorID)
}

// Close releases resources.
func (e *FileEmitter) Close() error {
	return nil
}
