package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/logging"
)

// Config configures the emitter.
type Config struct {
	Enabled  bool
	Dir      string // event files and chain heads
	Endpoint string // optional HTTP collector
}

// Emitter records published batches.
type Emitter interface {
	EmitBatch(ctx context.Context, evt Event) error
	Close() error
}

// NewEmitter creates an emitter based on configuration: a no-op when
// disabled, an HTTP emitter when an endpoint is set, files otherwise.
func NewEmitter(fs afero.Fs, cfg Config) (Emitter, error) {
	log := logging.Component("audit")

	if !cfg.Enabled {
		log.Debug("audit log disabled")
		return noopEmitter{}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit dir is required")
	}

	if cfg.Endpoint != "" {
		e, err := NewHTTPEmitter(fs, cfg.Dir, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint, "dir", cfg.Dir)
		return e, nil
	}

	e, err := NewFileEmitter(fs, cfg.Dir)
	if err != nil {
		return nil, err
	}
	log.Info("using file audit emitter", "dir", cfg.Dir)
	return e, nil
}

// prepare fills the event header and links it into its chain.
func prepare(ct *ChainTracker, evt *Event, now time.Time) error {
	prev, err := ct.GetHead(evt.Batch.ChainKey())
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	evt.Version = SchemaVersion
	evt.EventType = EventType
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now.UTC()
	}
	evt.SetChainHashes(prev)
	return nil
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) EmitBatch(context.Context, Event) error { return nil }

func (noopEmitter) Close() error { return nil }
