package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records the last sequence counter consumed by a processor so a
// restarted process keeps handing out unique record names.
type Checkpoint struct {
	ProcessorID string     `json:"processor_id"`
	LastCounter int64      `json:"last_counter"`
	LastBatch   *BatchInfo `json:"last_batch,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BatchInfo describes the last committed batch.
type BatchInfo struct {
	ID           string `json:"id"`
	CounterStart int64  `json:"counter_start"`
	CounterEnd   int64  `json:"counter_end"`
	Checksum     string `json:"checksum,omitempty"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the current checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled     bool
	Dir         string // Directory for checkpoint files
	ProcessorID string
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(fs afero.Fs, cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}
	if cfg.ProcessorID == "" {
		return nil, fmt.Errorf("checkpoint processor id is required")
	}

	if err := fs.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{fs: fs, dir: cfg.Dir, id: cfg.ProcessorID}, nil
}

// fileManager persists checkpoints as JSON files.
type fileManager struct {
	fs  afero.Fs
	dir string
	id  string
}

func (m *fileManager) path() string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", m.id))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := afero.ReadFile(m.fs, m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.ProcessorID == "" {
		cp.ProcessorID = m.id
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := m.path()
	tempPath := path + ".tmp"
	if err := afero.WriteFile(m.fs, tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := m.fs.Rename(tempPath, path); err != nil {
		m.fs.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
