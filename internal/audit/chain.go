package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	// ErrNoChainHead indicates no previous event exists for this chain.
	ErrNoChainHead = errors.New("no chain head found")

	// ErrBrokenChain is returned by VerifyChain when events do not link up.
	ErrBrokenChain = errors.New("audit chain broken")

	// ErrCounterOverlap is returned by VerifyChain when a batch reissued
	// counter values already consumed by an earlier batch.
	ErrCounterOverlap = errors.New("counter ranges overlap")
)

// ChainHeadsFile stores the last event hash of every chain.
const ChainHeadsFile = "chain-heads.json"

// ComputeEventHash computes the SHA256 hash of an event over its JSON
// form with the event_hash field cleared.
func ComputeEventHash(evt *Event) string {
	cp := *evt
	cp.Chain.EventHash = ""

	// json.Marshal sorts map keys, so the form is stable.
	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChain checks that events, oldest first, form one unbroken chain
// and that their counter ranges never go backwards.
func VerifyChain(events []Event) error {
	prev := ""
	var lastEnd int64
	for i := range events {
		evt := &events[i]
		if got := ComputeEventHash(evt); got != evt.Chain.EventHash {
			return fmt.Errorf("event %d (%s): hash %s, recorded %s: %w", i, evt.Batch.ID, got, evt.Chain.EventHash, ErrBrokenChain)
		}
		if evt.Chain.PrevEventHash != prev {
			return fmt.Errorf("event %d (%s): prev hash %q, expected %q: %w", i, evt.Batch.ID, evt.Chain.PrevEventHash, prev, ErrBrokenChain)
		}
		if i > 0 && evt.Batch.CounterStart < lastEnd {
			return fmt.Errorf("event %d (%s): starts at %d, previous batch ended at %d: %w",
				i, evt.Batch.ID, evt.Batch.CounterStart, lastEnd, ErrCounterOverlap)
		}
		prev = evt.Chain.EventHash
		lastEnd = evt.Batch.CounterEnd
	}
	return nil
}

// ChainTracker manages the chain heads used for event linking.
type ChainTracker struct {
	mu    sync.RWMutex
	fs    afero.Fs
	heads map[string]string // chainKey -> eventHash
	path  string
}

// NewChainTracker creates a chain tracker that persists to dir.
func NewChainTracker(fs afero.Fs, dir string) (*ChainTracker, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain tracker dir: %w", err)
	}

	ct := &ChainTracker{
		fs:    fs,
		heads: make(map[string]string),
		path:  filepath.Join(dir, ChainHeadsFile),
	}

	if err := ct.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load chain heads: %w", err)
	}

	return ct, nil
}

// GetHead returns the last event hash for a chain.
func (ct *ChainTracker) GetHead(chainKey string) (string, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	hash, ok := ct.heads[chainKey]
	if !ok || hash == "" {
		return "", ErrNoChainHead
	}
	return hash, nil
}

// SetHead updates the chain head after a successful emission.
func (ct *ChainTracker) SetHead(chainKey, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.heads[chainKey] = eventHash
	return ct.save()
}

func (ct *ChainTracker) load() error {
	data, err := afero.ReadFile(ct.fs, ct.path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &ct.heads)
}

func (ct *ChainTracker) save() error {
	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := ct.path + ".tmp"
	if err := afero.WriteFile(ct.fs, tmpPath, data, 0644); err != nil {
		return err
	}
	return ct.fs.Rename(tmpPath, ct.path)
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "audit_evt_" + uuid.NewString()
}
