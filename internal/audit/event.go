// Package audit keeps a tamper-evident, hash-chained log of published
// batches: which files went in, which counter range was issued and the
// checksum of every artifact that came out.
package audit

import (
	"time"
)

// EventType is the type of every event this package emits.
const EventType = "batch_published"

// SchemaVersion is the event schema version.
const SchemaVersion = "1.0"

// Event is the audit record of one published batch.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Batch     BatchInfo               `json:"batch"`
	Artifacts map[string]ArtifactInfo `json:"artifacts"`
	Producer  ProducerInfo            `json:"producer"`
	Chain     ChainInfo               `json:"chain"`
}

// BatchInfo identifies the batch and the counter range it consumed.
type BatchInfo struct {
	ProcessorID  string   `json:"processor_id"`
	ID           string   `json:"id"`
	City         string   `json:"city,omitempty"`
	Files        []string `json:"files"`
	CounterStart int64    `json:"counter_start"`
	CounterEnd   int64    `json:"counter_end"`
}

// ArtifactInfo contains checksum and location of a single artifact.
type ArtifactInfo struct {
	Checksum    string `json:"checksum"`
	RowCount    int64  `json:"row_count"`
	ByteSize    int64  `json:"byte_size"`
	StoragePath string `json:"storage_path,omitempty"`
}

// ProducerInfo identifies the software that produced the batch.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain this event belongs to. Counter ranges are
// issued per processor, so each processor has its own chain.
func (b BatchInfo) ChainKey() string {
	return b.ProcessorID
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
