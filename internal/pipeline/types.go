package pipeline

import (
	"strings"

	"github.com/withObsrvr/kmzproc/internal/merge"
	"github.com/withObsrvr/kmzproc/internal/sequence"
	"github.com/withObsrvr/kmzproc/internal/sqlgen"
	"github.com/withObsrvr/kmzproc/internal/storage"
	"github.com/withObsrvr/kmzproc/internal/tables"
)

// Upload is one user-supplied file. Name drives format detection, the
// working-street id and placeholder display names.
type Upload struct {
	Name string
	Data []byte
}

// Batch is a unit of work: every upload shares one counter range.
type Batch struct {
	ID      string // generated when empty
	City    string
	Uploads []Upload
}

// Format is the detected container type of an upload.
type Format string

const (
	FormatKML Format = "kml"
	FormatKMZ Format = "kmz"
)

// FileResult describes one upload that made it into the batch.
type FileResult struct {
	Upload          string
	Format          Format
	Payload         string // path in the working set
	WorkingStreetID string
	CounterStart    sequence.Counter
	CounterEnd      sequence.Counter
	Statements      int
	Skipped         []sqlgen.Skipped
	CDATARemoved    int
}

// FileError records an upload dropped under the skip policy.
type FileError struct {
	Upload string
	Err    error
}

// Result is the outcome of Processor.Run.
type Result struct {
	BatchID      string
	City         string
	CounterStart sequence.Counter
	CounterEnd   sequence.Counter
	Files        []FileResult
	Failed       []FileError
	Statements   []sqlgen.Statement
	Merged       *merge.Result
	MergedKML    []byte
	Coordinates  []tables.CoordinateRow
	Output       *tables.Output
	Manifest     *storage.Manifest
	Validation   ValidationResult
	Published    bool
}

// SQL joins every generated statement, one per line.
func (r *Result) SQL() string {
	lines := make([]string, len(r.Statements))
	for i, s := range r.Statements {
		lines[i] = s.SQL
	}
	return strings.Join(lines, "\n")
}

// Polygons returns the number of generated statements.
func (r *Result) Polygons() int {
	return len(r.Statements)
}
