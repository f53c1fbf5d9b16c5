package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Artifact file names.
const (
	StatementsFile  = "statements.sql"
	MergedFile      = "merged_output.kml"
	CoordinatesFile = "coordinates.parquet"
	ZonesFile       = "zones.geojson"
	BundleFile      = "kml_files.zip"
)

// Output collects the artifacts of one batch with their checksums and
// row counts.
type Output struct {
	Files     map[string][]byte
	Checksums map[string]string
	RowCounts map[string]int64
}

// NewOutput returns an empty output.
func NewOutput() *Output {
	return &Output{
		Files:     make(map[string][]byte),
		Checksums: make(map[string]string),
		RowCounts: make(map[string]int64),
	}
}

// Add records an artifact. rows is the number of records it holds.
func (o *Output) Add(name string, data []byte, rows int64) {
	o.Files[name] = data
	o.Checksums[name] = ComputeChecksum(data)
	o.RowCounts[name] = rows
}

// Names returns the artifact names in lexical order.
func (o *Output) Names() []string {
	names := make([]string, 0, len(o.Files))
	for n := range o.Files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies that data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}
