package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/kmzproc/internal/kml"
)

const zoneKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2"><Document>
<Placemark><name>NULL</name>
<Polygon><outerBoundaryIs><LinearRing><coordinates>16.0,45.0 16.1,45.0 16.1,45.1 16.0,45.1 16.0,45.0</coordinates></LinearRing></outerBoundaryIs></Polygon>
</Placemark>
</Document></kml>`

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("WORK_DIR", filepath.Join(dir, "work"))
	t.Setenv("STORAGE_BACKEND", "none")
	t.Setenv("AUDIT_DIR", filepath.Join(dir, "audit"))
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestProcessCommand(t *testing.T) {
	dir := isolate(t)
	t.Setenv("AUDIT_ENABLED", "true")

	input := filepath.Join(dir, "zagreb_001.kml")
	require.NoError(t, os.WriteFile(input, []byte(zoneKML), 0644))
	merged := filepath.Join(dir, "merged.kml")

	t.Run("Should print SQL and write the merged document", func(t *testing.T) {
		out, err := execute(t, "process", "--city", "Zagreb", "--start", "S41000", "--merged-out", merged, input)
		require.NoError(t, err)
		assert.Contains(t, out, "S41001")
		assert.Contains(t, out, "POLYGON")

		data, err := os.ReadFile(merged)
		require.NoError(t, err)
		assert.Contains(t, string(data), "S41001 zagreb")
	})

	t.Run("Should verify the audit log it wrote", func(t *testing.T) {
		out, err := execute(t, "verify-audit")
		require.NoError(t, err)
		assert.Contains(t, out, "1 events verified")
	})

	t.Run("Should reject a bad start value", func(t *testing.T) {
		_, err := execute(t, "process", "--city", "Zagreb", "--start", "X1", input)
		assert.Error(t, err)
	})

	t.Run("Should need a city when the file name has no uuid", func(t *testing.T) {
		_, err := execute(t, "process", input)
		assert.ErrorIs(t, err, kml.ErrNotFound)
	})

	t.Run("Should take the working street id from the file name", func(t *testing.T) {
		named := filepath.Join(dir, "zone_5d3c2a10-8f4e-4b7a-9c1d-0e2f3a4b5c6d.kml")
		require.NoError(t, os.WriteFile(named, []byte(zoneKML), 0644))

		out, err := execute(t, "process", named)
		require.NoError(t, err)
		assert.Contains(t, out, "'5d3c2a10-8f4e-4b7a-9c1d-0e2f3a4b5c6d'")
	})

	t.Run("Should accept a working street id without a city", func(t *testing.T) {
		out, err := execute(t, "process", "--working-street-id", "WS-7", input)
		require.NoError(t, err)
		assert.Contains(t, out, "'WS-7'")
	})
}

func TestMergeCommand(t *testing.T) {
	dir := isolate(t)
	kmlDir := filepath.Join(dir, "kml")
	require.NoError(t, os.MkdirAll(kmlDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(kmlDir, "zagreb_001.kml"), []byte(zoneKML), 0644))

	out, err := execute(t, "merge", "--start", "30000", kmlDir)
	require.NoError(t, err)
	assert.Contains(t, out, "<name>S30001")

	t.Run("Should sanitize the directory before merging", func(t *testing.T) {
		out, err := execute(t, "merge", "--start", "30000", "--sanitize", kmlDir)
		require.NoError(t, err)
		assert.Contains(t, out, "<name>S30001 zagreb</name>")

		data, err := os.ReadFile(filepath.Join(kmlDir, "zagreb_001.kml"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "<name>zagreb</name>")
	})
}
