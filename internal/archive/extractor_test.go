package archive

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/kmzproc/internal/kml"
)

type member struct {
	name string
	body string
}

func buildZip(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(m.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, fs afero.Fs, name string, data []byte) string {
	t.Helper()
	p := filepath.Join("/in", name)
	require.NoError(t, afero.WriteFile(fs, p, data, 0644))
	return p
}

func TestExtract(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return the single payload and extract every member", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "zagreb_001.kmz", buildZip(t,
			member{"doc.kml", "<kml/>"},
			member{"files/icon.png", "png"},
		))

		ex, err := NewExtractor(fs, Config{})
		require.NoError(t, err)

		got, err := ex.Extract(ctx, src, "/work/zagreb_001")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/work/zagreb_001", "doc.kml"), got)

		body, err := afero.ReadFile(fs, got)
		require.NoError(t, err)
		assert.Equal(t, "<kml/>", string(body))

		ok, err := afero.Exists(fs, "/work/zagreb_001/files/icon.png")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should match names ending in doc.kml", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "a.kmz", buildZip(t, member{"zonesdoc.kml", "<kml/>"}))

		ex, err := NewExtractor(fs, Config{})
		require.NoError(t, err)

		got, err := ex.Extract(ctx, src, "/work/a")
		require.NoError(t, err)
		assert.Equal(t, "zonesdoc.kml", filepath.Base(got))
	})

	t.Run("Should fail with not found when nothing matches", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "a.kmz", buildZip(t, member{"readme.txt", "hi"}))

		ex, err := NewExtractor(fs, Config{})
		require.NoError(t, err)

		_, err = ex.Extract(ctx, src, "/work/a")
		require.Error(t, err)
		assert.True(t, errors.Is(err, kml.ErrNotFound))
	})

	t.Run("Should take the lexically first match by default", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "a.kmz", buildZip(t,
			member{"z/doc.kml", "second"},
			member{"a/doc.kml", "first"},
		))

		ex, err := NewExtractor(fs, Config{})
		require.NoError(t, err)

		got, err := ex.Extract(ctx, src, "/work/a")
		require.NoError(t, err)
		body, err := afero.ReadFile(fs, got)
		require.NoError(t, err)
		assert.Equal(t, "first", string(body))
	})

	t.Run("Should fail with conflict under the strict policy", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "a.kmz", buildZip(t,
			member{"doc.kml", "1"},
			member{"old/doc.kml", "2"},
		))

		ex, err := NewExtractor(fs, Config{Policy: SelectStrict})
		require.NoError(t, err)

		_, err = ex.Extract(ctx, src, "/work/a")
		require.Error(t, err)
		assert.True(t, errors.Is(err, kml.ErrConflict))
	})

	t.Run("Should reject members escaping the target directory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "a.kmz", buildZip(t, member{"../evil/doc.kml", "x"}))

		ex, err := NewExtractor(fs, Config{})
		require.NoError(t, err)

		_, err = ex.Extract(ctx, src, "/work/a")
		require.Error(t, err)
		assert.True(t, errors.Is(err, kml.ErrMalformedInput))
	})

	t.Run("Should reject data that is not a zip", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "a.kmz", []byte("<kml/>"))

		ex, err := NewExtractor(fs, Config{})
		require.NoError(t, err)

		_, err = ex.Extract(ctx, src, "/work/a")
		require.Error(t, err)
		assert.True(t, errors.Is(err, kml.ErrMalformedInput))
	})

	t.Run("Should enforce the member size limit", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		src := writeArchive(t, fs, "a.kmz", buildZip(t, member{"doc.kml", "0123456789"}))

		ex, err := NewExtractor(fs, Config{MaxMemberSize: 4})
		require.NoError(t, err)

		_, err = ex.Extract(ctx, src, "/work/a")
		assert.ErrorContains(t, err, "exceeds limit")
	})
}

func TestNewExtractorPattern(t *testing.T) {
	_, err := NewExtractor(afero.NewMemMapFs(), Config{Pattern: "[doc.kml"})
	assert.Error(t, err)
}

func TestParseSelectionPolicy(t *testing.T) {
	p, err := ParseSelectionPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SelectFirst, p)

	p, err = ParseSelectionPolicy("Strict")
	require.NoError(t, err)
	assert.Equal(t, SelectStrict, p)

	_, err = ParseSelectionPolicy("last")
	assert.Error(t, err)
}

func TestMemberPath(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "doc.kml"},
		{name: "files/doc.kml"},
		{name: "a/../doc.kml"},
		{name: "../doc.kml", wantErr: true},
		{name: "/etc/doc.kml", wantErr: true},
		{name: `..\doc.kml`, wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := memberPath("/work", tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
