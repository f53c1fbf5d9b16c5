package archive

import (
	"bytes"
	"fmt"
	"path/filepath"
	"slices"
	"sort"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
)

// Bundle zips the given files, ordered by base name, with the base names
// as member names. Two files with the same base name are rejected.
func Bundle(fs afero.Fs, paths []string) ([]byte, int, error) {
	sorted := slices.Clone(paths)
	sort.SliceStable(sorted, func(i, j int) bool {
		return filepath.Base(sorted[i]) < filepath.Base(sorted[j])
	})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := make(map[string]bool, len(sorted))
	for _, p := range sorted {
		name := filepath.Base(p)
		if seen[name] {
			return nil, 0, fmt.Errorf("bundle member %s added twice", name)
		}
		seen[name] = true

		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", p, err)
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, 0, fmt.Errorf("add %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, 0, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("close bundle: %w", err)
	}
	return buf.Bytes(), len(sorted), nil
}
