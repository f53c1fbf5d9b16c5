// Package archive extracts the KML payload from KMZ (zip) containers.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/logging"
)

// DefaultPattern selects the payload by its base name.
const DefaultPattern = "*doc.kml"

// SelectionPolicy decides what happens when several members match.
type SelectionPolicy string

const (
	// SelectFirst takes the lexically first matching member.
	SelectFirst SelectionPolicy = "first"
	// SelectStrict fails with kml.ErrConflict.
	SelectStrict SelectionPolicy = "strict"
)

// ParseSelectionPolicy validates a policy name. Empty means SelectFirst.
func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch SelectionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SelectFirst:
		return SelectFirst, nil
	case SelectStrict:
		return SelectStrict, nil
	default:
		return "", fmt.Errorf("unknown payload policy %q (want first or strict)", s)
	}
}

// Config configures an Extractor.
type Config struct {
	Pattern       string          // glob matched against member base names
	Policy        SelectionPolicy // behaviour on several matches
	MaxMemberSize int64           // 0 means unlimited
}

// Extractor unpacks archives onto a filesystem.
type Extractor struct {
	fs     afero.Fs
	cfg    Config
	logger *slog.Logger
}

// NewExtractor creates an extractor writing through fs.
func NewExtractor(fs afero.Fs, cfg Config) (*Extractor, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("invalid payload pattern %q", cfg.Pattern)
	}
	if cfg.Policy == "" {
		cfg.Policy = SelectFirst
	}

	return &Extractor{
		fs:     fs,
		cfg:    cfg,
		logger: logging.Component("extractor"),
	}, nil
}

// Extract writes every member of the archive below targetDir and returns
// the path of the payload document. Extracted files are left in place.
func (e *Extractor) Extract(ctx context.Context, archivePath, targetDir string) (string, error) {
	f, err := e.fs.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat archive %s: %w", archivePath, err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return "", kml.Malformed(archivePath, kml.NoPlacemark, "read zip", err)
	}

	if err := e.fs.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("create target directory %s: %w", targetDir, err)
	}

	var matches []string
	for _, member := range zr.File {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		dest, err := memberPath(targetDir, member.Name)
		if err != nil {
			return "", kml.Malformed(archivePath, kml.NoPlacemark, "member path", err)
		}

		if member.FileInfo().IsDir() {
			if err := e.fs.MkdirAll(dest, 0755); err != nil {
				return "", fmt.Errorf("create directory %s: %w", dest, err)
			}
			continue
		}

		if err := e.writeMember(member, dest); err != nil {
			return "", fmt.Errorf("extract %s from %s: %w", member.Name, archivePath, err)
		}

		ok, err := doublestar.Match(e.cfg.Pattern, path.Base(member.Name))
		if err != nil {
			return "", fmt.Errorf("match payload pattern: %w", err)
		}
		if ok {
			matches = append(matches, member.Name)
		}
	}

	payload, err := e.selectPayload(archivePath, matches)
	if err != nil {
		return "", err
	}

	e.logger.Debug("extracted archive",
		"archive", archivePath,
		"members", len(zr.File),
		"payload", payload,
	)

	dest, _ := memberPath(targetDir, payload)
	return dest, nil
}

func (e *Extractor) selectPayload(archivePath string, matches []string) (string, error) {
	switch len(matches) {
	case 0:
		return "", kml.NotFound(archivePath, fmt.Sprintf("no member matches %q", e.cfg.Pattern))
	case 1:
		return matches[0], nil
	}

	sort.Strings(matches)
	if e.cfg.Policy == SelectStrict {
		return "", kml.Conflict(archivePath, fmt.Sprintf("%d members match %q: %s",
			len(matches), e.cfg.Pattern, strings.Join(matches, ", ")))
	}

	e.logger.Warn("several payload candidates, taking the first",
		"archive", archivePath,
		"candidates", matches,
		"selected", matches[0],
	)
	return matches[0], nil
}

func (e *Extractor) writeMember(member *zip.File, dest string) error {
	if limit := e.cfg.MaxMemberSize; limit > 0 && int64(member.UncompressedSize64) > limit {
		return fmt.Errorf("member size %d exceeds limit %d", member.UncompressedSize64, limit)
	}

	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("open member: %w", err)
	}
	defer rc.Close()

	if err := e.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	out, err := e.fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	var r io.Reader = rc
	if limit := e.cfg.MaxMemberSize; limit > 0 {
		r = io.LimitReader(rc, limit)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return out.Close()
}

// memberPath resolves a member name below dir, rejecting names that escape it.
func memberPath(dir, name string) (string, error) {
	n := strings.ReplaceAll(name, `\`, "/")
	if n == "" || path.IsAbs(n) {
		return "", fmt.Errorf("member %q escapes the target directory", name)
	}
	clean := path.Clean(n)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("member %q escapes the target directory", name)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}
