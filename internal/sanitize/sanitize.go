// Package sanitize rewrites raw KML text before it is parsed: CDATA blocks
// are dropped and "NULL" placemark names are replaced with a name derived
// from the file.
package sanitize

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/logging"
)

var (
	cdataOpen  = []byte("<![CDATA[")
	cdataClose = []byte("]]>")

	// NullName is the placeholder written by the upstream editor for
	// placemarks that were never named.
	NullName = []byte("<name>NULL</name>")
)

// StripCDATA removes every CDATA block, markers and contents included.
// It returns the rewritten content and the number of blocks removed. An
// opening marker without a closing marker is kml.ErrMalformedInput.
// StripCDATA(StripCDATA(x)) == StripCDATA(x).
func StripCDATA(content []byte) ([]byte, int, error) {
	total := 0
	for {
		out, n, err := stripOnce(content)
		if err != nil {
			return nil, total, err
		}
		if n == 0 {
			return out, total, nil
		}
		total += n
		content = out
	}
}

// stripOnce is a single left-to-right pass. Removing a block can splice a
// new opening marker together, hence the loop in StripCDATA.
func stripOnce(content []byte) ([]byte, int, error) {
	if !bytes.Contains(content, cdataOpen) {
		return content, 0, nil
	}

	out := make([]byte, 0, len(content))
	removed := 0
	rest := content
	offset := 0
	for {
		start := bytes.Index(rest, cdataOpen)
		if start < 0 {
			out = append(out, rest...)
			return out, removed, nil
		}
		end := bytes.Index(rest[start+len(cdataOpen):], cdataClose)
		if end < 0 {
			return nil, removed, fmt.Errorf("unterminated CDATA section at byte %d", offset+start)
		}
		out = append(out, rest[:start]...)
		skip := start + len(cdataOpen) + end + len(cdataClose)
		rest = rest[skip:]
		offset += skip
		removed++
	}
}

// DisplayName derives a placemark name from a file path: the base name
// without extension, cut at the first underscore.
// "uploads/zagreb_001.kml" -> "zagreb".
func DisplayName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.Index(base, "_"); i >= 0 {
		return base[:i]
	}
	return base
}

// ReplacePlaceholder replaces every <name>NULL</name> with the escaped
// display name of path. It returns the number of replacements.
func ReplacePlaceholder(content []byte, path string) ([]byte, int) {
	n := bytes.Count(content, NullName)
	if n == 0 {
		return content, 0
	}

	var name bytes.Buffer
	name.WriteString("<name>")
	xml.EscapeText(&name, []byte(DisplayName(path)))
	name.WriteString("</name>")

	return bytes.ReplaceAll(content, NullName, name.Bytes()), n
}

// Result describes one sanitized file.
type Result struct {
	Path         string
	CDATARemoved int
	NamesFilled  int
}

// Sanitizer rewrites files in place.
type Sanitizer struct {
	fs     afero.Fs
	logger *slog.Logger
}

// New creates a sanitizer operating on fs.
func New(fs afero.Fs) *Sanitizer {
	return &Sanitizer{fs: fs, logger: logging.Component("sanitizer")}
}

// Bytes applies both rewrites to content read from path.
func (s *Sanitizer) Bytes(path string, content []byte) ([]byte, Result, error) {
	res := Result{Path: path}

	out, removed, err := StripCDATA(content)
	if err != nil {
		return nil, res, kml.Malformed(path, kml.NoPlacemark, "strip cdata", err)
	}
	res.CDATARemoved = removed

	out, res.NamesFilled = ReplacePlaceholder(out, path)
	return out, res, nil
}

// Sanitize rewrites the file at path in place.
func (s *Sanitizer) Sanitize(path string) (Result, error) {
	content, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("read %s: %w", path, err)
	}

	out, res, err := s.Bytes(path, content)
	if err != nil {
		return res, err
	}

	info, err := s.fs.Stat(path)
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, out, info.Mode().Perm()); err != nil {
		return res, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return res, fmt.Errorf("rename %s: %w", tmp, err)
	}

	logging.FileLogger(s.logger, path).Debug("sanitized",
		"cdata_removed", res.CDATARemoved,
		"names_filled", res.NamesFilled,
	)
	return res, nil
}
