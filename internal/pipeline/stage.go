package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/kml"
)

var (
	uuidPattern    = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ValidateBatchID checks that a caller-supplied batch id is a single path
// segment. It names the work directory and the storage keys of the batch.
func ValidateBatchID(id string) error {
	if !batchIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return kml.Malformed("", kml.NoPlacemark, fmt.Sprintf("invalid batch id %q", id),
			errors.New("want 1-128 letters, digits, '.', '_' or '-', starting with a letter or digit"))
	}
	return nil
}

// Detect classifies an upload by sniffing its content. Zip content is a
// KMZ whatever the extension says; otherwise a .kml name or XML content
// is a KML document.
func Detect(name string, data []byte) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	mtype := mimetype.Detect(data)

	if hasAncestor(mtype, "application/zip") {
		return FormatKMZ, nil
	}
	if ext == ".kmz" {
		return "", kml.Malformed(name, kml.NoPlacemark, "not a zip archive", fmt.Errorf("detected %s", mtype))
	}
	if ext == ".kml" || hasAncestor(mtype, "text/xml") {
		return FormatKML, nil
	}
	return "", kml.Malformed(name, kml.NoPlacemark, "unsupported upload", fmt.Errorf("detected %s", mtype))
}

func hasAncestor(m *mimetype.MIME, target string) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(target) {
			return true
		}
	}
	return false
}

// WorkingStreetID derives the working-street identifier for an upload:
// a UUID embedded in the file name, else the configured override, else the
// city with spaces replaced by underscores.
func WorkingStreetID(name, override, city string) (string, error) {
	if m := uuidPattern.FindString(filepath.Base(name)); m != "" {
		if _, err := uuid.Parse(m); err == nil {
			return m, nil
		}
	}
	if override != "" {
		return override, nil
	}
	city = strings.TrimSpace(city)
	if city == "" {
		return "", kml.NotFound(name, "no working street id: file name has no uuid and no city was given")
	}
	return strings.ReplaceAll(city, " ", "_"), nil
}

// workdir lays out the staging area of one batch.
type workdir struct {
	root string
}

func (w workdir) uploads() string { return filepath.Join(w.root, "uploads") }
func (w workdir) kml() string     { return filepath.Join(w.root, "kml") }

func (w workdir) extract(stem string) string {
	return filepath.Join(w.root, "extract", stem)
}

// stage puts one upload into the working set as kml/<stem>.kml and returns
// the sanitized, parsed document.
func (p *Processor) stage(ctx context.Context, wd workdir, up Upload, fr *FileResult) (*etree.Document, error) {
	name := filepath.Base(up.Name)
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	format, err := Detect(name, up.Data)
	if err != nil {
		return nil, err
	}
	fr.Format = format

	target := filepath.Join(wd.kml(), stem+".kml")
	if ok, err := afero.Exists(p.fs, target); err != nil {
		return nil, fmt.Errorf("stat %s: %w", target, err)
	} else if ok {
		return nil, kml.Conflict(name, fmt.Sprintf("another upload already produced %s.kml", stem))
	}
	if err := p.fs.MkdirAll(wd.kml(), 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", wd.kml(), err)
	}

	timer := p.timer("extract")
	payload := up.Data
	if format == FormatKMZ {
		if err := p.fs.MkdirAll(wd.uploads(), 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", wd.uploads(), err)
		}
		archivePath := filepath.Join(wd.uploads(), name)
		if err := afero.WriteFile(p.fs, archivePath, up.Data, 0644); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}

		extracted, err := p.extractor.Extract(ctx, archivePath, wd.extract(stem))
		if err != nil {
			return nil, err
		}
		if payload, err = afero.ReadFile(p.fs, extracted); err != nil {
			return nil, fmt.Errorf("read payload %s: %w", extracted, err)
		}
	}
	timer()

	timer = p.timer("sanitize")
	clean, sres, err := p.sanitizer.Bytes(name, payload)
	if err != nil {
		return nil, err
	}
	timer()
	fr.CDATARemoved = sres.CDATARemoved
	p.metrics.AddCDATABlocksRemoved(sres.CDATARemoved)

	doc, err := kml.Parse(name, clean)
	if err != nil {
		return nil, err
	}

	// Only uploads that parse enter the working set.
	if err := afero.WriteFile(p.fs, target, clean, 0644); err != nil {
		return nil, fmt.Errorf("stage %s: %w", target, err)
	}
	fr.Payload = target
	return doc, nil
}
