// Package merge combines sanitized KML documents into one canonical
// document, renaming placemarks from the sequence counter and injecting the
// fixed ExtendedData schema.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/logging"
	"github.com/withObsrvr/kmzproc/internal/sequence"
)

// DefaultLastEditUser is written to LastEditUser.
const DefaultLastEditUser = "RAO"

// DefaultStyleMap remaps the editor's polygon style onto the viewer's map.
func DefaultStyleMap() map[string]string {
	return map[string]string{"#PolyStyle00": "#styleMap-01"}
}

// Order decides how MergeDir sorts the files it finds.
type Order string

const (
	OrderName    Order = "name"
	OrderModTime Order = "modtime"
)

// ParseOrder validates an order name. Empty means OrderName.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderName:
		return OrderName, nil
	case OrderModTime:
		return OrderModTime, nil
	default:
		return "", fmt.Errorf("unknown merge order %q (want name or modtime)", s)
	}
}

// Config configures a Merger.
type Config struct {
	StyleMap     map[string]string
	ExtendedData ExtendedDataPolicy
	LastEditUser string
	Now          func() time.Time
}

// Source is one input document.
type Source struct {
	Path            string
	Doc             *etree.Document // parsed from Path when nil
	WorkingStreetID string
	Skip            map[int]bool // placemark indexes to leave out

	// IDs holds the statement id already issued for a placemark index.
	// When set, those placemarks keep their id and every other placemark
	// takes one fresh number. When nil, each placemark takes the next
	// number and the counter advances once per polygon, at least once.
	IDs map[int]string
}

// Entry describes one placemark written to the merged document.
type Entry struct {
	File         string
	Placemark    int
	ID           string // "S30001"
	Name         string // "S30001 zagreb"
	OriginalName string
	AreaID       string
	Polygons     int
}

// Result holds the merged document.
type Result struct {
	Doc     *etree.Document
	Entries []Entry
}

// Placemarks returns the number of merged placemarks.
func (r *Result) Placemarks() int {
	return len(r.Entries)
}

// Bytes serializes the document with two-space indentation.
func (r *Result) Bytes() ([]byte, error) {
	r.Doc.Indent(2)
	return r.Doc.WriteToBytes()
}

// Merger builds merged documents.
type Merger struct {
	fs     afero.Fs
	cfg    Config
	logger *slog.Logger
}

// New creates a merger reading sources through fs.
func New(fs afero.Fs, cfg Config) *Merger {
	if cfg.StyleMap == nil {
		cfg.StyleMap = DefaultStyleMap()
	}
	if cfg.ExtendedData == "" {
		cfg.ExtendedData = ExtendedDataReplace
	}
	if cfg.LastEditUser == "" {
		cfg.LastEditUser = DefaultLastEditUser
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Merger{fs: fs, cfg: cfg, logger: logging.Component("merger")}
}

// MergeDir merges every *.kml file directly under dir.
func (m *Merger) MergeDir(ctx context.Context, dir string, order Order, counter sequence.Counter) (*Result, sequence.Counter, error) {
	infos, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return nil, counter, fmt.Errorf("list %s: %w", dir, err)
	}

	var files []string
	mod := make(map[string]time.Time)
	for _, fi := range infos {
		if fi.IsDir() || !strings.EqualFold(filepath.Ext(fi.Name()), ".kml") {
			continue
		}
		p := filepath.Join(dir, fi.Name())
		files = append(files, p)
		mod[p] = fi.ModTime()
	}

	switch order {
	case OrderModTime:
		sort.SliceStable(files, func(i, j int) bool {
			if mod[files[i]].Equal(mod[files[j]]) {
				return files[i] < files[j]
			}
			return mod[files[i]].Before(mod[files[j]])
		})
	default:
		sort.Strings(files)
	}

	sources := make([]Source, len(files))
	for i, f := range files {
		sources[i] = Source{Path: f}
	}
	return m.Merge(ctx, sources, counter)
}

// Merge moves every placemark of the sources, in order, into a new
// document and returns the advanced counter. The source documents are
// consumed. On error the caller's counter is returned unchanged.
func (m *Merger) Merge(ctx context.Context, sources []Source, counter sequence.Counter) (*Result, sequence.Counter, error) {
	start := counter

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := out.CreateElement("kml")
	root.CreateAttr("xmlns", kml.Namespace)
	document := root.CreateElement("Document")

	res := &Result{Doc: out}
	editTime := m.cfg.Now()

	for _, src := range sources {
		doc := src.Doc
		if doc == nil {
			data, err := afero.ReadFile(m.fs, src.Path)
			if err != nil {
				return nil, start, fmt.Errorf("read %s: %w", src.Path, err)
			}
			if doc, err = kml.Parse(src.Path, data); err != nil {
				return nil, start, err
			}
		}

		log := logging.FileLogger(m.logger, src.Path)

		for i, pm := range kml.Placemarks(doc) {
			if err := ctx.Err(); err != nil {
				return nil, start, err
			}
			if src.Skip[i] {
				log.Debug("leaving out skipped placemark", "placemark", i)
				continue
			}

			for p := pm.Parent(); p != nil; p = p.Parent() {
				m.carryNamespaces(root, p, log)
			}

			// Prefixes resolve against the source tree, so normalize before moving.
			normalizeSpace(pm)
			document.AddChild(pm)

			polygons := kml.Polygons(pm)
			entry := Entry{File: src.Path, Placemark: i, Polygons: len(polygons)}
			switch id, ok := src.IDs[i]; {
			case ok:
				entry.ID = id
			case src.IDs != nil:
				counter = counter.Next()
				entry.ID = counter.ID()
			default:
				entry.ID = counter.Next().ID()
				counter = counter.Advance(max(1, len(polygons)))
			}

			m.placemark(pm, polygons, &entry, editTime, src.WorkingStreetID, log)
			res.Entries = append(res.Entries, entry)
		}
	}

	m.logger.Info("merged documents",
		"sources", len(sources),
		"placemarks", len(res.Entries),
		"counter_start", start.Int64(),
		"counter_end", counter.Int64(),
	)
	return res, counter, nil
}

// placemark normalizes pm in place under the id already set on entry.
func (m *Merger) placemark(pm *etree.Element, polygons []*etree.Element, entry *Entry, editTime time.Time, wsid string, log *slog.Logger) {
	pm.RemoveAttr("id")

	nameEl := kml.Child(pm, "name")
	if nameEl == nil {
		nameEl = etree.NewElement("name")
		pm.InsertChildAt(0, nameEl)
	}
	entry.OriginalName = strings.TrimSpace(nameEl.Text())
	entry.Name = strings.TrimSpace(entry.ID + " " + entry.OriginalName)
	nameEl.SetText(entry.Name)

	for _, c := range pm.ChildElements() {
		if kml.Is(c, "snippet") || kml.Is(c, "Snippet") || kml.Is(c, "description") {
			pm.RemoveChild(c)
		}
	}

	for _, su := range kml.Children(pm, "styleUrl") {
		if to, ok := m.cfg.StyleMap[strings.TrimSpace(su.Text())]; ok {
			su.SetText(to)
		}
	}

	for _, mg := range kml.Children(pm, "MultiGeometry") {
		for _, poly := range kml.Children(mg, "Polygon") {
			tessellate(poly)
		}
	}

	var carried []Field
	for _, ext := range kml.Children(pm, "ExtendedData") {
		if v, ok := dataValue(ext, AreaIDKey); ok {
			entry.AreaID = v
			log.Debug("source area id", "placemark", entry.Placemark, "area_id", v)
		}
		if m.cfg.ExtendedData == ExtendedDataMerge {
			carried = append(carried, unknownFields(ext)...)
		}
		pm.RemoveChild(ext)
	}

	pointCount := 4
	if len(polygons) > 0 {
		if p, err := kml.ParsePolygon(polygons[0]); err == nil {
			pointCount = p.Outer.DistinctVertices()
		}
	}

	ext := pm.CreateElement("ExtendedData")
	writeFields(ext, schema(schemaInput{
		DisplayName:     entry.Name,
		OriginalName:    entry.OriginalName,
		EditTime:        editTime,
		EditUser:        m.cfg.LastEditUser,
		PointCount:      pointCount,
		WorkingStreetID: wsid,
	}))
	writeFields(ext, carried)
}

// tessellate forces tessellate=1 and drops altitudeMode/extrude.
func tessellate(poly *etree.Element) {
	for _, c := range poly.ChildElements() {
		if kml.Is(c, "altitudeMode") || kml.Is(c, "extrude") {
			poly.RemoveChild(c)
		}
	}
	t := kml.Child(poly, "tessellate")
	if t == nil {
		t = etree.NewElement("tessellate")
		poly.InsertChildAt(0, t)
	}
	t.SetText("1")
}

func unknownFields(ext *etree.Element) []Field {
	known := make(map[string]bool, len(SchemaKeys))
	for _, k := range SchemaKeys {
		known[k] = true
	}
	var out []Field
	for _, f := range Fields(ext) {
		if !known[f.Name] {
			out = append(out, f)
		}
	}
	return out
}

// normalizeSpace drops the prefix of every KML element below el so that
// the element resolves against the merged document's default namespace.
func normalizeSpace(el *etree.Element) {
	if el.Space != "" && el.NamespaceURI() == kml.Namespace {
		el.Space = ""
	}
	for _, c := range el.ChildElements() {
		normalizeSpace(c)
	}
}

// carryNamespaces copies foreign prefix declarations of a source element
// onto the merged root. The first declaration of a prefix wins.
func (m *Merger) carryNamespaces(dst, src *etree.Element, log *slog.Logger) {
	if src == nil {
		return
	}
	for _, a := range src.Attr {
		if a.Space != "xmlns" || a.Value == kml.Namespace {
			continue
		}
		if existing := dst.SelectAttr("xmlns:" + a.Key); existing != nil {
			if existing.Value != a.Value {
				log.Warn("namespace prefix bound twice, keeping the first",
					"prefix", a.Key, "kept", existing.Value, "dropped", a.Value)
			}
			continue
		}
		dst.CreateAttr("xmlns:"+a.Key, a.Value)
	}
}
