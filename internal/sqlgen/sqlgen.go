// Package sqlgen turns KML polygon geometry into INSERT statements for the
// working_street_polygon table.
package sqlgen

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/lib/pq"

	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/logging"
	"github.com/withObsrvr/kmzproc/internal/sequence"
)

const (
	DefaultTable         = "working_street_polygon"
	DefaultCompanyID     = "ZG_PARKIS"
	DefaultCreatedUserID = "10fe9397-13da-4ddf-8d50-ef0a83313bb2"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config holds the statement constants and the error policy.
type Config struct {
	Table         string
	CompanyID     string
	CreatedUserID string
	Policy        kml.ErrorPolicy
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.CompanyID == "" {
		c.CompanyID = DefaultCompanyID
	}
	if c.CreatedUserID == "" {
		c.CreatedUserID = DefaultCreatedUserID
	}
	if c.Policy == "" {
		c.Policy = kml.PolicyAbort
	}
	return c
}

// Statement is one generated insert.
type Statement struct {
	ID              string // "S30001"
	Counter         sequence.Counter
	File            string
	Placemark       int // zero-based index in document order
	PlacemarkName   string
	WorkingStreetID string
	Polygon         kml.Polygon
	WKT             string
	SQL             string
}

// Skipped records a placemark dropped under kml.PolicySkip.
type Skipped struct {
	Placemark int
	Err       error
}

// Result is the output of one Generate call.
type Result struct {
	File       string
	Statements []Statement
	Skipped    []Skipped
}

// SQL joins the statements, one per line.
func (r *Result) SQL() string {
	lines := make([]string, len(r.Statements))
	for i, s := range r.Statements {
		lines[i] = s.SQL
	}
	return strings.Join(lines, "\n")
}

// SkippedIndexes returns the skipped placemark indexes as a set.
func (r *Result) SkippedIndexes() map[int]bool {
	if len(r.Skipped) == 0 {
		return nil
	}
	out := make(map[int]bool, len(r.Skipped))
	for _, s := range r.Skipped {
		out[s.Placemark] = true
	}
	return out
}

// IDs maps each placemark index to the id of its first statement. The map
// is never nil.
func (r *Result) IDs() map[int]string {
	out := make(map[int]string)
	for _, s := range r.Statements {
		if _, ok := out[s.Placemark]; !ok {
			out[s.Placemark] = s.ID
		}
	}
	return out
}

// Generator emits statements for parsed documents.
type Generator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a generator. The table name must be a plain identifier,
// optionally schema-qualified.
func New(cfg Config) (*Generator, error) {
	cfg = cfg.withDefaults()
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	return &Generator{cfg: cfg, logger: logging.Component("sqlgen")}, nil
}

// Generate walks every placemark of doc and emits one statement per
// polygon, naming each with the next counter value. It returns the
// advanced counter. Under kml.PolicyAbort the first malformed placemark
// stops generation and the caller's counter is returned unchanged.
func (g *Generator) Generate(ctx context.Context, doc *etree.Document, file string, counter sequence.Counter, workingStreetID string) (*Result, sequence.Counter, error) {
	start := counter
	res := &Result{File: file}
	log := logging.FileLogger(g.logger, file)

	for i, pm := range kml.Placemarks(doc) {
		if err := ctx.Err(); err != nil {
			return nil, start, err
		}

		stmts, next, err := g.placemark(pm, file, i, counter, workingStreetID)
		if err != nil {
			if g.cfg.Policy == kml.PolicySkip {
				log.Warn("skipping malformed placemark", "placemark", i, "error", err)
				res.Skipped = append(res.Skipped, Skipped{Placemark: i, Err: err})
				continue
			}
			return nil, start, err
		}
		res.Statements = append(res.Statements, stmts...)
		counter = next
	}

	log.Debug("generated statements",
		"statements", len(res.Statements),
		"skipped", len(res.Skipped),
		"first", start.Next().ID(),
		"last", counter.ID(),
	)
	return res, counter, nil
}

func (g *Generator) placemark(pm *etree.Element, file string, index int, counter sequence.Counter, wsid string) ([]Statement, sequence.Counter, error) {
	var out []Statement
	name := kml.Name(pm)

	for _, el := range kml.Polygons(pm) {
		poly, err := kml.ParsePolygon(el)
		if err != nil {
			return nil, counter, kml.Malformed(file, index, name, err)
		}

		counter = counter.Next()
		wkt := WKT(poly)
		out = append(out, Statement{
			ID:              counter.ID(),
			Counter:         counter,
			File:            file,
			Placemark:       index,
			PlacemarkName:   name,
			WorkingStreetID: wsid,
			Polygon:         poly,
			WKT:             wkt,
			SQL:             g.statement(counter.ID(), wkt, wsid),
		})
	}
	return out, counter, nil
}

func (g *Generator) statement(id, wkt, wsid string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (id, name, geom, working_street_id, active, company_id, created, created_user_id) "+
			"VALUES (uuid_generate_v1(), %s, %s, %s, TRUE, %s, NOW(), %s);",
		g.cfg.Table,
		pq.QuoteLiteral(id),
		pq.QuoteLiteral(wkt),
		pq.QuoteLiteral(wsid),
		pq.QuoteLiteral(g.cfg.CompanyID),
		pq.QuoteLiteral(g.cfg.CreatedUserID),
	)
}

// Vertex renders one coordinate latitude first, keeping the source spelling.
func Vertex(c kml.Coordinate) string {
	return c.LatText + " " + c.LonText
}

// RingText renders a ring as comma-separated vertices.
func RingText(r kml.Ring) string {
	var b strings.Builder
	for _, c := range r {
		b.WriteString(Vertex(c))
		b.WriteString(",")
	}
	return strings.TrimSuffix(b.String(), ",")
}

// WKT renders a polygon, holes included: POLYGON((outer),(hole)).
func WKT(p kml.Polygon) string {
	rings := p.Rings()
	parts := make([]string, len(rings))
	for i, r := range rings {
		parts[i] = "(" + RingText(r) + ")"
	}
	return "POLYGON(" + strings.Join(parts, ",") + ")"
}
