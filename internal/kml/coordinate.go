package kml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// MinRingVertices is the smallest closed ring: a triangle plus the
// repeated first vertex.
const MinRingVertices = 4

// Coordinate is one lon,lat[,alt] tuple. LonText and LatText keep the
// source spelling so generated SQL reproduces it exactly.
type Coordinate struct {
	Lon     float64
	Lat     float64
	Alt     float64
	LonText string
	LatText string
}

// Point returns the coordinate as an orb point (lon, lat).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// ParseCoordinate parses a "lon,lat[,alt]" token. Altitude defaults to 0.
func ParseCoordinate(token string) (Coordinate, error) {
	var c Coordinate

	fields := strings.Split(strings.TrimSpace(token), ",")
	if len(fields) < 2 {
		return c, fmt.Errorf("coordinate %q: want at least lon,lat", token)
	}

	lonText := strings.TrimSpace(fields[0])
	latText := strings.TrimSpace(fields[1])

	lon, err := strconv.ParseFloat(lonText, 64)
	if err != nil {
		return c, fmt.Errorf("coordinate %q: longitude: %w", token, err)
	}
	lat, err := strconv.ParseFloat(latText, 64)
	if err != nil {
		return c, fmt.Errorf("coordinate %q: latitude: %w", token, err)
	}

	c = Coordinate{Lon: lon, Lat: lat, LonText: lonText, LatText: latText}

	if len(fields) > 2 {
		if altText := strings.TrimSpace(fields[2]); altText != "" {
			alt, err := strconv.ParseFloat(altText, 64)
			if err != nil {
				return c, fmt.Errorf("coordinate %q: altitude: %w", token, err)
			}
			c.Alt = alt
		}
	}
	return c, nil
}

// Ring is an ordered sequence of coordinates describing a boundary.
type Ring []Coordinate

// ParseRing parses the whitespace-separated tokens of a coordinates element.
// Every token is validated.
func ParseRing(text string) (Ring, error) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty coordinates")
	}

	ring := make(Ring, 0, len(tokens))
	for i, tok := range tokens {
		c, err := ParseCoordinate(tok)
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}
		ring = append(ring, c)
	}
	return ring, nil
}

// Orb converts the ring to an orb.Ring.
func (r Ring) Orb() orb.Ring {
	out := make(orb.Ring, len(r))
	for i, c := range r {
		out[i] = c.Point()
	}
	return out
}

// Closed reports whether the first and last vertices are equal.
func (r Ring) Closed() bool {
	return r.Orb().Closed()
}

// Validate checks vertex count and closure.
func (r Ring) Validate() error {
	if len(r) < MinRingVertices {
		return fmt.Errorf("ring has %d vertices, want at least %d", len(r), MinRingVertices)
	}
	if !r.Closed() {
		first, last := r[0], r[len(r)-1]
		return fmt.Errorf("ring is not closed: first %s,%s last %s,%s",
			first.LonText, first.LatText, last.LonText, last.LatText)
	}
	return nil
}

// DistinctVertices counts the ring's vertices without the closing repeat.
func (r Ring) DistinctVertices() int {
	if len(r) > 1 && r.Closed() {
		return len(r) - 1
	}
	return len(r)
}

// Polygon is an outer boundary with optional holes.
type Polygon struct {
	Outer Ring
	Holes []Ring
}

// Rings returns the outer ring followed by the holes.
func (p Polygon) Rings() []Ring {
	return append([]Ring{p.Outer}, p.Holes...)
}

// Orb converts the polygon to an orb.Polygon.
func (p Polygon) Orb() orb.Polygon {
	out := orb.Polygon{p.Outer.Orb()}
	for _, h := range p.Holes {
		out = append(out, h.Orb())
	}
	return out
}
