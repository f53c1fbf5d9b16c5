// Package kml holds the KML 2.2 document helpers shared by the sanitizer,
// the SQL generator and the merger.
package kml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Namespace is the OGC KML 2.2 namespace URI.
const Namespace = "http://www.opengis.net/kml/2.2"

// Parse reads a KML document. The root must be a kml element in the
// KML 2.2 namespace.
func Parse(file string, data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, Malformed(file, NoPlacemark, "parse xml", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, Malformed(file, NoPlacemark, "document has no root element", nil)
	}
	if root.Tag != "kml" {
		return nil, Malformed(file, NoPlacemark, fmt.Sprintf("root element is <%s>, want <kml>", root.Tag), nil)
	}
	if ns := root.NamespaceURI(); ns != Namespace {
		return nil, Malformed(file, NoPlacemark, fmt.Sprintf("root namespace is %q, want %q", ns, Namespace), nil)
	}
	return doc, nil
}

// Is reports whether el is the KML element named tag.
func Is(el *etree.Element, tag string) bool {
	return el != nil && el.Tag == tag && el.NamespaceURI() == Namespace
}

// Child returns the first KML child element named tag, or nil.
func Child(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if Is(c, tag) {
			return c
		}
	}
	return nil
}

// Children returns every KML child element named tag.
func Children(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if Is(c, tag) {
			out = append(out, c)
		}
	}
	return out
}

// Descendants returns every KML element named tag below el, in document order.
func Descendants(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		for _, c := range e.ChildElements() {
			if Is(c, tag) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(el)
	return out
}

// Placemarks returns the document's placemarks in document order.
func Placemarks(doc *etree.Document) []*etree.Element {
	root := doc.Root()
	if root == nil {
		return nil
	}
	return Descendants(root, "Placemark")
}

// Polygons returns the polygons of a placemark, whether direct children or
// wrapped in a MultiGeometry.
func Polygons(placemark *etree.Element) []*etree.Element {
	return Descendants(placemark, "Polygon")
}

// Name returns the trimmed text of the placemark's name element.
func Name(placemark *etree.Element) string {
	if n := Child(placemark, "name"); n != nil {
		return strings.TrimSpace(n.Text())
	}
	return ""
}

// ParsePolygon reads the outer and inner rings of a Polygon element.
func ParsePolygon(polygon *etree.Element) (Polygon, error) {
	var p Polygon

	outer := Child(polygon, "outerBoundaryIs")
	if outer == nil {
		return p, fmt.Errorf("polygon has no outerBoundaryIs")
	}
	ring, err := boundaryRing(outer)
	if err != nil {
		return p, fmt.Errorf("outer ring: %w", err)
	}
	p.Outer = ring

	for i, inner := range Children(polygon, "innerBoundaryIs") {
		hole, err := boundaryRing(inner)
		if err != nil {
			return p, fmt.Errorf("inner ring %d: %w", i, err)
		}
		p.Holes = append(p.Holes, hole)
	}
	return p, nil
}

func boundaryRing(boundary *etree.Element) (Ring, error) {
	lr := Child(boundary, "LinearRing")
	if lr == nil {
		return nil, fmt.Errorf("boundary has no LinearRing")
	}
	coords := Child(lr, "coordinates")
	if coords == nil {
		return nil, fmt.Errorf("LinearRing has no coordinates")
	}
	ring, err := ParseRing(coords.Text())
	if err != nil {
		return nil, err
	}
	if err := ring.Validate(); err != nil {
		return nil, err
	}
	return ring, nil
}
