package merge

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/sequence"
)

var fixedNow = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

const ring = "16.0,45.0 16.1,45.0 16.1,45.1 16.0,45.1 16.0,45.0"

func newMerger(fs afero.Fs, cfg Config) *Merger {
	cfg.Now = func() time.Time { return fixedNow }
	return New(fs, cfg)
}

func writeKML(t *testing.T, fs afero.Fs, path, body string) {
	t.Helper()
	src := `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2"><Document>` + body + `</Document></kml>`
	require.NoError(t, afero.WriteFile(fs, path, []byte(src), 0644))
}

func simplePlacemark(name string) string {
	return `<Placemark id="orig"><name>` + name + `</name>
<description>d</description><Snippet>s</Snippet>
<styleUrl>#PolyStyle00</styleUrl>
<Polygon><outerBoundaryIs><LinearRing><coordinates>` + ring + `</coordinates></LinearRing></outerBoundaryIs></Polygon>
</Placemark>`
}

func reparse(t *testing.T, res *Result) *etree.Document {
	t.Helper()
	data, err := res.Bytes()
	require.NoError(t, err)
	doc, err := kml.Parse("merged.kml", data)
	require.NoError(t, err)
	return doc
}

func extendedData(t *testing.T, pm *etree.Element) []Field {
	t.Helper()
	exts := kml.Children(pm, "ExtendedData")
	require.Len(t, exts, 1)
	return Fields(exts[0])
}

func fieldValue(fields []Field, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return "<missing>"
}

func TestMergeSinglePlacemark(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKML(t, fs, "/kml/zagreb_001.kml", simplePlacemark("zagreb"))

	m := newMerger(fs, Config{})
	res, next, err := m.Merge(context.Background(), []Source{{Path: "/kml/zagreb_001.kml", WorkingStreetID: "Zagreb"}}, sequence.DefaultStart)
	require.NoError(t, err)
	assert.Equal(t, sequence.Counter(30001), next)
	require.Equal(t, 1, res.Placemarks())
	assert.Equal(t, "S30001 zagreb", res.Entries[0].Name)

	data, err := res.Bytes()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `<?xml version="1.0" encoding="UTF-8"?>`))

	doc := reparse(t, res)
	pms := kml.Placemarks(doc)
	require.Len(t, pms, 1)
	pm := pms[0]

	assert.Equal(t, "S30001 zagreb", kml.Name(pm))
	assert.Nil(t, pm.SelectAttr("id"))
	assert.Nil(t, kml.Child(pm, "description"))
	assert.Nil(t, kml.Child(pm, "Snippet"))
	assert.Equal(t, "#styleMap-01", kml.Child(pm, "styleUrl").Text())

	fields := extendedData(t, pm)
	require.Len(t, fields, len(SchemaKeys))
	for i, f := range fields {
		assert.Equal(t, SchemaKeys[i], f.Name)
	}
	assert.Equal(t, "000000FF", fieldValue(fields, "Color"))
	assert.Equal(t, "S30001 zagreb", fieldValue(fields, "ID"))
	assert.Equal(t, "zagreb", fieldValue(fields, "OriginalName"))
	assert.Equal(t, "False", fieldValue(fields, "Checked"))
	assert.Equal(t, "2024-05-17T09:30:00", fieldValue(fields, "LastEditTime"))
	assert.Equal(t, "RAO", fieldValue(fields, "LastEditUser"))
	assert.Equal(t, "4", fieldValue(fields, "PointCount"))
	assert.Equal(t, "Zagreb", fieldValue(fields, "WSID"))
	assert.Equal(t, "DEFAULT", fieldValue(fields, "Regime:Default"))
}

func TestMergeKDocuments(t *testing.T) {
	fs := afero.NewMemMapFs()
	const k = 5
	var sources []Source
	for i := 0; i < k; i++ {
		p := fmt.Sprintf("/kml/zone_%d.kml", i)
		writeKML(t, fs, p, simplePlacemark(fmt.Sprintf("zone%d", i)))
		sources = append(sources, Source{Path: p})
	}

	res, next, err := newMerger(fs, Config{}).Merge(context.Background(), sources, 100)
	require.NoError(t, err)
	assert.Equal(t, sequence.Counter(100+k), next)

	doc := reparse(t, res)
	pms := kml.Placemarks(doc)
	require.Len(t, pms, k)

	seen := make(map[string]bool)
	for i, pm := range pms {
		assert.Equal(t, fmt.Sprintf("S%d zone%d", 101+i, i), kml.Name(pm))
		assert.Len(t, extendedData(t, pm), len(SchemaKeys))
		seen[kml.Name(pm)] = true
	}
	assert.Len(t, seen, k)
}

func TestMergeMultiGeometry(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKML(t, fs, "/kml/a.kml", `<Placemark><name>multi</name><MultiGeometry>
<Polygon><extrude>1</extrude><altitudeMode>relativeToGround</altitudeMode>
<outerBoundaryIs><LinearRing><coordinates>1,1 2,1 2,2 1,2 1,1</coordinates></LinearRing></outerBoundaryIs></Polygon>
<Polygon><tessellate>0</tessellate>
<outerBoundaryIs><LinearRing><coordinates>3,3 4,3 4,4 3,3</coordinates></LinearRing></outerBoundaryIs></Polygon>
</MultiGeometry></Placemark>
<Placemark><name>after</name></Placemark>`)

	res, next, err := newMerger(fs, Config{}).Merge(context.Background(), []Source{{Path: "/kml/a.kml"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, sequence.Counter(3), next, "two polygons then one placemark without geometry")

	doc := reparse(t, res)
	pms := kml.Placemarks(doc)
	require.Len(t, pms, 2)
	assert.Equal(t, "S1 multi", kml.Name(pms[0]))
	assert.Equal(t, "S3 after", kml.Name(pms[1]))

	polys := kml.Polygons(pms[0])
	require.Len(t, polys, 2)
	for _, p := range polys {
		children := p.ChildElements()
		require.NotEmpty(t, children)
		assert.Equal(t, "tessellate", children[0].Tag)
		assert.Equal(t, "1", children[0].Text())
		assert.Nil(t, kml.Child(p, "altitudeMode"))
		assert.Nil(t, kml.Child(p, "extrude"))
	}

	assert.Equal(t, "4", fieldValue(extendedData(t, pms[0]), "PointCount"))
	assert.Equal(t, "4", fieldValue(extendedData(t, pms[1]), "PointCount"))
}

func TestMergeExtendedDataPolicies(t *testing.T) {
	body := `<Placemark><name>x</name>
<ExtendedData><Data name="Area ID"><value>A-17</value></Data><Data name="Color"><value>FF0000FF</value></Data></ExtendedData>
<Polygon><outerBoundaryIs><LinearRing><coordinates>` + ring + `</coordinates></LinearRing></outerBoundaryIs></Polygon>
</Placemark>`

	t.Run("Should replace existing metadata by default", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeKML(t, fs, "/kml/a.kml", body)

		res, _, err := newMerger(fs, Config{}).Merge(context.Background(), []Source{{Path: "/kml/a.kml"}}, 0)
		require.NoError(t, err)
		assert.Equal(t, "A-17", res.Entries[0].AreaID)

		fields := extendedData(t, kml.Placemarks(reparse(t, res))[0])
		assert.Len(t, fields, len(SchemaKeys))
		assert.Equal(t, "000000FF", fieldValue(fields, "Color"))
	})

	t.Run("Should carry unknown keys under the merge policy", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeKML(t, fs, "/kml/a.kml", body)

		res, _, err := newMerger(fs, Config{ExtendedData: ExtendedDataMerge}).Merge(context.Background(), []Source{{Path: "/kml/a.kml"}}, 0)
		require.NoError(t, err)

		fields := extendedData(t, kml.Placemarks(reparse(t, res))[0])
		require.Len(t, fields, len(SchemaKeys)+1)
		assert.Equal(t, Field{Name: "Area ID", Value: "A-17"}, fields[len(fields)-1])
		assert.Equal(t, "000000FF", fieldValue(fields, "Color"))
	})
}

func TestMergeSkipAndStyleMap(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKML(t, fs, "/kml/a.kml", simplePlacemark("a")+simplePlacemark("b")+
		`<Placemark><name>c</name><styleUrl>#other</styleUrl></Placemark>`)

	m := newMerger(fs, Config{StyleMap: map[string]string{"#other": "#mapped"}})
	res, next, err := m.Merge(context.Background(), []Source{{Path: "/kml/a.kml", Skip: map[int]bool{1: true}}}, 10)
	require.NoError(t, err)
	assert.Equal(t, sequence.Counter(12), next)

	pms := kml.Placemarks(reparse(t, res))
	require.Len(t, pms, 2)
	assert.Equal(t, "S11 a", kml.Name(pms[0]))
	assert.Equal(t, "S12 c", kml.Name(pms[1]))
	assert.Equal(t, "#PolyStyle00", kml.Child(pms[0], "styleUrl").Text())
	assert.Equal(t, "#mapped", kml.Child(pms[1], "styleUrl").Text())
}

func TestMergeIssuedIDs(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKML(t, fs, "/kml/a.kml", `<Placemark><name>pin</name><Point><coordinates>16,45</coordinates></Point></Placemark>`+
		simplePlacemark("A"))
	writeKML(t, fs, "/kml/b.kml", simplePlacemark("B"))

	m := newMerger(fs, Config{})
	res, next, err := m.Merge(context.Background(), []Source{
		{Path: "/kml/a.kml", IDs: map[int]string{1: "S30001"}},
		{Path: "/kml/b.kml", IDs: map[int]string{0: "S30002"}},
	}, 30002)
	require.NoError(t, err)

	t.Run("Should keep the issued id of polygon placemarks", func(t *testing.T) {
		require.Len(t, res.Entries, 3)
		assert.Equal(t, "S30001 A", res.Entries[1].Name)
		assert.Equal(t, "S30002 B", res.Entries[2].Name)
	})

	t.Run("Should number other placemarks after the counter", func(t *testing.T) {
		assert.Equal(t, "S30003 pin", res.Entries[0].Name)
		assert.Equal(t, sequence.Counter(30003), next)
	})

	t.Run("Should write the names into the document", func(t *testing.T) {
		pms := kml.Placemarks(reparse(t, res))
		require.Len(t, pms, 3)
		assert.Equal(t, "S30003 pin", kml.Name(pms[0]))
		assert.Equal(t, "S30001 A", kml.Name(pms[1]))
	})
}

func TestMergeCreatesMissingName(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKML(t, fs, "/kml/a.kml", `<Placemark><Point><coordinates>1,2</coordinates></Point></Placemark>`)

	res, _, err := newMerger(fs, Config{}).Merge(context.Background(), []Source{{Path: "/kml/a.kml"}}, 0)
	require.NoError(t, err)

	pm := kml.Placemarks(reparse(t, res))[0]
	assert.Equal(t, "S1", kml.Name(pm))
	assert.Equal(t, "name", pm.ChildElements()[0].Tag)
}

func TestMergePrefixedNamespaces(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := `<?xml version="1.0" encoding="UTF-8"?>
<kml:kml xmlns:kml="http://www.opengis.net/kml/2.2" xmlns:gx="http://www.google.com/kml/ext/2.2">
<kml:Document><kml:Placemark><kml:name>p</kml:name><gx:balloonVisibility>1</gx:balloonVisibility>
<kml:Polygon><kml:outerBoundaryIs><kml:LinearRing><kml:coordinates>` + ring + `</kml:coordinates></kml:LinearRing></kml:outerBoundaryIs></kml:Polygon>
</kml:Placemark></kml:Document></kml:kml>`
	require.NoError(t, afero.WriteFile(fs, "/kml/p.kml", []byte(src), 0644))

	res, _, err := newMerger(fs, Config{}).Merge(context.Background(), []Source{{Path: "/kml/p.kml"}}, 0)
	require.NoError(t, err)

	data, err := res.Bytes()
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `xmlns:gx="http://www.google.com/kml/ext/2.2"`)
	assert.Contains(t, out, "<gx:balloonVisibility>1</gx:balloonVisibility>")
	assert.NotContains(t, out, "kml:Placemark")

	doc, err := kml.Parse("merged.kml", data)
	require.NoError(t, err)
	pms := kml.Placemarks(doc)
	require.Len(t, pms, 1)
	assert.Equal(t, "S1 p", kml.Name(pms[0]))
	assert.Len(t, kml.Polygons(pms[0]), 1)
}

func TestMergeDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKML(t, fs, "/kml/b.kml", simplePlacemark("b"))
	writeKML(t, fs, "/kml/a.kml", simplePlacemark("a"))
	require.NoError(t, afero.WriteFile(fs, "/kml/notes.txt", []byte("x"), 0644))

	require.NoError(t, fs.Chtimes("/kml/a.kml", fixedNow, fixedNow.Add(time.Hour)))
	require.NoError(t, fs.Chtimes("/kml/b.kml", fixedNow, fixedNow))

	m := newMerger(fs, Config{})

	res, _, err := m.MergeDir(context.Background(), "/kml", OrderName, 0)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "S1 a", res.Entries[0].Name)
	assert.Equal(t, "S2 b", res.Entries[1].Name)

	res, _, err = m.MergeDir(context.Background(), "/kml", OrderModTime, 0)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "S1 b", res.Entries[0].Name)
	assert.Equal(t, "S2 a", res.Entries[1].Name)
}

func TestMergeErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/kml/bad.kml", []byte("<kml"), 0644))

	m := newMerger(fs, Config{})
	_, next, err := m.Merge(context.Background(), []Source{{Path: "/kml/bad.kml"}}, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, kml.ErrMalformedInput)
	assert.Equal(t, sequence.Counter(9), next)

	_, _, err = m.Merge(context.Background(), []Source{{Path: "/kml/missing.kml"}}, 9)
	assert.Error(t, err)
}

func TestParsePolicies(t *testing.T) {
	p, err := ParseExtendedDataPolicy("MERGE")
	require.NoError(t, err)
	assert.Equal(t, ExtendedDataMerge, p)
	_, err = ParseExtendedDataPolicy("keep")
	assert.Error(t, err)

	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderName, o)
	_, err = ParseOrder("size")
	assert.Error(t, err)
}
