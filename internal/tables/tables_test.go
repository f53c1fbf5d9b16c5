package tables

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/sqlgen"
)

func statements(t *testing.T) []sqlgen.Statement {
	t.Helper()
	outer, err := kml.ParseRing("16.0,45.0,0 16.1,45.0,0 16.1,45.1,0 16.0,45.1,0 16.0,45.0,0")
	require.NoError(t, err)
	hole, err := kml.ParseRing("16.02,45.02 16.03,45.02 16.03,45.03 16.02,45.02")
	require.NoError(t, err)

	return []sqlgen.Statement{
		{ID: "S30001", File: "zagreb_001.kml", PlacemarkName: "zagreb", WorkingStreetID: "Zagreb",
			Polygon: kml.Polygon{Outer: outer, Holes: []kml.Ring{hole}}},
		{ID: "S30002", File: "split_001.kml", PlacemarkName: "split", WorkingStreetID: "Split",
			Polygon: kml.Polygon{Outer: outer}},
	}
}

func TestCoordinateRows(t *testing.T) {
	rows := CoordinateRows(statements(t))
	require.Len(t, rows, 5+4+5)

	assert.Equal(t, CoordinateRow{File: "zagreb_001.kml", PolygonID: "S30001", Ring: 0, Seq: 0, Lon: 16.0, Lat: 45.0}, rows[0])
	assert.Equal(t, int32(1), rows[5].Ring)
	assert.Equal(t, int32(0), rows[5].Seq)
	assert.Equal(t, "S30002", rows[9].PolygonID)
	assert.Equal(t, "polygon_coordinates", CoordinateRow{}.TableName())
}

func TestCoordinatesParquetRoundTrip(t *testing.T) {
	rows := CoordinateRows(statements(t))

	data, err := WriteCoordinatesParquet(rows)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got, err := ReadCoordinatesParquet(data)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestCoordinatesParquetEmpty(t *testing.T) {
	data, err := WriteCoordinatesParquet(nil)
	require.NoError(t, err)

	got, err := ReadCoordinatesParquet(data)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestZonesGeoJSON(t *testing.T) {
	data, err := ZonesGeoJSON(statements(t))
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	f := fc.Features[0]
	assert.Equal(t, "S30001", f.Properties.MustString("name"))
	assert.Equal(t, "Zagreb", f.Properties.MustString("working_street_id"))

	poly, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok)
	require.Len(t, poly, 2)
	assert.Equal(t, orb.Point{16.0, 45.0}, poly[0][0])
}

func TestOutput(t *testing.T) {
	o := NewOutput()
	o.Add(ZonesFile, []byte("{}"), 0)
	o.Add(StatementsFile, []byte("INSERT"), 1)

	assert.Equal(t, []string{StatementsFile, ZonesFile}, o.Names())
	assert.Equal(t, int64(1), o.RowCounts[StatementsFile])
	assert.True(t, VerifyChecksum([]byte("INSERT"), o.Checksums[StatementsFile]))
	assert.False(t, VerifyChecksum([]byte("insert"), o.Checksums[StatementsFile]))
	assert.Equal(t,
		"sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		ComputeChecksum(nil))
}
