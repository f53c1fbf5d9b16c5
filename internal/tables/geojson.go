package tables

import (
	"fmt"

	"github.com/paulmach/orb/geojson"

	"github.com/withObsrvr/kmzproc/internal/sqlgen"
)

// ZonesGeoJSON renders every generated polygon as a GeoJSON feature
// carrying its record name, source file and working street.
func ZonesGeoJSON(stmts []sqlgen.Statement) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, st := range stmts {
		f := geojson.NewFeature(st.Polygon.Orb())
		f.ID = st.ID
		f.Properties["name"] = st.ID
		f.Properties["placemark"] = st.PlacemarkName
		f.Properties["file"] = st.File
		f.Properties["working_street_id"] = st.WorkingStreetID
		fc.Append(f)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal zones: %w", err)
	}
	return data, nil
}
