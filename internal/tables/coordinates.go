// Package tables builds the tabular and geometry exports of a batch: the
// coordinate table (parquet), the zone feature collection (GeoJSON) and
// the checksummed artifact set.
package tables

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/kmzproc/internal/sqlgen"
)

// CoordinateRow is one vertex of a generated polygon. Ring 0 is the outer
// boundary; holes follow from 1.
type CoordinateRow struct {
	File      string  `parquet:"file" json:"file"`
	PolygonID string  `parquet:"polygon_id" json:"polygon_id"`
	Ring      int32   `parquet:"ring" json:"ring"`
	Seq       int32   `parquet:"seq" json:"seq"`
	Lon       float64 `parquet:"lon" json:"lon"`
	Lat       float64 `parquet:"lat" json:"lat"`
	Alt       float64 `parquet:"alt" json:"alt"`
}

// TableName returns the canonical table name.
func (CoordinateRow) TableName() string {
	return "polygon_coordinates"
}

// CoordinateRows flattens the vertices of every statement's polygon.
func CoordinateRows(stmts []sqlgen.Statement) []CoordinateRow {
	var rows []CoordinateRow
	for _, st := range stmts {
		for ri, ring := range st.Polygon.Rings() {
			for vi, c := range ring {
				rows = append(rows, CoordinateRow{
					File:      st.File,
					PolygonID: st.ID,
					Ring:      int32(ri),
					Seq:       int32(vi),
					Lon:       c.Lon,
					Lat:       c.Lat,
					Alt:       c.Alt,
				})
			}
		}
	}
	return rows
}

// WriteCoordinatesParquet encodes rows as a zstd-compressed parquet file.
func WriteCoordinatesParquet(rows []CoordinateRow) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[CoordinateRow](&buf, parquet.Compression(&parquet.Zstd))

	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write coordinate rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadCoordinatesParquet decodes a file written by WriteCoordinatesParquet.
func ReadCoordinatesParquet(data []byte) ([]CoordinateRow, error) {
	rows, err := parquet.Read[CoordinateRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read coordinate rows: %w", err)
	}
	return rows, nil
}
