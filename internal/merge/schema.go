package merge

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/withObsrvr/kmzproc/internal/kml"
)

// LastEditTimeFormat is the layout of the LastEditTime field.
const LastEditTimeFormat = "2006-01-02T15:04:05"

// AreaIDKey is the upstream metadata key logged before ExtendedData is replaced.
const AreaIDKey = "Area ID"

// Field is one entry of the injected ExtendedData block.
type Field struct {
	Name  string
	Value string
}

// SchemaKeys lists the injected keys in output order.
var SchemaKeys = []string{
	"Color",
	"ID",
	"OriginalName",
	"ImportOrigin",
	"ImportCreatedTime",
	"ImportModifiedTime",
	"Checked",
	"LastEditTime",
	"LastEditUser",
	"ParkingType",
	"Capacity",
	"CalculatedCapacity",
	"UserCapacity",
	"ParkingPolicy",
	"InactiveFrom",
	"InactiveTo",
	"PointCount",
	"CollectionId",
	"CollectionPoints",
	"WSID",
	"Regime:Default",
}

// schemaInput carries the per-placemark values of the schema.
type schemaInput struct {
	DisplayName     string
	OriginalName    string
	EditTime        time.Time
	EditUser        string
	PointCount      int
	WorkingStreetID string
}

// schema builds the ordered field list for one placemark.
func schema(in schemaInput) []Field {
	return []Field{
		{"Color", "000000FF"},
		{"ID", in.DisplayName},
		{"OriginalName", in.OriginalName},
		{"ImportOrigin", ""},
		{"ImportCreatedTime", ""},
		{"ImportModifiedTime", ""},
		{"Checked", "False"},
		{"LastEditTime", in.EditTime.Format(LastEditTimeFormat)},
		{"LastEditUser", in.EditUser},
		{"ParkingType", "Parallel"},
		{"Capacity", "1"},
		{"CalculatedCapacity", ""},
		{"UserCapacity", "1"},
		{"ParkingPolicy", "DEFAULT"},
		{"InactiveFrom", ""},
		{"InactiveTo", ""},
		{"PointCount", fmt.Sprint(in.PointCount)},
		{"CollectionId", ""},
		{"CollectionPoints", ""},
		{"WSID", in.WorkingStreetID},
		{"Regime:Default", "DEFAULT"},
	}
}

// ExtendedDataPolicy decides what happens to metadata already present on a
// source placemark.
type ExtendedDataPolicy string

const (
	// ExtendedDataReplace drops existing metadata.
	ExtendedDataReplace ExtendedDataPolicy = "replace"
	// ExtendedDataMerge keeps existing keys the schema does not define,
	// after the schema block.
	ExtendedDataMerge ExtendedDataPolicy = "merge"
)

// ParseExtendedDataPolicy validates a policy name. Empty means replace.
func ParseExtendedDataPolicy(s string) (ExtendedDataPolicy, error) {
	switch ExtendedDataPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExtendedDataReplace:
		return ExtendedDataReplace, nil
	case ExtendedDataMerge:
		return ExtendedDataMerge, nil
	default:
		return "", fmt.Errorf("unknown extended data policy %q (want replace or merge)", s)
	}
}

// dataValue returns the value of Data[@name=key]/value inside ext.
func dataValue(ext *etree.Element, key string) (string, bool) {
	for _, d := range kml.Children(ext, "Data") {
		if d.SelectAttrValue("name", "") != key {
			continue
		}
		if v := kml.Child(d, "value"); v != nil {
			return strings.TrimSpace(v.Text()), true
		}
		return "", true
	}
	return "", false
}

// Fields reads the Data entries of an ExtendedData element in order.
func Fields(ext *etree.Element) []Field {
	var out []Field
	for _, d := range kml.Children(ext, "Data") {
		f := Field{Name: d.SelectAttrValue("name", "")}
		if v := kml.Child(d, "value"); v != nil {
			f.Value = v.Text()
		}
		out = append(out, f)
	}
	return out
}

func writeFields(ext *etree.Element, fields []Field) {
	for _, f := range fields {
		d := ext.CreateElement("Data")
		d.CreateAttr("name", f.Name)
		d.CreateElement("value").SetText(f.Value)
	}
}
