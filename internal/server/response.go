package server

import (
	"github.com/withObsrvr/kmzproc/internal/kml"
	"github.com/withObsrvr/kmzproc/internal/pipeline"
	"github.com/withObsrvr/kmzproc/internal/storage"
	"github.com/withObsrvr/kmzproc/internal/tables"
)

// ProcessResponse is the JSON body of a successful POST /api/process.
type ProcessResponse struct {
	BatchID      string                          `json:"batch_id"`
	City         string                          `json:"city"`
	CounterStart int64                           `json:"counter_start"`
	FinalCounter int64                           `json:"final_counter"`
	SQL          string                          `json:"sql"`
	Statements   []StatementView                 `json:"statements"`
	Coordinates  []tables.CoordinateRow          `json:"coordinates"`
	MergedKML    []byte                          `json:"merged_kml"` // base64 in JSON
	Failed       []FailureView                   `json:"failed,omitempty"`
	Warnings     []string                        `json:"warnings,omitempty"`
	Published    bool                            `json:"published"`
	Artifacts    map[string]storage.ArtifactInfo `json:"artifacts"`
}

// StatementView describes one generated statement.
type StatementView struct {
	ID              string `json:"id"`
	File            string `json:"file"`
	Placemark       int    `json:"placemark"`
	Name            string `json:"name"`
	WorkingStreetID string `json:"working_street_id"`
	WKT             string `json:"wkt"`
}

// FailureView describes an upload dropped under the skip policy.
type FailureView struct {
	Upload  string `json:"upload"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newProcessResponse(res *pipeline.Result) ProcessResponse {
	out := ProcessResponse{
		BatchID:      res.BatchID,
		City:         res.City,
		CounterStart: res.CounterStart.Int64(),
		FinalCounter: res.CounterEnd.Int64(),
		SQL:          res.SQL(),
		Coordinates:  res.Coordinates,
		MergedKML:    res.MergedKML,
		Warnings:     res.Validation.Warnings,
		Published:    res.Published,
	}
	for _, st := range res.Statements {
		out.Statements = append(out.Statements, StatementView{
			ID:              st.ID,
			File:            st.File,
			Placemark:       st.Placemark,
			Name:            st.PlacemarkName,
			WorkingStreetID: st.WorkingStreetID,
			WKT:             st.WKT,
		})
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, FailureView{
			Upload:  f.Upload,
			Kind:    kml.KindName(f.Err),
			Message: f.Err.Error(),
		})
	}
	if res.Manifest != nil {
		out.Artifacts = res.Manifest.Artifacts
	}
	return out
}
