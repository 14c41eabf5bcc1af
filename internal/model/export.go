package model

import "time"

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Key        *AnswerKey      `json:"key,omitempty"`
	Summary    Summary         `json:"summary"`
	LastRun    *BatchRun       `json:"last_run,omitempty"`
	Results    []StudentResult `json:"results"`
}

// WithoutImages returns a copy of the export with image payloads stripped.
func (e ResultsExport) WithoutImages() ResultsExport {
	out := e
	out.Results = make([]StudentResult, len(e.Results))
	for i, r := range e.Results {
		r.ImageURL = ""
		out.Results[i] = r
	}
	return out
}
