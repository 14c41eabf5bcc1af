package store

import (
	"fmt"
	"time"

	"github.com/HusnaQayyum/Master-Checker/internal/grading"
	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

// Export builds the export document from the stored key, results and
// last-run metadata.
func (s *Store) Export(includeImages bool, now time.Time) (*model.ResultsExport, error) {
	key, err := s.LoadAnswerKey()
	if err != nil {
		return nil, err
	}
	results, err := s.ListResults()
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	run, err := s.LastBatchRun()
	if err != nil {
		return nil, fmt.Errorf("last batch run: %w", err)
	}
	if results == nil {
		results = []model.StudentResult{}
	}

	exp := model.ResultsExport{
		ExportedAt: now.UTC(),
		Key:        key,
		Summary:    grading.Summarize(key, results),
		LastRun:    run,
		Results:    results,
	}
	if !includeImages {
		exp = exp.WithoutImages()
	}
	return &exp, nil
}
