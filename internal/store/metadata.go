package store

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

const (
	metaLastBatchAt        = "last_batch_at"
	metaLastBatchCompleted = "last_batch_completed"
	metaLastBatchFailed    = "last_batch_failed"
)

// SetMetadata upserts a key-value pair in the app_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(s.q(
		`INSERT INTO app_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(s.q(`SELECT value FROM app_metadata WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// RecordBatchRun stores the outcome of the latest batch.
func (s *Store) RecordBatchRun(run model.BatchRun) error {
	pairs := []struct{ k, v string }{
		{metaLastBatchAt, run.RanAt.UTC().Format(time.RFC3339Nano)},
		{metaLastBatchCompleted, strconv.Itoa(run.Completed)},
		{metaLastBatchFailed, strconv.Itoa(run.Failed)},
	}
	for _, p := range pairs {
		if err := s.SetMetadata(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// LastBatchRun returns the latest batch outcome, or nil if no batch ran
// since the last reset.
func (s *Store) LastBatchRun() (*model.BatchRun, error) {
	at, err := s.GetMetadata(metaLastBatchAt)
	if err != nil || at == "" {
		return nil, err
	}
	var run model.BatchRun
	if run.RanAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return nil, err
	}
	completed, err := s.GetMetadata(metaLastBatchCompleted)
	if err != nil {
		return nil, err
	}
	if run.Completed, err = strconv.Atoi(completed); err != nil {
		return nil, err
	}
	failed, err := s.GetMetadata(metaLastBatchFailed)
	if err != nil {
		return nil, err
	}
	if run.Failed, err = strconv.Atoi(failed); err != nil {
		return nil, err
	}
	return &run, nil
}
