package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/HusnaQayyum/Master-Checker/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// answer_keys holds a single row; the key is replaced wholesale on save.
const keySlot = 1

type Store struct {
	db     *sql.DB
	driver Driver
}

// New opens the database for driver and ensures the schema exists.
func New(driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite, "":
		driver, drvName = DriverSQLite, "sqlite"
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		drvName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases alive and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "mcqchecker.db"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS answer_keys (
		slot INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		answers_json TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		last_updated INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS student_results (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		student_name TEXT NOT NULL,
		student_id TEXT NOT NULL,
		answers_json TEXT NOT NULL,
		correct_json TEXT NOT NULL,
		score INTEGER NOT NULL,
		total_questions INTEGER NOT NULL,
		percentage REAL NOT NULL,
		grade TEXT NOT NULL,
		checked_at INTEGER NOT NULL,
		image_url TEXT NOT NULL DEFAULT '',
		image_hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_student_results_hash ON student_results(image_hash)`,
	`CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS answer_keys (
		slot INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		answers_json TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		last_updated BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS student_results (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		student_name TEXT NOT NULL,
		student_id TEXT NOT NULL,
		answers_json TEXT NOT NULL,
		correct_json TEXT NOT NULL,
		score INTEGER NOT NULL,
		total_questions INTEGER NOT NULL,
		percentage DOUBLE PRECISION NOT NULL,
		grade TEXT NOT NULL,
		checked_at BIGINT NOT NULL,
		image_url TEXT NOT NULL DEFAULT '',
		image_hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_student_results_hash ON student_results(image_hash)`,
	`CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// q rewrites ? placeholders to $n for Postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveAnswerKey replaces the stored master key.
func (s *Store) SaveAnswerKey(k *model.AnswerKey) error {
	answers, err := json.Marshal(k.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	_, err = s.db.Exec(s.q(
		`INSERT INTO answer_keys (slot, id, name, answers_json, total_questions, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET id = excluded.id, name = excluded.name,
		 answers_json = excluded.answers_json, total_questions = excluded.total_questions,
		 last_updated = excluded.last_updated`),
		keySlot, k.ID, k.Name, string(answers), k.TotalQuestions, k.LastUpdated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save answer key: %w", err)
	}
	return nil
}

// LoadAnswerKey returns the stored master key, or nil if none was saved.
func (s *Store) LoadAnswerKey() (*model.AnswerKey, error) {
	var (
		k       model.AnswerKey
		answers string
		updated int64
	)
	err := s.db.QueryRow(s.q(
		`SELECT id, name, answers_json, total_questions, last_updated FROM answer_keys WHERE slot = ?`), keySlot,
	).Scan(&k.ID, &k.Name, &answers, &k.TotalQuestions, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &k.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if k.Answers == nil {
		k.Answers = map[int]string{}
	}
	k.LastUpdated = time.UnixMilli(updated).UTC()
	return &k, nil
}

// AppendResults stores results in order within one transaction.
func (s *Store) AppendResults(results []model.StudentResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := s.q(`INSERT INTO student_results
		(id, student_name, student_id, answers_json, correct_json, score, total_questions,
		 percentage, grade, checked_at, image_url, image_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range results {
		answers, err := json.Marshal(r.Answers)
		if err != nil {
			return fmt.Errorf("encode answers for %s: %w", r.ID, err)
		}
		correct, err := json.Marshal(r.IsCorrect)
		if err != nil {
			return fmt.Errorf("encode correctness for %s: %w", r.ID, err)
		}
		if _, err := tx.Exec(insert,
			r.ID, r.StudentName, r.StudentID, string(answers), string(correct), r.Score, r.TotalQuestions,
			r.Percentage, string(r.Grade), r.CheckedAt.UnixMilli(), r.ImageURL, r.ImageHash,
		); err != nil {
			return fmt.Errorf("insert result %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// ListResults returns all stored results in insertion order.
func (s *Store) ListResults() ([]model.StudentResult, error) {
	rows, err := s.db.Query(
		`SELECT id, student_name, student_id, answers_json, correct_json, score, total_questions,
		 percentage, grade, checked_at, image_url, image_hash
		 FROM student_results ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.StudentResult
	for rows.Next() {
		var (
			r                model.StudentResult
			answers, correct string
			grade            string
			checked          int64
		)
		if err := rows.Scan(&r.ID, &r.StudentName, &r.StudentID, &answers, &correct, &r.Score, &r.TotalQuestions,
			&r.Percentage, &grade, &checked, &r.ImageURL, &r.ImageHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(correct), &r.IsCorrect); err != nil {
			return nil, fmt.Errorf("decode correctness for %s: %w", r.ID, err)
		}
		r.Grade = model.Grade(grade)
		r.CheckedAt = time.UnixMilli(checked).UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}

// ResultCount returns the number of stored results.
func (s *Store) ResultCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM student_results`).Scan(&count)
	return count, err
}

// ImageHashes returns the fingerprints of every stored sheet.
func (s *Store) ImageHashes() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT DISTINCT image_hash FROM student_results WHERE image_hash <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes[h] = true
	}
	return hashes, rows.Err()
}

// Clear removes the key, every result and all metadata.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"answer_keys", "student_results", "app_metadata"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
