// Package batch drives sheets through optimize, recognize and reconcile, one
// at a time.
package batch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/HusnaQayyum/Master-Checker/internal/grading"
	"github.com/HusnaQayyum/Master-Checker/internal/imageopt"
	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

const (
	DefaultPace        = 1500 * time.Millisecond
	DefaultItemTimeout = 2 * time.Minute
)

// Message IDs recorded on failed items; the i18n bundle translates them.
const (
	CodeDecodeFailed      = "ItemDecodeFailed"
	CodeRecognitionFailed = "ItemRecognitionFailed"
	CodeDuplicate         = "ItemDuplicate"
)

var diagnostics = map[string]string{
	CodeDecodeFailed:      "Could not read the image file",
	CodeRecognitionFailed: "API Timeout or Size Limit",
	CodeDuplicate:         "Sheet was already graded",
}

var (
	// ErrNoAnswerKey is returned when grading is attempted without a master key.
	ErrNoAnswerKey = errors.New("no answer key defined")
	// ErrBatchEmpty is returned when a batch has no sheets.
	ErrBatchEmpty = errors.New("batch has no sheets")
	// ErrSaveResults is returned with the report when graded results could
	// not be persisted.
	ErrSaveResults = errors.New("save results")
)

// Optimizer shrinks an uploaded image for transport.
type Optimizer interface {
	Optimize(ctx context.Context, data []byte) ([]byte, error)
}

// Recognizer extracts structured answers from an optimized image.
type Recognizer interface {
	Recognize(ctx context.Context, req model.RecognitionRequest) (*model.Sheet, error)
}

// ResultStore receives the completed results of a run.
type ResultStore interface {
	AppendResults(results []model.StudentResult) error
	ImageHashes() (map[string]bool, error)
	RecordBatchRun(run model.BatchRun) error
}

// Upload is one image submitted for processing.
type Upload struct {
	FileName string
	Data     []byte
}

// Progress is emitted after every item transition.
type Progress struct {
	Index    int                   `json:"index"`
	Statuses []model.ProcessStatus `json:"statuses"`
}

// Observer receives progress snapshots. Each snapshot is a fresh copy.
type Observer func(Progress)

// Report is the outcome of one run.
type Report struct {
	Statuses []model.ProcessStatus `json:"statuses"`
	Results  []model.StudentResult `json:"results"`
}

// Failed returns the number of items that ended in error.
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Statuses {
		if s.Status == model.StatusError {
			n++
		}
	}
	return n
}

// Controller runs batches sequentially. Only one recognition call is ever in
// flight per controller.
type Controller struct {
	optimizer  Optimizer
	recognizer Recognizer
	results    ResultStore

	pace           time.Duration
	itemTimeout    time.Duration
	skipDuplicates bool
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time

	mu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

func WithPace(d time.Duration) Option        { return func(c *Controller) { c.pace = d } }
func WithItemTimeout(d time.Duration) Option { return func(c *Controller) { c.itemTimeout = d } }
func WithSkipDuplicates(b bool) Option       { return func(c *Controller) { c.skipDuplicates = b } }
func WithClock(now func() time.Time) Option  { return func(c *Controller) { c.now = now } }

// WithSleep replaces the pacing sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// New creates a Controller.
func New(o Optimizer, r Recognizer, results ResultStore, opts ...Option) *Controller {
	c := &Controller{
		optimizer:   o,
		recognizer:  r,
		results:     results,
		pace:        DefaultPace,
		itemTimeout: DefaultItemTimeout,
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunBatch grades uploads against key in order. Per-item failures are
// recorded on the item and never abort the run. Completed results are
// appended to the result store once the loop ends, including when ctx is
// canceled between items; in that case the untouched items stay pending and
// the returned error wraps ctx.Err().
func (c *Controller) RunBatch(ctx context.Context, key *model.AnswerKey, uploads []Upload, observe Observer) (*Report, error) {
	if key == nil {
		return nil, ErrNoAnswerKey
	}
	if key.TotalQuestions <= 0 || len(key.Answers) == 0 {
		return nil, grading.ErrEmptyAnswerKey
	}
	if len(uploads) == 0 {
		return nil, ErrBatchEmpty
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Later edits to the caller's key must not affect this run.
	key = key.Clone()

	known := map[string]bool{}
	if c.skipDuplicates {
		hashes, err := c.results.ImageHashes()
		if err != nil {
			return nil, fmt.Errorf("load image hashes: %w", err)
		}
		known = hashes
	}

	q := newQueue(uploads)
	emit := func(i int) {
		if observe != nil {
			observe(Progress{Index: i, Statuses: q.snapshot()})
		}
	}
	emit(-1)

	submittedAt := c.now()
	var (
		results []model.StudentResult
		runErr  error
		started int
	)

	for i, u := range uploads {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("batch stopped after %d of %d sheets: %w", i, len(uploads), err)
			break
		}

		hash := fingerprint(u.Data)
		if c.skipDuplicates && known[hash] {
			slog.Warn("skipping duplicate sheet", "file", u.FileName, "hash", hash)
			if err := c.transition(q, i, Event{Kind: EventStart}, emit); err != nil {
				return nil, err
			}
			if err := c.transition(q, i, failure(CodeDuplicate), emit); err != nil {
				return nil, err
			}
			continue
		}

		if started > 0 && c.pace > 0 {
			if err := c.sleep(ctx, c.pace); err != nil {
				runErr = fmt.Errorf("batch stopped after %d of %d sheets: %w", i, len(uploads), err)
				break
			}
		}
		started++

		if err := c.transition(q, i, Event{Kind: EventStart}, emit); err != nil {
			return nil, err
		}
		ev := c.process(ctx, key, i, u, hash, submittedAt)
		if err := c.transition(q, i, ev, emit); err != nil {
			return nil, err
		}
		if ev.Kind == EventComplete {
			// Only graded sheets count as seen; a failed copy may be retried.
			known[hash] = true
			results = append(results, *ev.Result)
		}
	}

	report := &Report{Statuses: q.snapshot(), Results: results}

	if len(results) > 0 {
		if err := c.results.AppendResults(results); err != nil {
			return report, fmt.Errorf("%w: %w", ErrSaveResults, err)
		}
	}
	run := model.BatchRun{RanAt: c.now(), Completed: len(results), Failed: report.Failed()}
	if err := c.results.RecordBatchRun(run); err != nil {
		slog.Warn("failed to record batch run", "error", err)
	}

	slog.Info("batch finished", "sheets", len(uploads), "completed", run.Completed, "failed", run.Failed)
	return report, runErr
}

func (c *Controller) transition(q *queue, i int, ev Event, emit func(int)) error {
	if err := q.apply(i, ev); err != nil {
		return fmt.Errorf("item %d: %w", i, err)
	}
	emit(i)
	return nil
}

// process runs one item to a terminal event. Cancellation is only observed
// between items, so the item context is detached from ctx and bounded by
// the item timeout instead.
func (c *Controller) process(ctx context.Context, key *model.AnswerKey, i int, u Upload, hash string, submittedAt time.Time) Event {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.itemTimeout)
	defer cancel()

	optimized, err := c.optimizer.Optimize(itemCtx, u.Data)
	if err != nil {
		slog.Error("sheet decode failed", "file", u.FileName, "error", err)
		return failure(CodeDecodeFailed)
	}

	sheet, err := c.recognizer.Recognize(itemCtx, model.RecognitionRequest{
		Image:             optimized,
		Mode:              model.ModeStudentSheet,
		ExpectedQuestions: key.TotalQuestions,
	})
	if err != nil {
		slog.Error("sheet recognition failed", "file", u.FileName, "error", err)
		return failure(CodeRecognitionFailed)
	}

	outcome, err := grading.Reconcile(key, sheet.Answers)
	if err != nil {
		slog.Error("sheet reconciliation failed", "file", u.FileName, "error", err)
		return failure(CodeRecognitionFailed)
	}

	result := buildResult(i, sheet, outcome, submittedAt, c.now())
	result.ImageURL = imageopt.DataURI(optimized)
	result.ImageHash = hash

	slog.Debug("sheet graded", "file", u.FileName, "student", result.StudentName, "score", result.Score, "grade", result.Grade)
	return Event{Kind: EventComplete, Result: &result}
}

func buildResult(i int, sheet *model.Sheet, o grading.Outcome, submittedAt, checkedAt time.Time) model.StudentResult {
	name := sheet.StudentName
	if name == "" {
		name = fmt.Sprintf("Student %d", i+1)
	}
	id := sheet.StudentID
	if id == "" {
		id = "N/A"
	}
	return model.StudentResult{
		ID:             fmt.Sprintf("%d-%d", submittedAt.UnixMilli(), i),
		StudentName:    name,
		StudentID:      id,
		Answers:        o.NormalizedAnswers,
		IsCorrect:      o.IsCorrect,
		Score:          o.Score,
		TotalQuestions: o.TotalQuestions,
		Percentage:     o.Percentage,
		Grade:          o.Grade,
		CheckedAt:      checkedAt,
	}
}

// ExtractMasterKey runs a single image through optimize and recognize in
// master-key mode. The returned key is a draft; callers validate it before saving.
func (c *Controller) ExtractMasterKey(ctx context.Context, u Upload) (*model.AnswerKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	optimized, err := c.optimizer.Optimize(ctx, u.Data)
	if err != nil {
		return nil, fmt.Errorf("optimize %s: %w", u.FileName, err)
	}
	sheet, err := c.recognizer.Recognize(ctx, model.RecognitionRequest{Image: optimized, Mode: model.ModeMasterKey})
	if err != nil {
		return nil, fmt.Errorf("extract master key from %s: %w", u.FileName, err)
	}

	key := model.NewAnswerKey(model.KeyNameFromFile(u.FileName), sheet.Answers, c.now())
	slog.Info("extracted master key", "file", u.FileName, "questions", key.TotalQuestions)
	return key, nil
}

// Diagnostic returns the generic English text for a failure code.
func Diagnostic(code string) string {
	return diagnostics[code]
}

func failure(code string) Event {
	return Event{Kind: EventFail, Code: code, Message: diagnostics[code]}
}

func fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
