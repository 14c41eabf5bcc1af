package batch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HusnaQayyum/Master-Checker/internal/grading"
	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

type passOptimizer struct{}

func (passOptimizer) Optimize(_ context.Context, data []byte) ([]byte, error) {
	if string(data) == "corrupt" {
		return nil, errors.New("decode image: unexpected EOF")
	}
	return data, nil
}

// fakeRecognizer answers by image content and tracks concurrent calls.
type fakeRecognizer struct {
	mu       sync.Mutex
	sheets   map[string]*model.Sheet
	requests []model.RecognitionRequest
	inFlight int
	maxSeen  int
	delay    time.Duration
	failures int // number of leading calls that fail
}

func (r *fakeRecognizer) Recognize(ctx context.Context, req model.RecognitionRequest) (*model.Sheet, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	sheet, ok := r.sheets[string(req.Image)]
	if r.failures > 0 {
		r.failures--
		ok = false
	}
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	if !ok {
		return nil, errors.New("recognize: 504 gateway timeout")
	}
	return sheet, nil
}

type memResults struct {
	mu      sync.Mutex
	results []model.StudentResult
	runs    []model.BatchRun
	hashes  map[string]bool
	saveErr error
}

func (m *memResults) AppendResults(rs []model.StudentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.results = append(m.results, rs...)
	return nil
}

func (m *memResults) ImageHashes() (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for h := range m.hashes {
		out[h] = true
	}
	for _, r := range m.results {
		out[r.ImageHash] = true
	}
	return out, nil
}

func (m *memResults) RecordBatchRun(run model.BatchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
	hook  func()
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func testKey() *model.AnswerKey {
	return model.NewAnswerKey("Quiz", []model.Answer{
		{QuestionNumber: 1, Answer: "A"},
		{QuestionNumber: 2, Answer: "B"},
		{QuestionNumber: 3, Answer: "C"},
	}, fixedNow)
}

func fullMarks() *model.Sheet {
	return &model.Sheet{StudentName: "Ali", StudentID: "7", Answers: []model.Answer{
		{QuestionNumber: 1, Answer: "A"}, {QuestionNumber: 2, Answer: "B"}, {QuestionNumber: 3, Answer: "C"},
	}}
}

func newTestController(rec *fakeRecognizer, store *memResults, s *recordingSleep, opts ...Option) *Controller {
	base := []Option{WithSleep(s.sleep), WithClock(func() time.Time { return fixedNow })}
	return New(passOptimizer{}, rec, store, append(base, opts...)...)
}

func statuses(ps []model.ProcessStatus) []model.ItemStatus {
	out := make([]model.ItemStatus, len(ps))
	for i, p := range ps {
		out[i] = p.Status
	}
	return out
}

func TestRunBatchMiddleItemFails(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{
		"sheet-1": fullMarks(),
		"sheet-3": {Answers: []model.Answer{{QuestionNumber: 1, Answer: "a"}, {QuestionNumber: 2, Answer: "C"}}},
	}}
	store := &memResults{}
	sleep := &recordingSleep{}
	c := newTestController(rec, store, sleep)

	uploads := []Upload{
		{FileName: "one.jpg", Data: []byte("sheet-1")},
		{FileName: "two.jpg", Data: []byte("sheet-2")},
		{FileName: "three.jpg", Data: []byte("sheet-3")},
	}

	var snaps []Progress
	report, err := c.RunBatch(context.Background(), testKey(), uploads, func(p Progress) { snaps = append(snaps, p) })
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	want := []model.ItemStatus{model.StatusCompleted, model.StatusError, model.StatusCompleted}
	if got := statuses(report.Statuses); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if report.Statuses[1].ErrorCode != CodeRecognitionFailed || report.Statuses[1].Error == "" {
		t.Errorf("item 2 diagnostic = %q/%q", report.Statuses[1].ErrorCode, report.Statuses[1].Error)
	}
	if report.Failed() != 1 {
		t.Errorf("Failed() = %d, want 1", report.Failed())
	}
	if len(store.results) != 2 {
		t.Fatalf("stored %d results, want 2", len(store.results))
	}

	first, third := store.results[0], store.results[1]
	if first.Score != 3 || first.Grade != model.GradeAPlus || first.StudentName != "Ali" {
		t.Errorf("first result = %+v", first)
	}
	if third.StudentName != "Student 3" || third.StudentID != "N/A" {
		t.Errorf("defaults not applied: name=%q id=%q", third.StudentName, third.StudentID)
	}
	if third.Score != 1 || third.Answers[3] != "" {
		t.Errorf("third result = %+v", third)
	}
	if want := "1714555800000-2"; third.ID != want {
		t.Errorf("ID = %q, want %q", third.ID, want)
	}
	if !strings.HasPrefix(third.ImageURL, "data:image/jpeg;base64,") || third.ImageHash == "" {
		t.Errorf("image fields not set: %q %q", third.ImageURL, third.ImageHash)
	}

	if !reflect.DeepEqual(sleep.waits, []time.Duration{DefaultPace, DefaultPace}) {
		t.Errorf("pacing waits = %v, want two of %v", sleep.waits, DefaultPace)
	}

	// initial + two transitions per item
	if len(snaps) != 7 {
		t.Fatalf("got %d snapshots, want 7", len(snaps))
	}
	if snaps[0].Index != -1 || snaps[0].Statuses[0].Status != model.StatusPending {
		t.Errorf("first snapshot = %+v", snaps[0])
	}
	if snaps[1].Statuses[0].Status != model.StatusProcessing {
		t.Errorf("snapshot after start = %v", statuses(snaps[1].Statuses))
	}
	if len(store.runs) != 1 || store.runs[0].Completed != 2 || store.runs[0].Failed != 1 {
		t.Errorf("batch run = %+v", store.runs)
	}
	for _, req := range rec.requests {
		if req.Mode != model.ModeStudentSheet || req.ExpectedQuestions != 3 {
			t.Errorf("request = mode %s expected %d", req.Mode, req.ExpectedQuestions)
		}
	}
}

func TestRunBatchDecodeFailure(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"ok": fullMarks()}}
	c := newTestController(rec, &memResults{}, &recordingSleep{})

	report, err := c.RunBatch(context.Background(), testKey(), []Upload{
		{FileName: "bad.png", Data: []byte("corrupt")},
		{FileName: "ok.png", Data: []byte("ok")},
	}, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if report.Statuses[0].ErrorCode != CodeDecodeFailed {
		t.Errorf("ErrorCode = %q, want %q", report.Statuses[0].ErrorCode, CodeDecodeFailed)
	}
	if report.Statuses[1].Status != model.StatusCompleted {
		t.Errorf("second item = %s, want completed", report.Statuses[1].Status)
	}
	if len(rec.requests) != 1 {
		t.Errorf("recognizer called %d times, want 1", len(rec.requests))
	}
}

func TestRunBatchPreconditions(t *testing.T) {
	c := newTestController(&fakeRecognizer{}, &memResults{}, &recordingSleep{})
	one := []Upload{{FileName: "a.jpg", Data: []byte("a")}}
	empty := &model.AnswerKey{Name: "Empty", Answers: map[int]string{}}

	tests := []struct {
		name    string
		key     *model.AnswerKey
		uploads []Upload
		want    error
	}{
		{"no key", nil, one, ErrNoAnswerKey},
		{"zero questions", empty, one, grading.ErrEmptyAnswerKey},
		{"no sheets", testKey(), nil, ErrBatchEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := c.RunBatch(context.Background(), tt.key, tt.uploads, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if report != nil {
				t.Errorf("report = %+v, want nil", report)
			}
		})
	}
}

func TestRunBatchCancelBetweenItems(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"s1": fullMarks(), "s2": fullMarks(), "s3": fullMarks()}}
	store := &memResults{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestController(rec, store, &recordingSleep{})
	uploads := []Upload{{FileName: "1", Data: []byte("s1")}, {FileName: "2", Data: []byte("s2")}, {FileName: "3", Data: []byte("s3")}}

	report, err := c.RunBatch(ctx, testKey(), uploads, func(p Progress) {
		if p.Index == 0 && p.Statuses[0].Status == model.StatusCompleted {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	want := []model.ItemStatus{model.StatusCompleted, model.StatusPending, model.StatusPending}
	if got := statuses(report.Statuses); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if len(store.results) != 1 {
		t.Errorf("stored %d results, want 1", len(store.results))
	}
}

func TestRunBatchCancelDuringPacing(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"s1": fullMarks(), "s2": fullMarks()}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleep := &recordingSleep{hook: cancel}
	c := newTestController(rec, &memResults{}, sleep)

	report, err := c.RunBatch(ctx, testKey(), []Upload{{FileName: "1", Data: []byte("s1")}, {FileName: "2", Data: []byte("s2")}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report.Statuses[1].Status != model.StatusPending {
		t.Errorf("second item = %s, want pending", report.Statuses[1].Status)
	}
}

func TestRunBatchNeverOverlaps(t *testing.T) {
	rec := &fakeRecognizer{delay: 5 * time.Millisecond, sheets: map[string]*model.Sheet{"a": fullMarks(), "b": fullMarks()}}
	c := newTestController(rec, &memResults{}, &recordingSleep{})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.RunBatch(context.Background(), testKey(), []Upload{{FileName: "a", Data: []byte("a")}, {FileName: "b", Data: []byte("b")}}, nil); err != nil {
				t.Errorf("RunBatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if rec.maxSeen != 1 {
		t.Errorf("max concurrent recognitions = %d, want 1", rec.maxSeen)
	}
	if len(rec.requests) != 6 {
		t.Errorf("requests = %d, want 6", len(rec.requests))
	}
}

func TestRunBatchSnapshotsAreIndependent(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"a": fullMarks()}}
	c := newTestController(rec, &memResults{}, &recordingSleep{})

	var snaps []Progress
	_, err := c.RunBatch(context.Background(), testKey(), []Upload{{FileName: "a", Data: []byte("a")}}, func(p Progress) { snaps = append(snaps, p) })
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	got := []model.ItemStatus{snaps[0].Statuses[0].Status, snaps[1].Statuses[0].Status, snaps[2].Statuses[0].Status}
	want := []model.ItemStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("snapshot history = %v, want %v", got, want)
	}
}

func TestRunBatchSkipDuplicates(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"a": fullMarks(), "b": fullMarks()}}
	store := &memResults{}
	sleep := &recordingSleep{}
	c := newTestController(rec, store, sleep, WithSkipDuplicates(true))

	if _, err := c.RunBatch(context.Background(), testKey(), []Upload{{FileName: "a", Data: []byte("a")}}, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := c.RunBatch(context.Background(), testKey(), []Upload{
		{FileName: "a-again", Data: []byte("a")},
		{FileName: "b", Data: []byte("b")},
		{FileName: "b-copy", Data: []byte("b")},
	}, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	want := []model.ItemStatus{model.StatusError, model.StatusCompleted, model.StatusError}
	if got := statuses(report.Statuses); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if report.Statuses[0].ErrorCode != CodeDuplicate {
		t.Errorf("ErrorCode = %q, want %q", report.Statuses[0].ErrorCode, CodeDuplicate)
	}
	if len(rec.requests) != 2 {
		t.Errorf("recognizer calls = %d, want 2", len(rec.requests))
	}
	if len(sleep.waits) != 0 {
		t.Errorf("duplicates should not be paced: %v", sleep.waits)
	}
}

func TestRunBatchRetriesFailedCopy(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"a": fullMarks()}, failures: 1}
	store := &memResults{}
	c := newTestController(rec, store, &recordingSleep{}, WithSkipDuplicates(true))

	report, err := c.RunBatch(context.Background(), testKey(), []Upload{
		{FileName: "a.jpg", Data: []byte("a")},
		{FileName: "a-retry.jpg", Data: []byte("a")},
	}, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	want := []model.ItemStatus{model.StatusError, model.StatusCompleted}
	if got := statuses(report.Statuses); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if report.Statuses[0].ErrorCode != CodeRecognitionFailed {
		t.Errorf("first ErrorCode = %q, want %q", report.Statuses[0].ErrorCode, CodeRecognitionFailed)
	}
	if len(rec.requests) != 2 {
		t.Errorf("recognizer calls = %d, want 2", len(rec.requests))
	}
	if len(store.results) != 1 {
		t.Errorf("stored results = %d, want 1", len(store.results))
	}
}

func TestRunBatchSaveFailure(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"a": fullMarks()}}
	store := &memResults{saveErr: errors.New("no such table: student_results")}
	c := newTestController(rec, store, &recordingSleep{})

	report, err := c.RunBatch(context.Background(), testKey(), []Upload{{FileName: "a", Data: []byte("a")}}, nil)
	if !errors.Is(err, ErrSaveResults) {
		t.Fatalf("err = %v, want ErrSaveResults", err)
	}
	if report == nil || len(report.Results) != 1 {
		t.Fatalf("report = %+v, want the unsaved result", report)
	}
	if errors.Is(err, context.Canceled) {
		t.Error("save failure must not look like cancellation")
	}
}

func TestRunBatchUsesKeySnapshot(t *testing.T) {
	key := testKey()
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"a": fullMarks()}}
	c := newTestController(rec, &memResults{}, &recordingSleep{})

	report, err := c.RunBatch(context.Background(), key, []Upload{{FileName: "a", Data: []byte("a")}}, func(p Progress) {
		key.Answers[1] = "D"
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if report.Results[0].Score != 3 {
		t.Errorf("score = %d, want 3 against the key as it was at submission", report.Results[0].Score)
	}
}

func TestExtractMasterKey(t *testing.T) {
	rec := &fakeRecognizer{sheets: map[string]*model.Sheet{"key": {Answers: []model.Answer{
		{QuestionNumber: 2, Answer: "b"}, {QuestionNumber: 1, Answer: "D"},
	}}}}
	sleep := &recordingSleep{}
	c := newTestController(rec, &memResults{}, sleep)

	key, err := c.ExtractMasterKey(context.Background(), Upload{FileName: "Midterm Key.jpeg", Data: []byte("key")})
	if err != nil {
		t.Fatalf("ExtractMasterKey: %v", err)
	}
	if key.Name != "Midterm Key" || key.TotalQuestions != 2 || key.Answers[2] != "B" {
		t.Errorf("key = %+v", key)
	}
	if rec.requests[0].Mode != model.ModeMasterKey {
		t.Errorf("mode = %s, want master_key", rec.requests[0].Mode)
	}
	if len(sleep.waits) != 0 {
		t.Errorf("master key extraction should not pace: %v", sleep.waits)
	}

	if _, err := c.ExtractMasterKey(context.Background(), Upload{FileName: "x.jpg", Data: []byte("missing")}); err == nil {
		t.Error("expected recognition error")
	}
}

func TestReduce(t *testing.T) {
	result := &model.StudentResult{ID: "r"}
	tests := []struct {
		name    string
		from    model.ItemStatus
		ev      Event
		want    model.ItemStatus
		wantErr bool
	}{
		{"start", model.StatusPending, Event{Kind: EventStart}, model.StatusProcessing, false},
		{"complete", model.StatusProcessing, Event{Kind: EventComplete, Result: result}, model.StatusCompleted, false},
		{"fail", model.StatusProcessing, Event{Kind: EventFail, Code: CodeDecodeFailed}, model.StatusError, false},
		{"complete without result", model.StatusProcessing, Event{Kind: EventComplete}, model.StatusProcessing, true},
		{"restart completed", model.StatusCompleted, Event{Kind: EventStart}, model.StatusCompleted, true},
		{"complete pending", model.StatusPending, Event{Kind: EventComplete, Result: result}, model.StatusPending, true},
		{"fail errored", model.StatusError, Event{Kind: EventFail}, model.StatusError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reduce(model.ProcessStatus{FileName: "f", Status: tt.from}, tt.ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}
