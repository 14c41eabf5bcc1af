package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Grade is a letter grade derived from a percentage.
type Grade string

const (
	GradeAPlus Grade = "A+"
	GradeA     Grade = "A"
	GradeB     Grade = "B"
	GradeC     Grade = "C"
	GradeD     Grade = "D"
	GradeF     Grade = "F"
)

// Grades lists every grade from best to worst.
var Grades = []Grade{GradeAPlus, GradeA, GradeB, GradeC, GradeD, GradeF}

// ItemStatus represents the lifecycle state of one batch item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusError      ItemStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// RecognitionMode selects what the recognition service is asked to extract.
type RecognitionMode string

const (
	// ModeMasterKey extracts the correct answers from a master answer sheet.
	ModeMasterKey RecognitionMode = "master_key"
	// ModeStudentSheet extracts identity and selected options from a student sheet.
	ModeStudentSheet RecognitionMode = "student_sheet"
)

// DefaultAnswerToken is the token assigned to a manually added question.
const DefaultAnswerToken = "A"

// Answer is one recognized question/answer pair.
type Answer struct {
	QuestionNumber int    `json:"questionNumber"`
	Answer         string `json:"answer"`
}

// Sheet is the structured output of the recognition service.
type Sheet struct {
	StudentName string   `json:"studentName,omitempty"`
	StudentID   string   `json:"studentId,omitempty"`
	Answers     []Answer `json:"answers"`
}

// RecognitionRequest is one call to the recognition service.
type RecognitionRequest struct {
	Image             []byte
	Mode              RecognitionMode
	ExpectedQuestions int // hint for student sheets; 0 means unknown
}

// AnswerKey is the ground truth for one assessment.
type AnswerKey struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Answers        map[int]string `json:"answers"`
	TotalQuestions int            `json:"totalQuestions"`
	LastUpdated    time.Time      `json:"lastUpdated"`
}

// NewAnswerKey builds a key from recognized answers. Tokens are trimmed and
// uppercased, non-positive question numbers are dropped and the last
// occurrence of a repeated question number wins.
func NewAnswerKey(name string, answers []Answer, now time.Time) *AnswerKey {
	k := &AnswerKey{
		ID:          uuid.NewString(),
		Name:        name,
		Answers:     make(map[int]string, len(answers)),
		LastUpdated: now,
	}
	for _, a := range answers {
		if a.QuestionNumber <= 0 {
			continue
		}
		k.Answers[a.QuestionNumber] = NormalizeToken(a.Answer)
	}
	k.TotalQuestions = len(k.Answers)
	return k
}

// NormalizeToken trims and uppercases an answer token.
func NormalizeToken(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// KeyNameFromFile derives a key name from an uploaded file name.
func KeyNameFromFile(fileName string) string {
	base := fileName
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

// SetAnswer assigns the answer for question q and keeps TotalQuestions in sync.
func (k *AnswerKey) SetAnswer(q int, token string, now time.Time) {
	if k.Answers == nil {
		k.Answers = make(map[int]string)
	}
	k.Answers[q] = NormalizeToken(token)
	k.TotalQuestions = len(k.Answers)
	k.LastUpdated = now
}

// AddQuestion appends the next question number with the default token.
func (k *AnswerKey) AddQuestion(now time.Time) int {
	next := 1
	for q := range k.Answers {
		if q >= next {
			next = q + 1
		}
	}
	k.SetAnswer(next, DefaultAnswerToken, now)
	return next
}

// QuestionNumbers returns the key's question numbers in ascending order.
func (k *AnswerKey) QuestionNumbers() []int {
	qs := make([]int, 0, len(k.Answers))
	for q := range k.Answers {
		qs = append(qs, q)
	}
	sort.Ints(qs)
	return qs
}

// Validate checks that the key is complete enough to grade against.
func (k *AnswerKey) Validate() error {
	if len(k.Answers) == 0 {
		return errors.New("answer key has no questions")
	}
	if k.TotalQuestions != len(k.Answers) {
		return fmt.Errorf("answer key total %d does not match %d answers", k.TotalQuestions, len(k.Answers))
	}
	var missing []string
	for _, q := range k.QuestionNumbers() {
		if q <= 0 {
			return fmt.Errorf("invalid question number %d", q)
		}
		if k.Answers[q] == "" {
			missing = append(missing, fmt.Sprint(q))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("answer key has empty answers for questions %s", strings.Join(missing, ", "))
	}
	return nil
}

// Clone returns a deep copy of the key.
func (k *AnswerKey) Clone() *AnswerKey {
	c := *k
	c.Answers = make(map[int]string, len(k.Answers))
	for q, a := range k.Answers {
		c.Answers[q] = a
	}
	return &c
}

// StudentResult is the graded outcome for one submitted sheet.
type StudentResult struct {
	ID             string         `json:"id"`
	StudentName    string         `json:"studentName"`
	StudentID      string         `json:"studentId"`
	Answers        map[int]string `json:"answers"`
	IsCorrect      map[int]bool   `json:"isCorrect"`
	Score          int            `json:"score"`
	TotalQuestions int            `json:"totalQuestions"`
	Percentage     float64        `json:"percentage"`
	Grade          Grade          `json:"grade"`
	CheckedAt      time.Time      `json:"checkedAt"`
	ImageURL       string         `json:"imageUrl,omitempty"`
	ImageHash      string         `json:"imageHash,omitempty"`
}

// ProcessStatus tracks one batch item.
type ProcessStatus struct {
	FileName  string         `json:"fileName"`
	Status    ItemStatus     `json:"status"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Result    *StudentResult `json:"result,omitempty"`
}

// GradeCount is one bar of the grade breakdown.
type GradeCount struct {
	Grade Grade `json:"grade"`
	Count int   `json:"count"`
}

// Summary holds dashboard statistics over the stored results.
type Summary struct {
	KeyName        string       `json:"keyName,omitempty"`
	TotalQuestions int          `json:"totalQuestions"`
	Results        int          `json:"results"`
	AverageScore   float64      `json:"averageScore"`
	TopScore       int          `json:"topScore"`
	GradeBreakdown []GradeCount `json:"gradeBreakdown"`
}

// BatchRun records the outcome of the most recent batch.
type BatchRun struct {
	RanAt     time.Time `json:"ranAt"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

// AppConfig holds runtime parameters set via CLI flags.
type AppConfig struct {
	Lang           string
	MaxUploadBytes int64
}
