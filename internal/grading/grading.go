// Package grading reconciles recognized answers against a master key.
package grading

import (
	"errors"
	"math"

	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

// ErrEmptyAnswerKey is returned when the key has no questions to score against.
var ErrEmptyAnswerKey = errors.New("answer key has zero questions")

// ErrNilAnswerKey is returned when no key is given.
var ErrNilAnswerKey = errors.New("answer key is nil")

// Outcome holds the scoring fields for one sheet.
type Outcome struct {
	Score             int
	TotalQuestions    int
	Percentage        float64
	Grade             model.Grade
	IsCorrect         map[int]bool
	NormalizedAnswers map[int]string
}

// threshold is an inclusive lower bound on percentage.
type threshold struct {
	min   float64
	grade model.Grade
}

var thresholds = []threshold{
	{95, model.GradeAPlus},
	{85, model.GradeA},
	{75, model.GradeB},
	{65, model.GradeC},
	{50, model.GradeD},
}

// CalculateGrade maps a percentage to a letter grade.
func CalculateGrade(percentage float64) model.Grade {
	for _, t := range thresholds {
		if percentage >= t.min {
			return t.grade
		}
	}
	return model.GradeF
}

// Reconcile compares recognized answers against key. A question counts as
// correct only when the recognized token is non-empty and equals the key's
// token. Question numbers absent from the key are recorded as incorrect.
func Reconcile(key *model.AnswerKey, recognized []model.Answer) (Outcome, error) {
	if key == nil {
		return Outcome{}, ErrNilAnswerKey
	}
	if key.TotalQuestions <= 0 {
		return Outcome{}, ErrEmptyAnswerKey
	}

	out := Outcome{
		TotalQuestions:    key.TotalQuestions,
		IsCorrect:         make(map[int]bool, len(key.Answers)),
		NormalizedAnswers: make(map[int]string, len(recognized)),
	}
	for q := range key.Answers {
		out.IsCorrect[q] = false
	}

	// A repeated question number overrides the earlier reading.
	for _, a := range recognized {
		ans := model.NormalizeToken(a.Answer)
		out.NormalizedAnswers[a.QuestionNumber] = ans
		want, ok := key.Answers[a.QuestionNumber]
		out.IsCorrect[a.QuestionNumber] = ok && ans != "" && ans == want
	}
	for _, ok := range out.IsCorrect {
		if ok {
			out.Score++
		}
	}

	out.Percentage = Percentage(out.Score, key.TotalQuestions)
	out.Grade = CalculateGrade(out.Percentage)
	return out, nil
}

// Percentage returns score/total*100. It returns 0 when total is not positive.
func Percentage(score, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(score) / float64(total) * 100
}

// Summarize computes dashboard statistics over stored results.
func Summarize(key *model.AnswerKey, results []model.StudentResult) model.Summary {
	s := model.Summary{
		Results:        len(results),
		GradeBreakdown: make([]model.GradeCount, len(model.Grades)),
	}
	if key != nil {
		s.KeyName = key.Name
		s.TotalQuestions = key.TotalQuestions
	}
	idx := make(map[model.Grade]int, len(model.Grades))
	for i, g := range model.Grades {
		s.GradeBreakdown[i] = model.GradeCount{Grade: g}
		idx[g] = i
	}
	if len(results) == 0 {
		return s
	}

	total := 0
	for i, r := range results {
		total += r.Score
		if i == 0 || r.Score > s.TopScore {
			s.TopScore = r.Score
		}
		if j, ok := idx[r.Grade]; ok {
			s.GradeBreakdown[j].Count++
		}
	}
	s.AverageScore = math.Round(float64(total)/float64(len(results))*10) / 10
	return s
}
