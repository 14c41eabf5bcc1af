package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"text/template"

	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

// UserPrompt accompanies the sheet image in every request.
const UserPrompt = "Analyze the attached MCQ sheet."

// PromptVariant controls how ambiguous marks on student sheets are read.
type PromptVariant string

const (
	// PromptStrict treats any ambiguous or multiple marking as unanswered.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default reading.
	PromptStandard PromptVariant = "standard"
	// PromptLenient accepts visible corrections and picks the final intended mark.
	PromptLenient PromptVariant = "lenient"
)

var markRules = map[PromptVariant]string{
	PromptStrict:   "If more than one option is marked, or a mark is unclear or erased, return an empty string for that question.",
	PromptStandard: "If more than one option is marked, choose the most clearly filled option; if none stands out, return an empty string.",
	PromptLenient:  "If the student crossed out an option and marked another, use the final intended option; choose the most clearly filled option when several are marked.",
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[model.RecognitionMode]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	_, ok := markRules[PromptVariant(v)]
	return ok
}

// SheetData holds template data for the system instruction.
type SheetData struct {
	ExpectedQuestions int
	MarkRule          string
}

// Load parses the embedded templates once.
func Load() error {
	loadOnce.Do(func() {
		loadErr = parse(templateFS)
	})
	return loadErr
}

func parse(fsys fs.FS) error {
	files := map[model.RecognitionMode]string{
		model.ModeMasterKey:    "templates/master_key.txt",
		model.ModeStudentSheet: "templates/student_sheet.txt",
	}
	parsed := make(map[model.RecognitionMode]*template.Template, len(files))
	for mode, name := range files {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read prompt file %s: %w", name, err)
		}
		tmpl, err := template.New(string(mode)).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parse prompt template %s: %w", name, err)
		}
		parsed[mode] = tmpl
	}
	templates = parsed
	return nil
}

// BuildSystemPrompt renders the instruction for the given recognition mode.
func BuildSystemPrompt(variant PromptVariant, mode model.RecognitionMode, expectedQuestions int) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[mode]
	if !ok {
		return "", errors.New("invalid recognition mode: " + string(mode))
	}
	rule, ok := markRules[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, SheetData{ExpectedQuestions: expectedQuestions, MarkRule: rule}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
