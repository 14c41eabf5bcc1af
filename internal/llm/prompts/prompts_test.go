package prompts

import (
	"strings"
	"testing"

	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

func TestIsValidVariant(t *testing.T) {
	for _, v := range []string{"strict", "standard", "lenient"} {
		if !IsValidVariant(v) {
			t.Errorf("IsValidVariant(%q) = false", v)
		}
	}
	for _, v := range []string{"", "STRICT", "harsh"} {
		if IsValidVariant(v) {
			t.Errorf("IsValidVariant(%q) = true", v)
		}
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	t.Run("master key", func(t *testing.T) {
		p, err := BuildSystemPrompt(PromptStandard, model.ModeMasterKey, 0)
		if err != nil {
			t.Fatalf("BuildSystemPrompt: %v", err)
		}
		if !strings.Contains(p, "MASTER ANSWER KEY") {
			t.Error("master key prompt should name the master key")
		}
		if strings.Contains(p, "studentName") {
			t.Error("master key prompt should not ask for student identity")
		}
	})

	t.Run("student sheet with hint", func(t *testing.T) {
		p, err := BuildSystemPrompt(PromptStrict, model.ModeStudentSheet, 25)
		if err != nil {
			t.Fatalf("BuildSystemPrompt: %v", err)
		}
		if !strings.Contains(p, "expected to contain 25 questions") {
			t.Error("prompt should carry the expected question count")
		}
		if !strings.Contains(p, markRules[PromptStrict]) {
			t.Error("prompt should carry the strict mark rule")
		}
		if !strings.Contains(p, "studentId") {
			t.Error("student prompt should ask for the student ID")
		}
	})

	t.Run("student sheet without hint", func(t *testing.T) {
		p, err := BuildSystemPrompt(PromptLenient, model.ModeStudentSheet, 0)
		if err != nil {
			t.Fatalf("BuildSystemPrompt: %v", err)
		}
		if strings.Contains(p, "expected to contain") {
			t.Error("prompt should omit the question count when unknown")
		}
		if !strings.Contains(p, markRules[PromptLenient]) {
			t.Error("prompt should carry the lenient mark rule")
		}
	})

	t.Run("invalid inputs", func(t *testing.T) {
		if _, err := BuildSystemPrompt("harsh", model.ModeStudentSheet, 0); err == nil {
			t.Error("expected error for unknown variant")
		}
		if _, err := BuildSystemPrompt(PromptStandard, "essay", 0); err == nil {
			t.Error("expected error for unknown mode")
		}
	})
}
