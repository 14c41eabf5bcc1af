package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/HusnaQayyum/Master-Checker/internal/llm/prompts"
	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

// ErrEmptyResponse is returned when the service answers with no content.
var ErrEmptyResponse = errors.New("empty response from recognition service")

// backend performs a single, unretried call to a recognition service.
type backend interface {
	complete(ctx context.Context, systemPrompt string, image []byte, mode model.RecognitionMode) (string, error)
	ping(ctx context.Context) error
	name() string
}

// Client extracts structured answers from sheet images.
type Client struct {
	backend backend
	retry   RetryPolicy
	variant prompts.PromptVariant
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.retry = p } }

// WithPromptVariant selects how ambiguous marks are read.
func WithPromptVariant(v prompts.PromptVariant) Option { return func(c *Client) { c.variant = v } }

func newClient(b backend, opts ...Option) *Client {
	c := &Client{
		backend: b,
		retry:   DefaultRetryPolicy(),
		variant: prompts.PromptStandard,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Recognize sends the image to the recognition service and parses the
// structured answers. Transport errors, empty bodies and malformed JSON are
// all retried according to the client's policy.
func (c *Client) Recognize(ctx context.Context, req model.RecognitionRequest) (*model.Sheet, error) {
	systemPrompt, err := prompts.BuildSystemPrompt(c.variant, req.Mode, req.ExpectedQuestions)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	var sheet *model.Sheet
	err = c.retry.Do(ctx, c.backend.name(), func(ctx context.Context) error {
		raw, err := c.backend.complete(ctx, systemPrompt, req.Image, req.Mode)
		if err != nil {
			return err
		}
		slog.Debug("recognition response", "backend", c.backend.name(), "mode", req.Mode, "raw", raw)
		sheet, err = ParseSheet(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recognize %s: %w", req.Mode, err)
	}
	if req.Mode == model.ModeMasterKey {
		sheet.StudentName, sheet.StudentID = "", ""
	}
	return sheet, nil
}

// Ping checks that the configured backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.backend.ping(ctx)
}

// ParseSheet decodes a raw service response. Markdown code fences around the
// JSON are tolerated.
func ParseSheet(raw string) (*model.Sheet, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return nil, ErrEmptyResponse
	}

	var sheet model.Sheet
	if err := json.Unmarshal([]byte(clean), &sheet); err != nil {
		return nil, fmt.Errorf("parse recognition response: %w (raw: %s)", err, truncate(raw, 200))
	}
	if sheet.Answers == nil {
		return nil, fmt.Errorf("parse recognition response: missing answers (raw: %s)", truncate(raw, 200))
	}
	sheet.StudentName = strings.TrimSpace(sheet.StudentName)
	sheet.StudentID = strings.TrimSpace(sheet.StudentID)
	return &sheet, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
