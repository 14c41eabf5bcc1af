package llm

import (
	"context"
	"fmt"

	"github.com/HusnaQayyum/Master-Checker/internal/llm/prompts"
	"github.com/HusnaQayyum/Master-Checker/internal/model"

	"google.golang.org/genai"
)

type geminiBackend struct {
	client *genai.Client
	model  string
}

// NewGemini creates a client backed by the Gemini API. An empty apiKey lets the
// SDK fall back to GOOGLE_API_KEY / GEMINI_API_KEY.
func NewGemini(ctx context.Context, apiKey, modelName string, opts ...Option) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return newClient(&geminiBackend{client: client, model: modelName}, opts...), nil
}

func (b *geminiBackend) name() string { return "gemini" }

func (b *geminiBackend) complete(ctx context.Context, systemPrompt string, image []byte, mode model.RecognitionMode) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, "image/jpeg"),
			genai.NewPartFromText(prompts.UserPrompt),
		}, genai.RoleUser),
	}

	result, err := b.client.Models.GenerateContent(ctx, b.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    sheetGenaiSchema(mode),
		Temperature:       genai.Ptr[float32](0.1),
	})
	if err != nil {
		return "", fmt.Errorf("Gemini API call: %w", err)
	}
	return result.Text(), nil
}

func (b *geminiBackend) ping(ctx context.Context) error {
	if _, err := b.client.Models.Get(ctx, b.model, nil); err != nil {
		return fmt.Errorf("get model %s: %w", b.model, err)
	}
	return nil
}

func sheetGenaiSchema(mode model.RecognitionMode) *genai.Schema {
	s := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"answers": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"questionNumber": {Type: genai.TypeInteger},
						"answer": {
							Type:        genai.TypeString,
							Description: "The selected option (e.g., A, B, C, D) or empty string if not answered",
						},
					},
					Required: []string{"questionNumber", "answer"},
				},
			},
		},
		Required: []string{"answers"},
	}
	if mode == model.ModeStudentSheet {
		s.Properties["studentName"] = &genai.Schema{
			Type:        genai.TypeString,
			Description: "Name of the student if found on the sheet",
		}
		s.Properties["studentId"] = &genai.Schema{
			Type:        genai.TypeString,
			Description: "ID of the student if found on the sheet",
		}
	}
	return s
}
