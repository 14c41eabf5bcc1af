package llm

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/HusnaQayyum/Master-Checker/internal/llm/prompts"
	"github.com/HusnaQayyum/Master-Checker/internal/model"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

type openAIBackend struct {
	api   *openai.Client
	model string
}

// NewOpenAI creates a client for an OpenAI-compatible vision endpoint.
func NewOpenAI(baseURL, apiKey, modelName string, opts ...Option) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return newClient(&openAIBackend{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, opts...)
}

func (b *openAIBackend) name() string { return "openai" }

func (b *openAIBackend) complete(ctx context.Context, systemPrompt string, image []byte, mode model.RecognitionMode) (string, error) {
	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := b.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURI, Detail: openai.ImageURLDetailHigh},
					},
					{Type: openai.ChatMessagePartTypeText, Text: prompts.UserPrompt},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "mcq_sheet",
				Schema: sheetJSONSchema(mode),
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *openAIBackend) ping(ctx context.Context) error {
	if _, err := b.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func sheetJSONSchema(mode model.RecognitionMode) *jsonschema.Definition {
	def := &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"answers": {
				Type: jsonschema.Array,
				Items: &jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"questionNumber": {Type: jsonschema.Integer},
						"answer": {
							Type:        jsonschema.String,
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
		def.Properties["studentName"] = jsonschema.Definition{
			Type:        jsonschema.String,
			Description: "Name of the student if found on the sheet",
		}
		def.Properties["studentId"] = jsonschema.Definition{
			Type:        jsonschema.String,
			Description: "ID of the student if found on the sheet",
		}
	}
	return def
}
