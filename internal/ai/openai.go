package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider disables SDK retries so rate limits reach the caller.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), model: model}
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, schema OutputSchema) (CodeReply, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    p.buildMessages(messages),
		Temperature: openai.Float(Temperature),
		TopP:        openai.Float(TopP),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Schema:      schema.Schema,
					Strict:      openai.Bool(true),
				},
			},
		},
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return CodeReply{}, statusErr("openai", apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return CodeReply{}, transportErr(ctx, "openai", err)
	}
	if len(resp.Choices) == 0 {
		return CodeReply{}, fmt.Errorf("%w: openai: empty response", ErrMalformedOutput)
	}
	if refusal := resp.Choices[0].Message.Refusal; refusal != "" {
		return CodeReply{}, fmt.Errorf("%w: openai: refused: %s", ErrMalformedOutput, refusal)
	}
	return ParseCodeReply(resp.Choices[0].Message.Content)
}

func (p *OpenAIProvider) buildMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
