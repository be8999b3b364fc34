package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/tablechat/internal/common"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openRouterFormat struct {
	Type       string               `json:"type"`
	JSONSchema openRouterJSONSchema `json:"json_schema"`
}

type openRouterChatReq struct {
	Model          string           `json:"model"`
	Messages       []openRouterMsg  `json:"messages"`
	Stream         bool             `json:"stream"`
	Temperature    float64          `json:"temperature"`
	TopP           float64          `json:"top_p"`
	ResponseFormat openRouterFormat `json:"response_format"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenRouterProvider) Generate(ctx context.Context, messages []Message, schema OutputSchema) (CodeReply, error) {
	if p.Client == nil {
		return CodeReply{}, errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return CodeReply{}, fmt.Errorf("%w: openrouter: api key is required", common.ErrConfig)
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return CodeReply{}, fmt.Errorf("%w: openrouter: model is required", common.ErrConfig)
	}

	reqBody := openRouterChatReq{
		Model:       model,
		Stream:      false,
		Temperature: Temperature,
		TopP:        TopP,
		Messages: func() []openRouterMsg {
			out := make([]openRouterMsg, 0, len(messages))
			for _, m := range messages {
				out = append(out, openRouterMsg{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
		ResponseFormat: openRouterFormat{
			Type:       "json_schema",
			JSONSchema: openRouterJSONSchema{Name: schema.Name, Strict: true, Schema: schema.Schema},
		},
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return CodeReply{}, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return CodeReply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return CodeReply{}, transportErr(ctx, "openrouter", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return CodeReply{}, statusErr("openrouter", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return CodeReply{}, fmt.Errorf("%w: openrouter: %w", ErrMalformedOutput, err)
	}
	// OpenRouter reports upstream failures inside a 200 body.
	if decoded.Error != nil && decoded.Error.Message != "" {
		return CodeReply{}, statusErr("openrouter", decoded.Error.Code, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return CodeReply{}, fmt.Errorf("%w: openrouter: empty response", ErrMalformedOutput)
	}
	return ParseCodeReply(decoded.Choices[0].Message.Content)
}
