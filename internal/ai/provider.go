package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrRateLimited         = errors.New("ai: rate limited")
	ErrMalformedOutput     = errors.New("ai: malformed output")
	ErrProviderUnavailable = errors.New("ai: provider unavailable")
)

// Sampling settings shared by every provider.
const (
	Temperature = 0.0
	TopP        = 0.95
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OutputSchema is the JSON schema the reply must conform to.
type OutputSchema struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CodeReply is the structured answer to a data question.
type CodeReply struct {
	Code    string `json:"code"`
	Comment string `json:"comment"`
}

// CodeSchema describes CodeReply.
var CodeSchema = OutputSchema{
	Name:        "table_code",
	Description: "JavaScript operating on df and a short explanation",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":    map[string]any{"type": "string"},
			"comment": map[string]any{"type": "string"},
		},
		"required":             []string{"code", "comment"},
		"additionalProperties": false,
	},
}

type Provider interface {
	Generate(ctx context.Context, messages []Message, schema OutputSchema) (CodeReply, error)
}

// ParseCodeReply decodes raw model content into a CodeReply. Markdown fences
// around the JSON and around the code itself are stripped.
func ParseCodeReply(raw string) (CodeReply, error) {
	var out CodeReply
	body := stripFence(raw)
	if body == "" {
		return out, fmt.Errorf("%w: empty content", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	out.Code = stripFence(out.Code)
	out.Comment = strings.TrimSpace(out.Comment)
	if out.Code == "" {
		return out, fmt.Errorf("%w: missing code", ErrMalformedOutput)
	}
	return out, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// statusErr maps a non-2xx HTTP status to the provider error taxonomy.
func statusErr(provider string, status int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", ErrRateLimited, provider, msg)
	case status >= 500:
		return fmt.Errorf("%w: %s: %s", ErrProviderUnavailable, provider, msg)
	default:
		return fmt.Errorf("%s: %s", provider, msg)
	}
}

// transportErr reports the caller's own cancellation as is.
func transportErr(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, provider, err)
}
