package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/voicecall/internal/observability"
)

// HTTPPrompt posts a flat prompt to a completions-style endpoint:
// {"prompt","max_tokens","temperature"} in, {"choices":[{"text"}]} out.
type HTTPPrompt struct {
	url         string
	apiKey      string
	maxTokens   int
	temperature float32
	client      *http.Client
}

func NewHTTPPrompt(url, apiKey string, maxTokens int, temperature float32, client *http.Client) *HTTPPrompt {
	if client == nil {
		client = observability.NewHTTPClient("llm")
	}
	return &HTTPPrompt{
		url:         strings.TrimSpace(url),
		apiKey:      strings.TrimSpace(apiKey),
		maxTokens:   maxTokens,
		temperature: temperature,
		client:      client,
	}
}

func (p *HTTPPrompt) Name() string { return "http" }

type promptRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

type promptResponse struct {
	Choices []struct {
		Text    string `json:"text"`
		Message *struct {
			Content string `json:"content"`
		} `json:"message,omitempty"`
	} `json:"choices"`
}

func (p *HTTPPrompt) Complete(ctx context.Context, messages []Message) (string, error) {
	payload, err := json.Marshal(promptRequest{
		Prompt:      flattenPrompt(messages),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return "", &Error{Provider: p.Name(), Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &Error{Provider: p.Name(), Status: res.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &Error{Provider: p.Name(), Status: res.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}

	var out promptResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &Error{Provider: p.Name(), Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &Error{Provider: p.Name(), Status: res.StatusCode, Err: errEmptyCompletion}
	}
	c := out.Choices[0]
	text := c.Text
	if text == "" && c.Message != nil {
		text = c.Message.Content
	}
	return strings.TrimSpace(text), nil
}

// flattenPrompt renders a conversation for endpoints that only take text.
func flattenPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			b.WriteString(m.Content)
		case RoleAssistant:
			b.WriteString("Assistant: " + m.Content)
		default:
			b.WriteString("User: " + m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}
