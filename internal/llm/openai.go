package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultEndpoint = "https://models.inference.ai.azure.com"
	DefaultModel    = "gpt-4o"
)

// OpenAIChat calls an OpenAI-compatible chat completions API. GitHub
// Models and Azure inference endpoints both speak this protocol.
type OpenAIChat struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

type OpenAIConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	HTTPClient  *http.Client
}

func NewOpenAIChat(cfg OpenAIConfig) *OpenAIChat {
	oc := openai.DefaultConfig(cfg.APIKey)
	if ep := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"); ep != "" {
		oc.BaseURL = ep
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	return &OpenAIChat{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (p *OpenAIChat) Name() string { return "openai" }

// Client exposes the underlying go-openai client so other components can
// share its configuration.
func (p *OpenAIChat) Client() *openai.Client { return p.client }

func (p *OpenAIChat) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		e := &Error{Provider: p.Name(), Err: err}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			e.Status = apiErr.HTTPStatusCode
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			e.Status = reqErr.HTTPStatusCode
		}
		return "", e
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Provider: p.Name(), Err: errEmptyCompletion}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
