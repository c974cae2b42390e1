package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIRecognizer uses an OpenAI-compatible /audio/transcriptions API.
type OpenAIRecognizer struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(client *openai.Client, model, language string) *OpenAIRecognizer {
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	return &OpenAIRecognizer{client: client, model: model, language: language}
}

func (r *OpenAIRecognizer) Recognize(ctx context.Context, a Audio) (string, error) {
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: fileName(a),
		Reader:   bytes.NewReader(a.Data),
		Language: r.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
