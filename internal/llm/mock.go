package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider echoes the caller. Useful for local runs without credentials.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var last, remembered string
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			if last != "" {
				remembered = last
			}
			last = strings.TrimSpace(m.Content)
		}
	}
	if last == "" {
		last = "nothing"
	}
	if remembered == "" {
		return fmt.Sprintf("I heard you say: %s", last), nil
	}
	return fmt.Sprintf("I heard you say: %s. Earlier you said: %s", last, remembered), nil
}
