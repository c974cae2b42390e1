package stt

import (
	"context"
	"sync"
)

// MockRecognizer returns a fixed transcript. It is used when no STT
// backend is configured and in tests.
type MockRecognizer struct {
	mu    sync.Mutex
	text  string
	calls int
}

func NewMockRecognizer(text string) *MockRecognizer {
	if text == "" {
		text = "Hello, can you hear me?"
	}
	return &MockRecognizer{text: text}
}

func (m *MockRecognizer) Recognize(ctx context.Context, _ Audio) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.text, nil
}

func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
