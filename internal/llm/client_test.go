package llm

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	reply string
	err   error
	calls int
	got   []Message
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, messages []Message) (string, error) {
	p.calls++
	p.got = messages
	return p.reply, p.err
}

func TestReplyClarifiesWithoutProviderCall(t *testing.T) {
	for _, transcript := range []string{"", "   ", TranscriptionFailedMarker} {
		p := &fakeProvider{reply: "unused"}
		c := NewClient(p, Config{})
		got, err := c.Reply(context.Background(), Request{Transcript: transcript})
		if err != nil {
			t.Fatalf("Reply(%q) error = %v", transcript, err)
		}
		if got.Text != ClarificationReply || !got.Clarification || got.Attempts != 0 {
			t.Fatalf("Reply(%q) = %+v, want clarification", transcript, got)
		}
		if p.calls != 0 {
			t.Fatalf("provider calls = %d, want 0", p.calls)
		}
	}
}

func TestReplyBuildsConversation(t *testing.T) {
	p := &fakeProvider{reply: "  It is **sunny** today.  "}
	c := NewClient(p, Config{})
	got, err := c.Reply(context.Background(), Request{
		Transcript: " what's the weather? ",
		History: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: ""},
			{Role: RoleAssistant, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if got.Text != "It is sunny today." {
		t.Fatalf("Text = %q, want sanitized completion", got.Text)
	}
	if got.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", got.Attempts)
	}
	want := []Message{
		{Role: RoleSystem, Content: DefaultSystemPrompt},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "what's the weather?"},
	}
	if len(p.got) != len(want) {
		t.Fatalf("messages = %+v, want %+v", p.got, want)
	}
	for i := range want {
		if p.got[i] != want[i] {
			t.Fatalf("messages[%d] = %+v, want %+v", i, p.got[i], want[i])
		}
	}
}

func TestReplyTrimsHistory(t *testing.T) {
	p := &fakeProvider{reply: "ok"}
	c := NewClient(p, Config{MaxHistory: 1})
	_, err := c.Reply(context.Background(), Request{
		Transcript: "now",
		History:    []Message{{Role: RoleUser, Content: "old"}, {Role: RoleUser, Content: "recent"}},
	})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if len(p.got) != 3 || p.got[1].Content != "recent" {
		t.Fatalf("messages = %+v, want system, recent, now", p.got)
	}

	p = &fakeProvider{reply: "ok"}
	c = NewClient(p, Config{MaxHistory: -1})
	_, _ = c.Reply(context.Background(), Request{Transcript: "now", History: []Message{{Role: RoleUser, Content: "old"}}})
	if len(p.got) != 2 {
		t.Fatalf("messages = %+v, want no history", p.got)
	}
}

func TestReplyProviderFailureApologizes(t *testing.T) {
	boom := errors.New("503 from upstream")
	p := &fakeProvider{err: boom}
	c := NewClient(p, Config{})
	got, err := c.Reply(context.Background(), Request{Transcript: "hello"})
	if !errors.Is(err, ErrInferenceFailed) {
		t.Fatalf("error = %v, want ErrInferenceFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want it to wrap provider error", err)
	}
	if got.Text != ApologyReply || got.Attempts != 1 {
		t.Fatalf("Reply = %+v, want apology after one attempt", got)
	}
	if p.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (no retry)", p.calls)
	}
}

func TestReplyEmptyCompletionApologizes(t *testing.T) {
	c := NewClient(&fakeProvider{reply: " 🙂 "}, Config{})
	got, err := c.Reply(context.Background(), Request{Transcript: "hello"})
	if !errors.Is(err, ErrInferenceFailed) {
		t.Fatalf("error = %v, want ErrInferenceFailed", err)
	}
	if got.Text != ApologyReply {
		t.Fatalf("Text = %q, want apology", got.Text)
	}
}

func TestSanitizeForSpeech(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**Sure!** Here's a [link](http://x.com) 😀\n- item one", "Sure! Here's a link item one"},
		{"⚠️ Error processing", "Error processing"},
		{"Run `ls` then\n```\ncode\n```\ndone", "Run ls then done"},
		{"Visit https://example.com now", "Visit now"},
		{"Cats & dogs: 50%", "Cats and dogs: 50 percent"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := SanitizeForSpeech(tc.in); got != tc.want {
			t.Fatalf("SanitizeForSpeech(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{})
	if err != nil || p.Name() != "mock" {
		t.Fatalf("NewProvider(auto, no key) = %v, %v, want mock", p, err)
	}
	p, err = NewProvider(ProviderConfig{APIKey: "k"})
	if err != nil || p.Name() != "openai" {
		t.Fatalf("NewProvider(auto, key) = %v, %v, want openai", p, err)
	}
	if _, err := NewProvider(ProviderConfig{Provider: "http"}); err == nil {
		t.Fatalf("NewProvider(http) without endpoint should fail")
	}
	if _, err := NewProvider(ProviderConfig{Provider: "nope"}); err == nil {
		t.Fatalf("NewProvider(nope) should fail")
	}
}
