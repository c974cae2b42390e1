package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/voicecall/internal/observability"
)

const (
	// ClarificationReply is spoken when there is nothing usable to answer.
	ClarificationReply = "Sorry, I couldn't understand your request."
	// ApologyReply is spoken when the model could not produce an answer.
	ApologyReply = "I'm sorry, I couldn't generate a response."

	DefaultSystemPrompt = "You are a helpful AI assistant."

	// TranscriptionFailedMarker stands in for a transcript that could not
	// be produced.
	TranscriptionFailedMarker = "[transcription failed]"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Provider produces one completion for an ordered conversation.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Request is one caller utterance plus whatever earlier conversation the
// caller has with us.
type Request struct {
	SessionID  string
	TurnID     string
	Transcript string
	History    []Message
}

type Reply struct {
	Text string
	// Clarification is set when the reply was chosen without asking the
	// provider.
	Clarification bool
	Attempts      int
	Duration      time.Duration
}

type Config struct {
	SystemPrompt string
	Timeout      time.Duration
	// MaxHistory caps how many history messages are sent. Negative sends
	// none.
	MaxHistory int
}

// Client turns transcripts into spoken replies. It never retries; a failed
// completion yields ApologyReply together with an *Error.
type Client struct {
	provider     Provider
	systemPrompt string
	timeout      time.Duration
	maxHistory   int
}

func NewClient(p Provider, cfg Config) *Client {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = 10
	}
	return &Client{provider: p, systemPrompt: cfg.SystemPrompt, timeout: cfg.Timeout, maxHistory: cfg.MaxHistory}
}

// Unusable reports whether a transcript should get the clarification reply.
func Unusable(transcript string) bool {
	t := strings.TrimSpace(transcript)
	return t == "" || t == TranscriptionFailedMarker
}

func (c *Client) Reply(ctx context.Context, req Request) (Reply, error) {
	if Unusable(req.Transcript) {
		return Reply{Text: ClarificationReply, Clarification: true}, nil
	}

	ctx, span := tracer.Start(ctx, "llm reply")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", c.provider.Name()),
		attribute.String("session.id", req.SessionID),
		attribute.Int("llm.history", len(req.History)),
	)

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	raw, err := c.provider.Complete(cctx, c.messages(req))
	out := Reply{Attempts: 1, Duration: time.Since(started)}
	if err == nil {
		out.Text = SanitizeForSpeech(raw)
		if out.Text == "" {
			err = errEmptyCompletion
		}
	}
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Provider: c.provider.Name(), Err: err}
		}
		observability.FailSpan(span, e)
		logger.WarnContext(ctx, "inference failed",
			"session_id", req.SessionID,
			"turn_id", req.TurnID,
			"provider", c.provider.Name(),
			"error", err,
		)
		out.Text = ApologyReply
		return out, e
	}
	return out, nil
}

func (c *Client) messages(req Request) []Message {
	history := req.History
	switch {
	case c.maxHistory < 0:
		history = nil
	case len(history) > c.maxHistory:
		history = history[len(history)-c.maxHistory:]
	}
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, Message{Role: RoleSystem, Content: c.systemPrompt})
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	return append(msgs, Message{Role: RoleUser, Content: strings.TrimSpace(req.Transcript)})
}
