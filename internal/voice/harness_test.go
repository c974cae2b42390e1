package voice

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/llm"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/speech"
	"github.com/ent0n29/voicecall/internal/stt"
	"github.com/ent0n29/voicecall/internal/telephony"
)

type stubFetcher struct {
	mu    sync.Mutex
	err   error
	calls int
	hook  func(ref string)
}

func (f *stubFetcher) Fetch(_ context.Context, ref string) (stt.Audio, error) {
	f.mu.Lock()
	f.calls++
	err, hook := f.err, f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(ref)
	}
	if err != nil {
		return stt.Audio{}, err
	}
	return stt.Audio{Data: []byte("ID3audio"), Name: ref, ContentType: "audio/mpeg"}, nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubRecognizer struct {
	mu          sync.Mutex
	err         error
	text        string
	transcripts map[string]string
	calls       int
}

func (r *stubRecognizer) Recognize(_ context.Context, a stt.Audio) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	if text, ok := r.transcripts[a.Name]; ok {
		return text, nil
	}
	return r.text, nil
}

type stubProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests [][]llm.Message
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(_ context.Context, messages []llm.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, append([]llm.Message(nil), messages...))
	return p.reply, p.err
}

func (p *stubProvider) Requests() [][]llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

type stubSynth struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (s *stubSynth) Synthesize(_ context.Context, text, _ string) (speech.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.err != nil {
		return speech.Clip{}, s.err
	}
	return speech.Clip{Data: []byte("RIFF"), Format: "wav_24000"}, nil
}

type stubPlayer struct{}

func (stubPlayer) Play(context.Context, speech.Clip) error { return nil }

type stubFallback struct {
	mu      sync.Mutex
	err     error
	targets []telephony.SpeakTarget
	texts   []string
}

func (f *stubFallback) SpeakBack(_ context.Context, target telephony.SpeakTarget, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.texts = append(f.texts, text)
	return f.err
}

type stubCalls struct {
	mu      sync.Mutex
	err     error
	made    []telephony.MakeCallParams
	hangups []string
}

func (c *stubCalls) MakeCall(_ context.Context, p *telephony.MakeCallParams) (*telephony.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.made = append(c.made, *p)
	if c.err != nil {
		return nil, c.err
	}
	return &telephony.Call{SID: fmt.Sprintf("CAout%d", len(c.made)), To: p.To, From: p.From, Status: "queued"}, nil
}

func (c *stubCalls) HangupCall(_ context.Context, sid string) (*telephony.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups = append(c.hangups, sid)
	return &telephony.Call{SID: sid, Status: "completed"}, nil
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

type harness struct {
	o          *Orchestrator
	sessions   *session.Manager
	fetcher    *stubFetcher
	recognizer *stubRecognizer
	provider   *stubProvider
	synth      *stubSynth
	fallback   *stubFallback
	calls      *stubCalls
	memory     *memory.InMemoryStore
	sleeps     *sleepLog
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sessions:   session.NewManager(time.Hour),
		fetcher:    &stubFetcher{},
		recognizer: &stubRecognizer{text: "turn off the lights"},
		provider:   &stubProvider{reply: "Sure, turning off the lights now."},
		synth:      &stubSynth{},
		fallback:   &stubFallback{},
		calls:      &stubCalls{},
		memory:     memory.NewInMemoryStore(),
		sleeps:     &sleepLog{},
	}
	transcriber := stt.NewClient(stt.Config{
		Fetcher:    h.fetcher,
		Recognizer: h.recognizer,
		Sleep:      h.sleeps.Sleep,
	})
	responder := llm.NewClient(h.provider, llm.Config{})
	dispatcher := speech.NewDispatcher(speech.Config{
		Synthesizer: h.synth,
		Player:      stubPlayer{},
		Fallback:    h.fallback,
	})
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://voice.example.com"
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = "+15550000001"
	}
	metrics := observability.NewMetrics(fmt.Sprintf("voicecall_test_%d", time.Now().UnixNano()))
	h.o = NewOrchestrator(h.sessions, transcriber, responder, dispatcher, h.calls, h.memory, metrics, cfg)
	return h
}

func (h *harness) event(t *testing.T, ev protocol.Event) protocol.Ack {
	t.Helper()
	ack, err := h.o.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent(%s) error = %v", ev.Type, err)
	}
	return ack
}

func (h *harness) startCall(t *testing.T, sid string) {
	t.Helper()
	ack := h.event(t, protocol.Event{
		Type:       protocol.EventVoiceStart,
		SessionID:  sid,
		From:       "+15551230000",
		To:         "+15550000001",
		Direction:  "inbound",
		CallStatus: "in-progress",
	})
	if ack.Status != protocol.AckAccepted {
		t.Fatalf("voice-start ack = %+v, want accepted", ack)
	}
}

func recordingEvent(sid, ref string) protocol.Event {
	return protocol.Event{Type: protocol.EventRecordingReady, SessionID: sid, RecordingRef: ref, RecordingID: "RE" + ref}
}

// drain runs every queued turn on the calling goroutine.
func (h *harness) drain() {
	for {
		select {
		case job := <-h.o.queue:
			h.o.runTurn(context.Background(), job)
		default:
			return
		}
	}
}

func (h *harness) turn(t *testing.T, sid, turnID string) session.Turn {
	t.Helper()
	s, err := h.sessions.Get(sid)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", sid, err)
	}
	turn, ok := s.FindTurn(turnID)
	if !ok {
		t.Fatalf("turn %s not found in %s", turnID, sid)
	}
	return turn
}

func states(turn session.Turn) []session.TurnState {
	out := make([]session.TurnState, 0, len(turn.History))
	for _, tr := range turn.History {
		out = append(out, tr.State)
	}
	return out
}

func equalStates(a, b []session.TurnState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
