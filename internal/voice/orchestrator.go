package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/voicecall/internal/llm"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/policy"
	"github.com/ent0n29/voicecall/internal/protocol"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/stt"
	"github.com/ent0n29/voicecall/internal/telephony"
)

const (
	memoryContextLimit   = 8
	memoryContextTimeout = 500 * time.Millisecond
	memorySaveTimeout    = 2 * time.Second
)

type Config struct {
	// Workers is the number of turns processed concurrently.
	Workers int
	// QueueSize bounds turns waiting for a worker.
	QueueSize int
	// FromNumber is the caller id used for outbound calls.
	FromNumber string
	// PublicBaseURL is where the provider reaches our webhooks.
	PublicBaseURL string
	// AllowedDialPrefixes restricts StartCall destinations when set.
	AllowedDialPrefixes []string
}

// Orchestrator drives each call's turns through record, transcribe, infer
// and speak. Webhook handling only mutates the store and enqueues; network
// work happens on the worker pool and never under a session lock.
type Orchestrator struct {
	sessions *session.Manager
	stt      Transcriber
	llm      Responder
	speech   SpeechOutput
	calls    CallControl
	memory   memory.Store
	metrics  *observability.Metrics
	cfg      Config

	queue chan turnJob
	runMu sync.Mutex
	ran   bool
}

type turnJob struct {
	sessionID  string
	turnID     string
	enqueuedAt time.Time
}

func NewOrchestrator(
	sessions *session.Manager,
	transcriber Transcriber,
	responder Responder,
	output SpeechOutput,
	calls CallControl,
	memoryStore memory.Store,
	metrics *observability.Metrics,
	cfg Config,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	o := &Orchestrator{
		sessions: sessions,
		stt:      transcriber,
		llm:      responder,
		speech:   output,
		calls:    calls,
		memory:   memoryStore,
		metrics:  metrics,
		cfg:      cfg,
		queue:    make(chan turnJob, cfg.QueueSize),
	}
	sessions.SetTurnTimeoutHook(o.onTurnTimeout)
	sessions.SetExpireHook(o.onSessionExpired)
	return o
}

// HandleEvent applies one provider event. It returns quickly: a recording
// is queued for the worker pool rather than processed inline. Errors are
// returned only for malformed events; every other outcome is in the Ack.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev protocol.Event) (protocol.Ack, error) {
	ack, err := o.handleEvent(ctx, ev)
	if o.metrics != nil {
		o.metrics.WebhookEvents.WithLabelValues(string(ev.Type), string(ack.Status)).Inc()
	}
	return ack, err
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev protocol.Event) (protocol.Ack, error) {
	if err := ev.Validate(); err != nil {
		return protocol.Ack{Status: protocol.AckRejected, SessionID: ev.SessionID, Reason: err.Error()}, err
	}
	switch ev.Type {
	case protocol.EventVoiceStart:
		return o.handleVoiceStart(ctx, ev)
	case protocol.EventRecordingReady:
		return o.handleRecording(ctx, ev)
	case protocol.EventStatusCallback:
		return o.handleStatus(ctx, ev)
	}
	return protocol.Ack{Status: protocol.AckIgnored, SessionID: ev.SessionID}, nil
}

func (o *Orchestrator) handleVoiceStart(ctx context.Context, ev protocol.Event) (protocol.Ack, error) {
	s := o.ensureSession(ctx, ev)
	turn, opened, err := o.sessions.OpenTurn(s.ID)
	if err != nil {
		return protocol.Ack{Status: protocol.AckRejected, SessionID: s.ID, Reason: err.Error()}, nil
	}
	if opened {
		o.countTransition(turn.State)
	}
	return protocol.Ack{Status: protocol.AckAccepted, SessionID: s.ID, TurnID: turn.ID}, nil
}

func (o *Orchestrator) handleRecording(ctx context.Context, ev protocol.Event) (protocol.Ack, error) {
	if strings.TrimSpace(ev.RecordingRef) == "" {
		return o.rejectMalformedRecording(ctx, ev)
	}

	s := o.ensureSession(ctx, ev)
	turn, err := o.sessions.AcceptRecording(s.ID, ev.RecordingRef)
	switch {
	case errors.Is(err, session.ErrDuplicateRecording):
		return protocol.Ack{Status: protocol.AckDuplicate, SessionID: s.ID, Reason: "recording already consumed"}, nil
	case errors.Is(err, session.ErrTurnBusy):
		logger.WarnContext(ctx, "recording rejected, turn in progress",
			"session_id", s.ID,
			"recording_id", ev.RecordingID,
		)
		return protocol.Ack{Status: protocol.AckRejected, SessionID: s.ID, Reason: "turn in progress"}, nil
	case err != nil:
		return protocol.Ack{Status: protocol.AckRejected, SessionID: s.ID, Reason: err.Error()}, nil
	}
	o.countTransition(turn.State)

	job := turnJob{sessionID: s.ID, turnID: turn.ID, enqueuedAt: time.Now()}
	select {
	case o.queue <- job:
		o.setQueueDepth()
	default:
		// The recording is accounted for as failed rather than dropped.
		if failed, ferr := o.sessions.FailTurn(s.ID, turn.ID, session.FailureOverloaded); ferr == nil {
			o.finishTurn(ctx, s.ID, failed)
		}
		logger.WarnContext(ctx, "turn queue full", "session_id", s.ID, "turn_id", turn.ID)
		return protocol.Ack{Status: protocol.AckRejected, SessionID: s.ID, TurnID: turn.ID, Reason: "overloaded"}, nil
	}
	return protocol.Ack{Status: protocol.AckAccepted, SessionID: s.ID, TurnID: turn.ID}, nil
}

// rejectMalformedRecording fails the awaiting turn of a known session. For
// an unknown session nothing is created.
func (o *Orchestrator) rejectMalformedRecording(ctx context.Context, ev protocol.Event) (protocol.Ack, error) {
	err := fmt.Errorf("%w: recording-ready without recording reference", protocol.ErrInvalidEvent)
	ack := protocol.Ack{Status: protocol.AckRejected, SessionID: ev.SessionID, Reason: err.Error()}

	s, gerr := o.sessions.Get(ev.SessionID)
	if gerr != nil {
		return ack, err
	}
	if turn, ok := s.ActiveTurn(); ok && turn.State == session.TurnAwaitingRecording {
		if failed, ferr := o.sessions.FailTurn(s.ID, turn.ID, session.FailureInvalidEvent); ferr == nil {
			ack.TurnID = failed.ID
			o.finishTurn(ctx, s.ID, failed)
		}
	}
	return ack, err
}

func (o *Orchestrator) handleStatus(ctx context.Context, ev protocol.Event) (protocol.Ack, error) {
	if err := o.sessions.SetCallStatus(ev.SessionID, ev.CallStatus); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return protocol.Ack{Status: protocol.AckIgnored, SessionID: ev.SessionID, Reason: "unknown session"}, nil
		}
		return protocol.Ack{Status: protocol.AckRejected, SessionID: ev.SessionID, Reason: err.Error()}, nil
	}
	if protocol.TerminalCallStatus(ev.CallStatus) {
		o.endSession(ctx, ev.SessionID, ev.CallStatus)
	}
	return protocol.Ack{Status: protocol.AckAccepted, SessionID: ev.SessionID}, nil
}

func (o *Orchestrator) ensureSession(ctx context.Context, ev protocol.Event) *session.Session {
	dir := session.DirectionInbound
	if ev.Outbound() {
		dir = session.DirectionOutbound
	}
	s, created := o.sessions.GetOrCreate(session.CreateParams{
		SessionID:  ev.SessionID,
		From:       ev.From,
		To:         ev.To,
		Direction:  dir,
		CallStatus: ev.CallStatus,
	})
	if created {
		o.countSessionEvent("created")
		logger.InfoContext(ctx, "call session created",
			"session_id", s.ID,
			"direction", string(s.Direction),
			"event", string(ev.Type),
		)
	}
	return s
}

func (o *Orchestrator) endSession(ctx context.Context, sessionID, callStatus string) {
	if before, err := o.sessions.Get(sessionID); err != nil || before.Status == session.StatusEnded {
		return
	}
	s, err := o.sessions.End(sessionID)
	if err != nil {
		return
	}
	for _, t := range s.Turns {
		if t.State == session.TurnFailed && t.Failure == session.FailureCallEnded && !t.UpdatedAt.Before(s.EndedAt) {
			o.finishTurn(ctx, sessionID, t)
		}
	}
	o.countSessionEvent("ended")
	logger.InfoContext(ctx, "call session ended", "session_id", sessionID, "call_status", callStatus, "turns", len(s.Turns))
}

// Get returns a snapshot of a session.
func (o *Orchestrator) Get(sessionID string) (*session.Session, error) {
	return o.sessions.Get(sessionID)
}

// Subscribe streams turn updates for a session.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan session.Update, func(), error) {
	return o.sessions.Subscribe(sessionID)
}

// runTurn carries a received recording to a terminal state. If the store
// rejects a transition the turn was failed elsewhere (timeout, eviction) and
// the remaining steps are abandoned.
func (o *Orchestrator) runTurn(ctx context.Context, job turnJob) {
	ctx, span := tracer.Start(ctx, "voice turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", job.sessionID),
		attribute.String("turn.id", job.turnID),
	)
	started := time.Now()
	if !job.enqueuedAt.IsZero() {
		o.observeStage(observability.StageQueueWait, started.Sub(job.enqueuedAt))
	}

	s, err := o.sessions.Get(job.sessionID)
	if err != nil {
		observability.FailSpan(span, err)
		return
	}
	turn, ok := s.FindTurn(job.turnID)
	if !ok {
		return
	}
	caller := s.RemoteParty()

	turn, ok = o.advance(ctx, job, session.TurnRecordingReceived, session.TurnTranscribing, nil)
	if !ok {
		return
	}

	var reply string
	res, terr := o.stt.Transcribe(ctx, turn.RecordingRef)
	o.countAttempts("fetch", res.FetchAttempts)
	o.countAttempts("transcribe", res.TranscribeAttempts)
	if res.FetchDuration > 0 {
		o.observeStage(observability.StageFetch, res.FetchDuration)
	}
	if res.TranscribeDuration > 0 {
		o.observeStage(observability.StageTranscribe, res.TranscribeDuration)
	}

	if terr != nil {
		kind := session.FailureTranscription
		if errors.Is(terr, stt.ErrFetchFailed) {
			kind = session.FailureFetch
		}
		o.countProviderError("stt", string(kind))
		observability.FailSpan(span, terr)
		logger.WarnContext(ctx, "transcription failed, answering with clarification",
			"session_id", job.sessionID,
			"turn_id", job.turnID,
			"failure", string(kind),
			"error", terr,
		)
		reply = llm.ClarificationReply
		turn, ok = o.advance(ctx, job, session.TurnTranscribing, session.TurnSpeaking, func(t *session.Turn) {
			t.Failure = kind
			t.Reply = reply
			t.FetchAttempts = res.FetchAttempts
			t.TranscribeAttempts = res.TranscribeAttempts
		})
		if !ok {
			return
		}
	} else {
		turn, ok = o.advance(ctx, job, session.TurnTranscribing, session.TurnTranscribed, func(t *session.Turn) {
			t.Transcript = res.Text
			t.FetchAttempts = res.FetchAttempts
			t.TranscribeAttempts = res.TranscribeAttempts
		})
		if !ok {
			return
		}
		reply, turn, ok = o.infer(ctx, job, caller, turn)
		if !ok {
			return
		}
	}

	o.speak(ctx, job, reply)
	o.observeStage(observability.StageTurnTotal, time.Since(started))
	o.remember(ctx, caller, job, turn.Transcript, reply)
}

func (o *Orchestrator) infer(ctx context.Context, job turnJob, caller string, turn session.Turn) (string, session.Turn, bool) {
	history := o.history(ctx, caller)
	turn, ok := o.advance(ctx, job, session.TurnTranscribed, session.TurnInferring, nil)
	if !ok {
		return "", turn, false
	}

	r, err := o.llm.Reply(ctx, llm.Request{
		SessionID:  job.sessionID,
		TurnID:     job.turnID,
		Transcript: turn.Transcript,
		History:    history,
	})
	o.countAttempts("infer", r.Attempts)
	if r.Duration > 0 {
		o.observeStage(observability.StageInfer, r.Duration)
	}
	if err != nil {
		o.countProviderError("llm", string(session.FailureInference))
		if r.Text == "" {
			r.Text = llm.ApologyReply
		}
		turn, ok = o.advance(ctx, job, session.TurnInferring, session.TurnSpeaking, func(t *session.Turn) {
			t.Failure = session.FailureInference
			t.Reply = r.Text
			t.InferenceAttempts = r.Attempts
		})
		return r.Text, turn, ok
	}

	turn, ok = o.advance(ctx, job, session.TurnInferring, session.TurnInferred, func(t *session.Turn) {
		t.Reply = r.Text
		t.InferenceAttempts = r.Attempts
	})
	if !ok {
		return "", turn, false
	}
	turn, ok = o.advance(ctx, job, session.TurnInferred, session.TurnSpeaking, nil)
	return r.Text, turn, ok
}

func (o *Orchestrator) speak(ctx context.Context, job turnJob, reply string) {
	target := telephony.SpeakTarget{CallSID: job.sessionID}
	if s, err := o.sessions.Get(job.sessionID); err == nil {
		target.RemoteNumber = s.RemoteParty()
		target.Live = s.Status == session.StatusActive && protocol.LiveCallStatus(s.CallStatus)
	}

	out, err := o.speech.Speak(ctx, target, reply)
	if out.Duration > 0 {
		o.observeStage(observability.StageSpeak, out.Duration)
	}
	if o.metrics != nil {
		o.metrics.SpeechPaths.WithLabelValues(string(out.Path)).Inc()
	}
	if err != nil {
		o.countProviderError("speech", string(session.FailureSpeechOutput))
		if o.metrics != nil {
			o.metrics.ObserveIndicator("speech_output_failed")
		}
		logger.ErrorContext(ctx, "speech output failed",
			"session_id", job.sessionID,
			"turn_id", job.turnID,
			"error", err,
		)
	} else if out.Path == session.SpeechPathProvider && o.metrics != nil {
		o.metrics.ObserveIndicator("speech_fallback")
	}

	final, ok := o.advance(ctx, job, session.TurnSpeaking, session.TurnComplete, func(t *session.Turn) {
		t.SpeechAttempts = out.Attempts
		t.SpeechPath = out.Path
		if err != nil && t.Failure == session.FailureNone {
			t.Failure = session.FailureSpeechOutput
		}
	})
	if ok {
		o.finishTurn(ctx, job.sessionID, final)
	}
}

// advance applies one transition. ok is false when the turn can no longer
// move, in which case the caller abandons the turn.
func (o *Orchestrator) advance(ctx context.Context, job turnJob, from, to session.TurnState, mutate func(*session.Turn)) (session.Turn, bool) {
	t, err := o.sessions.Advance(job.sessionID, job.turnID, from, to, mutate)
	if err != nil {
		logger.WarnContext(ctx, "turn abandoned",
			"session_id", job.sessionID,
			"turn_id", job.turnID,
			"from", string(from),
			"to", string(to),
			"error", err,
		)
		return t, false
	}
	o.countTransition(to)
	return t, true
}

func (o *Orchestrator) history(ctx context.Context, caller string) []llm.Message {
	if o.memory == nil || caller == "" {
		return nil
	}
	mctx, cancel := context.WithTimeout(ctx, memoryContextTimeout)
	defer cancel()
	records, err := o.memory.RecentContext(mctx, caller, memoryContextLimit)
	if err != nil {
		logger.WarnContext(ctx, "memory lookup failed", "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(records))
	for _, r := range records {
		role := llm.RoleUser
		if r.Role == string(llm.RoleAssistant) {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: r.Content})
	}
	return out
}

// remember stores the exchange for the caller's next turns. Clarifications
// are not worth remembering.
func (o *Orchestrator) remember(ctx context.Context, caller string, job turnJob, transcript, reply string) {
	if o.memory == nil || caller == "" || llm.Unusable(transcript) {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), memorySaveTimeout)
	defer cancel()
	for _, rec := range []struct {
		role llm.Role
		text string
	}{{llm.RoleUser, transcript}, {llm.RoleAssistant, reply}} {
		content, redacted := policy.RedactPII(rec.text)
		if err := o.memory.SaveTurn(sctx, memory.TurnRecord{
			Caller:      caller,
			SessionID:   job.sessionID,
			TurnID:      job.turnID,
			Role:        string(rec.role),
			Content:     content,
			PIIRedacted: redacted,
		}); err != nil {
			logger.WarnContext(ctx, "memory save failed", "session_id", job.sessionID, "error", err)
			return
		}
	}
}

func (o *Orchestrator) finishTurn(ctx context.Context, sessionID string, t session.Turn) {
	if t.State == session.TurnFailed {
		o.countTransition(session.TurnFailed)
	}
	if o.metrics != nil {
		o.metrics.TurnOutcomes.WithLabelValues(string(t.State), string(t.Failure)).Inc()
	}
	logger.InfoContext(ctx, "turn finished",
		"session_id", sessionID,
		"turn_id", t.ID,
		"index", t.Index,
		"state", string(t.State),
		"failure", string(t.Failure),
		"speech_path", string(t.SpeechPath),
	)
}

func (o *Orchestrator) onTurnTimeout(s *session.Session, t session.Turn) {
	o.finishTurn(context.Background(), s.ID, t)
}

func (o *Orchestrator) onSessionExpired(s *session.Session) {
	o.countSessionEvent("expired")
	for _, t := range s.Turns {
		if t.Failure == session.FailureCallEnded && !t.UpdatedAt.Before(s.EndedAt) {
			o.finishTurn(context.Background(), s.ID, t)
		}
	}
	logger.Info("call session expired", "session_id", s.ID, "turns", len(s.Turns))
}

func (o *Orchestrator) countTransition(state session.TurnState) {
	if o.metrics != nil {
		o.metrics.TurnTransitions.WithLabelValues(string(state)).Inc()
	}
}

func (o *Orchestrator) countSessionEvent(event string) {
	if o.metrics == nil {
		return
	}
	o.metrics.SessionEvents.WithLabelValues(event).Inc()
	o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
}

func (o *Orchestrator) countAttempts(stage string, n int) {
	if o.metrics != nil && n > 0 {
		o.metrics.ProviderAttempts.WithLabelValues(stage).Add(float64(n))
	}
}

func (o *Orchestrator) countProviderError(provider, code string) {
	if o.metrics != nil {
		o.metrics.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	o.metrics.ObserveStage(stage, d)
}

func (o *Orchestrator) setQueueDepth() {
	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(len(o.queue)))
	}
}
