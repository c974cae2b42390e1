package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/telephony"
)

var (
	ErrSpeechOutputFailed = errors.New("speech output failed")
	// ErrUnavailable means no local synthesis path is configured.
	ErrUnavailable = errors.New("local speech unavailable")
)

// Clip is synthesized audio ready for playback.
type Clip struct {
	Data   []byte
	Format string
}

// Synthesizer renders text with a voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Clip, error)
}

// Player plays a clip on this machine.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}

// SpeakBacker delivers text through the telephony provider.
type SpeakBacker interface {
	SpeakBack(ctx context.Context, target telephony.SpeakTarget, text string) error
}

type Config struct {
	Synthesizer Synthesizer
	Player      Player
	Fallback    SpeakBacker
	Voice       string
	// LocalTimeout bounds synthesis plus playback.
	LocalTimeout    time.Duration
	FallbackTimeout time.Duration
}

// Outcome reports which path delivered the reply and how many paths were
// tried.
type Outcome struct {
	Path     session.SpeechPath
	Attempts int
	LocalErr error
	Duration time.Duration
}

// Dispatcher speaks a reply locally when it can and otherwise hands it to
// the telephony provider. The provider is tried at most once.
type Dispatcher struct {
	synth           Synthesizer
	player          Player
	fallback        SpeakBacker
	voice           string
	localTimeout    time.Duration
	fallbackTimeout time.Duration
}

func NewDispatcher(cfg Config) *Dispatcher {
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = 60 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 15 * time.Second
	}
	return &Dispatcher{
		synth:           cfg.Synthesizer,
		player:          cfg.Player,
		fallback:        cfg.Fallback,
		voice:           cfg.Voice,
		localTimeout:    cfg.LocalTimeout,
		fallbackTimeout: cfg.FallbackTimeout,
	}
}

// LocalAvailable reports whether a local synthesis path is configured.
func (d *Dispatcher) LocalAvailable() bool {
	return d.synth != nil && d.player != nil
}

func (d *Dispatcher) Speak(ctx context.Context, target telephony.SpeakTarget, text string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "speech dispatch")
	defer span.End()
	started := time.Now()

	out := Outcome{Path: session.SpeechPathNone}
	if strings.TrimSpace(text) == "" {
		err := fmt.Errorf("%w: empty text", ErrSpeechOutputFailed)
		observability.FailSpan(span, err)
		return out, err
	}

	out.Attempts++
	out.LocalErr = d.speakLocal(ctx, text)
	if out.LocalErr == nil {
		out.Path = session.SpeechPathLocal
		out.Duration = time.Since(started)
		span.SetAttributes(attribute.String("speech.path", string(out.Path)))
		return out, nil
	}
	if !errors.Is(out.LocalErr, ErrUnavailable) {
		logger.WarnContext(ctx, "local speech failed, falling back to provider", "error", out.LocalErr)
	}

	if d.fallback == nil {
		out.Duration = time.Since(started)
		err := fmt.Errorf("%w: local: %v; no provider fallback", ErrSpeechOutputFailed, out.LocalErr)
		observability.FailSpan(span, err)
		return out, err
	}

	out.Attempts++
	fctx, cancel := context.WithTimeout(ctx, d.fallbackTimeout)
	defer cancel()
	ferr := d.fallback.SpeakBack(fctx, target, text)
	out.Duration = time.Since(started)
	if ferr != nil {
		err := fmt.Errorf("%w: local: %v; provider: %w", ErrSpeechOutputFailed, out.LocalErr, ferr)
		observability.FailSpan(span, err)
		logger.ErrorContext(ctx, "speech output failed on every path", "call_sid", target.CallSID, "error", err)
		return out, err
	}
	out.Path = session.SpeechPathProvider
	span.SetAttributes(attribute.String("speech.path", string(out.Path)))
	return out, nil
}

func (d *Dispatcher) speakLocal(ctx context.Context, text string) error {
	if !d.LocalAvailable() {
		return ErrUnavailable
	}
	lctx, cancel := context.WithTimeout(ctx, d.localTimeout)
	defer cancel()

	clip, err := d.synth.Synthesize(lctx, text, d.voice)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	if len(clip.Data) == 0 {
		return errors.New("synthesize: empty audio")
	}
	if err := d.player.Play(lctx, clip); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}
