package stt

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/voicecall/internal/audio"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/reliability"
)

// Audio is a recording ready to be recognized.
type Audio struct {
	Data        []byte
	Name        string
	ContentType string
}

// Fetcher downloads a remote recording.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (Audio, error)
}

// Recognizer turns audio into text.
type Recognizer interface {
	Recognize(ctx context.Context, a Audio) (string, error)
}

type Config struct {
	Fetcher    Fetcher
	Recognizer Recognizer
	// Local recognizes filesystem references. Recognizer is used when nil.
	Local Recognizer

	Attempts         int
	Backoff          time.Duration
	FetchTimeout     time.Duration
	RecognizeTimeout time.Duration
	// PCMSampleRate applies to raw .pcm local files.
	PCMSampleRate int
	Sleep         reliability.Sleeper
}

// Result is a transcript plus the work it took to get it.
type Result struct {
	Text               string
	FetchAttempts      int
	TranscribeAttempts int
	FetchDuration      time.Duration
	TranscribeDuration time.Duration
}

// Client fetches recordings and sends them to a recognizer, retrying each
// stage independently. It reports failure as *Error and never panics on
// provider errors.
type Client struct {
	fetcher          Fetcher
	recognizer       Recognizer
	local            Recognizer
	policy           reliability.Policy
	fetchTimeout     time.Duration
	recognizeTimeout time.Duration
	pcmSampleRate    int
}

func NewClient(cfg Config) *Client {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.Backoff
	switch {
	case backoff == 0:
		backoff = 2 * time.Second
	case backoff < 0:
		backoff = 0
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.RecognizeTimeout <= 0 {
		cfg.RecognizeTimeout = 10 * time.Second
	}
	local := cfg.Local
	if local == nil {
		local = cfg.Recognizer
	}
	return &Client{
		fetcher:          cfg.Fetcher,
		recognizer:       cfg.Recognizer,
		local:            local,
		policy:           reliability.Fixed(attempts, backoff).WithSleeper(cfg.Sleep),
		fetchTimeout:     cfg.FetchTimeout,
		recognizeTimeout: cfg.RecognizeTimeout,
		pcmSampleRate:    cfg.PCMSampleRate,
	}
}

// Transcribe resolves ref and returns its transcript. Remote references
// are fetched first; local paths go straight to the local recognizer.
func (c *Client) Transcribe(ctx context.Context, ref string) (Result, error) {
	ctx, span := tracer.Start(ctx, "stt transcribe")
	defer span.End()

	var (
		res        Result
		a          Audio
		recognizer = c.recognizer
	)
	if path, ok := LocalPath(ref); ok {
		span.SetAttributes(attribute.String("recording.source", "local"))
		recognizer = c.local
		loaded, err := c.loadLocal(path)
		if err != nil {
			res.FetchAttempts = 1
			e := &Error{Kind: KindFetch, Attempts: 1, Err: err}
			observability.FailSpan(span, e)
			return res, e
		}
		a = loaded
	} else {
		span.SetAttributes(attribute.String("recording.source", "remote"))
		started := time.Now()
		attempts, err := reliability.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
			fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
			defer cancel()
			fetched, err := c.fetcher.Fetch(fctx, ref)
			if err != nil {
				logger.WarnContext(ctx, "recording fetch attempt failed", "attempt", attempt, "error", err)
				return err
			}
			a = fetched
			return nil
		})
		res.FetchAttempts = attempts
		res.FetchDuration = time.Since(started)
		if err != nil {
			e := &Error{Kind: KindFetch, Attempts: attempts, Err: err}
			observability.FailSpan(span, e)
			return res, e
		}
	}
	if recognizer == nil {
		e := &Error{Kind: KindTranscription, Err: fmt.Errorf("no recognizer configured")}
		observability.FailSpan(span, e)
		return res, e
	}

	started := time.Now()
	attempts, err := reliability.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		rctx, cancel := context.WithTimeout(ctx, c.recognizeTimeout)
		defer cancel()
		text, err := recognizer.Recognize(rctx, a)
		if err != nil {
			logger.WarnContext(ctx, "transcription attempt failed", "attempt", attempt, "error", err)
			return err
		}
		res.Text = strings.TrimSpace(text)
		return nil
	})
	res.TranscribeAttempts = attempts
	res.TranscribeDuration = time.Since(started)
	span.SetAttributes(
		attribute.Int("stt.fetch_attempts", res.FetchAttempts),
		attribute.Int("stt.transcribe_attempts", attempts),
	)
	if err != nil {
		e := &Error{Kind: KindTranscription, Attempts: attempts, Err: err}
		observability.FailSpan(span, e)
		return res, e
	}
	return res, nil
}

func (c *Client) loadLocal(path string) (Audio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Audio{}, fmt.Errorf("read local recording: %w", err)
	}
	name := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(path), ".pcm") {
		wav, err := audio.EncodeWAV(data, c.pcmSampleRate)
		if err != nil {
			return Audio{}, err
		}
		data = wav
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".wav"
	}
	return Audio{Data: data, Name: name, ContentType: audio.Sniff(data).ContentType()}, nil
}

// LocalPath reports whether ref names a file on this machine and returns
// its path.
func LocalPath(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if u, err := url.Parse(ref); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return "", false
		case "file":
			return u.Path, true
		}
	}
	return ref, true
}
