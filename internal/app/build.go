package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/httpapi"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/session"
	"github.com/ent0n29/voicecall/internal/telephony"
	"github.com/ent0n29/voicecall/internal/voice"
)

// ProviderInfo summarizes the resolved backends for the startup log.
type ProviderInfo struct {
	Transcription string
	Inference     string
	Speech        string
	Memory        string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Providers    ProviderInfo

	// Cleanup should be called on shutdown to release external resources (DB, local workers, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	twilio, err := telephony.New(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		BaseURL:    cfg.TwilioAPIBaseURL,
		HTTPClient: observability.NewHTTPClient("twilio"),
	})
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("twilio client init failed: %w", err)
	}

	transcription, err := resolveTranscription(cfg)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}
	inference, inferenceName, err := resolveInference(cfg)
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("llm provider init failed: %w", err)
	}
	speechSetup := resolveSpeech(ctx, cfg, telephony.NewSpeaker(twilio, cfg.TwilioPhoneNumber, cfg.PublicBaseURL))

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	sessions.SetRecordingRetention(cfg.RecordingRetention)
	sessions.SetTurnTimeout(cfg.TurnTimeout)

	orchestrator := voice.NewOrchestrator(
		sessions,
		transcription.client,
		inference,
		speechSetup.dispatcher,
		twilio,
		memoryStore,
		metrics,
		voice.Config{
			Workers:             cfg.Workers,
			QueueSize:           cfg.QueueSize,
			FromNumber:          cfg.TwilioPhoneNumber,
			PublicBaseURL:       cfg.PublicBaseURL,
			AllowedDialPrefixes: cfg.AllowedDialPrefixes,
		},
	)

	api := httpapi.New(cfg, sessions, orchestrator, metrics)

	cleanup := func() error {
		var errs []string
		if speechSetup.cleanup != nil {
			if err := speechSetup.cleanup(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Providers: ProviderInfo{
			Transcription: transcription.detail,
			Inference:     inferenceName,
			Speech:        speechSetup.detail,
			Memory:        memoryStore.Backend(),
		},
		Cleanup: cleanup,
	}, nil
}
