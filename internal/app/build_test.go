package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/voicecall/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:         fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		SessionInactivityTimeout: time.Minute,
		SessionRetention:         time.Minute,
		TurnTimeout:              time.Minute,
		Workers:                  2,
		QueueSize:                4,
		TwilioAccountSID:         "AC123",
		TwilioAuthToken:          "secret",
		TwilioPhoneNumber:        "+15550001111",
		TwilioAPIBaseURL:         "http://127.0.0.1:1",
		PublicBaseURL:            "https://voice.example.com",
		LLMProvider:              "mock",
		LLMEndpoint:              "http://127.0.0.1:1",
		LLMAPIKey:                "key",
		LLMMaxTokens:             150,
		LLMTemperature:           0.7,
		STTProvider:              "mock",
		STTEndpoint:              "http://127.0.0.1:1/asr",
		STTAttempts:              3,
		STTBackoff:               time.Millisecond,
	}
}

func TestBuildWiresMockProviders(t *testing.T) {
	res, err := Build(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup()

	if res.Providers.Inference != "mock" {
		t.Fatalf("Inference = %q, want mock", res.Providers.Inference)
	}
	if res.Providers.Transcription != "mock" {
		t.Fatalf("Transcription = %q, want mock", res.Providers.Transcription)
	}
	if res.Providers.Memory != "in-memory" {
		t.Fatalf("Memory = %q, want in-memory", res.Providers.Memory)
	}
	if res.Providers.Speech != "provider speak-back" {
		t.Fatalf("Speech = %q, want provider speak-back without local speech", res.Providers.Speech)
	}
	if res.API == nil || res.Orchestrator == nil || res.Sessions == nil {
		t.Fatalf("Build() left components nil: %+v", res)
	}
}

func TestBuildRejectsUnknownProviders(t *testing.T) {
	cfg := testConfig()
	cfg.STTProvider = "carrier-pigeon"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("Build() error = nil, want invalid STT_PROVIDER")
	}

	cfg = testConfig()
	cfg.LLMProvider = "oracle"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("Build() error = nil, want invalid LLM_PROVIDER")
	}
}

func TestResolveTranscriptionHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.STTProvider = "http"
	setup, err := resolveTranscription(cfg)
	if err != nil {
		t.Fatalf("resolveTranscription() error = %v", err)
	}
	if setup.client == nil || setup.detail != "whisper http" {
		t.Fatalf("setup = %+v, want whisper http client", setup)
	}
}
