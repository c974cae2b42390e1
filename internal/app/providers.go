package app

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/llm"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/speech"
	"github.com/ent0n29/voicecall/internal/stt"
	"github.com/ent0n29/voicecall/internal/telephony"
)

// sttSetup describes the resolved transcription stack.
type sttSetup struct {
	client *stt.Client
	detail string
}

func resolveTranscription(cfg config.Config) (sttSetup, error) {
	var (
		recognizer stt.Recognizer
		detail     string
	)
	switch mode := strings.ToLower(strings.TrimSpace(cfg.STTProvider)); mode {
	case "", "http":
		recognizer = stt.NewWhisperHTTP(cfg.STTEndpoint, cfg.STTLanguage, observability.NewHTTPClient("stt"))
		detail = "whisper http"
	case "openai":
		oc := openai.DefaultConfig(cfg.LLMAPIKey)
		oc.BaseURL = strings.TrimRight(cfg.STTEndpoint, "/")
		oc.HTTPClient = observability.NewHTTPClient("stt")
		recognizer = stt.NewOpenAIRecognizer(openai.NewClientWithConfig(oc), "", cfg.STTLanguage)
		detail = "openai transcriptions"
	case "mock":
		recognizer = stt.NewMockRecognizer("")
		detail = "mock"
	default:
		return sttSetup{}, fmt.Errorf("invalid STT_PROVIDER: %q (expected http|openai|mock)", cfg.STTProvider)
	}

	var local stt.Recognizer
	if strings.TrimSpace(cfg.LocalWhisperCLI) != "" {
		w, err := stt.NewWhisperCLI(cfg.LocalWhisperCLI, cfg.LocalWhisperModelPath, cfg.STTLanguage, cfg.LocalWhisperThreads)
		if err != nil {
			// Local files then go to the remote recognizer.
			log.Printf("local whisper unavailable: %v", err)
		} else {
			local = w
			detail += " + local whisper.cpp"
		}
	}

	client := stt.NewClient(stt.Config{
		Fetcher:    stt.NewHTTPFetcher(observability.NewHTTPClient("recording"), cfg.TwilioAccountSID, cfg.TwilioAuthToken),
		Recognizer: recognizer,
		Local:      local,
		Attempts:   cfg.STTAttempts,
		Backoff:    cfg.STTBackoff,

		FetchTimeout:     cfg.STTFetchTimeout,
		RecognizeTimeout: cfg.STTRecognizeTimeout,
	})
	return sttSetup{client: client, detail: detail}, nil
}

func resolveInference(cfg config.Config) (*llm.Client, string, error) {
	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:    cfg.LLMProvider,
		Endpoint:    cfg.LLMEndpoint,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: float32(cfg.LLMTemperature),
	})
	if err != nil {
		return nil, "", err
	}
	client := llm.NewClient(provider, llm.Config{
		SystemPrompt: cfg.LLMSystemPrompt,
		Timeout:      cfg.LLMTimeout,
	})
	return client, provider.Name(), nil
}

// speechSetup is the reply output stack. cleanup stops the local worker.
type speechSetup struct {
	dispatcher *speech.Dispatcher
	detail     string
	cleanup    func() error
}

func resolveSpeech(ctx context.Context, cfg config.Config, fallback *telephony.Speaker) speechSetup {
	setup := speechSetup{detail: "provider speak-back"}
	dcfg := speech.Config{
		Fallback:        fallback,
		Voice:           cfg.LocalKokoroVoice,
		LocalTimeout:    cfg.SpeechLocalTimeout,
		FallbackTimeout: cfg.SpeechFallbackTimeout,
	}

	if cfg.LocalSpeechEnabled() {
		player, err := newPlayer(cfg.LocalPlayerCommand)
		if err != nil {
			log.Printf("local speech unavailable: %v", err)
		} else if worker, err := speech.StartKokoroWorker(ctx, cfg.LocalKokoroPython, cfg.LocalKokoroWorkerScript, cfg.LocalKokoroLangCode); err != nil {
			log.Printf("local speech unavailable: %v", err)
		} else {
			dcfg.Synthesizer = worker
			dcfg.Player = player
			setup.cleanup = worker.Close
			setup.detail = "local kokoro (provider speak-back fallback)"
		}
	}

	setup.dispatcher = speech.NewDispatcher(dcfg)
	return setup
}

func newPlayer(command string) (*speech.ExecPlayer, error) {
	if strings.EqualFold(filepath.Base(command), "mpv") {
		return speech.NewExecPlayer(command, "--no-video", "--really-quiet")
	}
	return speech.NewExecPlayer(command)
}
