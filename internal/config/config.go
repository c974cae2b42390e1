package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfigurationMissing is returned when a required setting is absent.
var ErrConfigurationMissing = errors.New("configuration missing")

// Config contains all runtime settings for the voice call service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	RecordingRetention       time.Duration
	TurnTimeout              time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	// APIToken guards the /v1 operator API when set.
	APIToken       string

	Workers   int
	QueueSize int

	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioPhoneNumber        string
	TwilioAPIBaseURL         string
	TwilioValidateSignatures bool
	TwilioSayVoice           string
	MyPhoneNumber            string
	PublicBaseURL            string
	AllowedDialPrefixes      []string

	RecordSilenceTimeout time.Duration
	RecordMaxLength      time.Duration
	HoldPause            time.Duration

	LLMProvider     string
	LLMEndpoint     string
	LLMAPIKey       string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64
	LLMSystemPrompt string
	LLMTimeout      time.Duration

	STTProvider string
	STTEndpoint string
	STTLanguage string
	STTAttempts int
	STTBackoff  time.Duration

	// Per-attempt bounds for recording download and recognition.
	STTFetchTimeout     time.Duration
	STTRecognizeTimeout time.Duration

	SpeechLocalTimeout    time.Duration
	SpeechFallbackTimeout time.Duration

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperThreads   int

	LocalKokoroPython       string
	LocalKokoroWorkerScript string
	LocalKokoroVoice        string
	LocalKokoroLangCode     string
	LocalPlayerCommand      string

	DatabaseURL string
}

// required lists settings without which calls cannot be served. Each entry
// is the primary key followed by accepted aliases.
var required = [][]string{
	{"TWILIO_ACCOUNT_SID"},
	{"TWILIO_AUTH_TOKEN"},
	{"TWILIO_PHONE_NUMBER"},
	{"MY_PHONE_NUMBER"},
	{"PUBLIC_BASE_URL", "NGROK_URL"},
	{"LLM_ENDPOINT"},
	{"LLM_API_KEY", "GITHUB_TOKEN"},
	{"STT_ENDPOINT"},
}

// LoadDotEnv merges a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	if missing := missingRequired(); len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigurationMissing, strings.Join(missing, ", "))
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicecall"),
		AllowAnyOrigin:   false,
		APIToken:         stringsTrimSpace("APP_API_TOKEN"),
		Workers:          8,
		QueueSize:        64,

		TwilioAccountSID:  stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: stringsTrimSpace("TWILIO_PHONE_NUMBER"),
		TwilioAPIBaseURL:  envOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com"),
		TwilioSayVoice:    stringsTrimSpace("TWILIO_SAY_VOICE"),
		MyPhoneNumber:     stringsTrimSpace("MY_PHONE_NUMBER"),
		PublicBaseURL:     strings.TrimRight(firstEnv("PUBLIC_BASE_URL", "NGROK_URL"), "/"),

		LLMProvider:     envOrDefault("LLM_PROVIDER", "auto"),
		LLMEndpoint:     stringsTrimSpace("LLM_ENDPOINT"),
		LLMAPIKey:       firstEnv("LLM_API_KEY", "GITHUB_TOKEN"),
		LLMModel:        envOrDefault("LLM_MODEL", "gpt-4o"),
		LLMMaxTokens:    150,
		LLMTemperature:  0.7,
		LLMSystemPrompt: envOrDefault("LLM_SYSTEM_PROMPT", "You are a helpful AI assistant."),
		LLMTimeout:      30 * time.Second,

		STTProvider: envOrDefault("STT_PROVIDER", "http"),
		STTEndpoint: stringsTrimSpace("STT_ENDPOINT"),
		STTLanguage: envOrDefault("STT_LANGUAGE", "en"),

		STTAttempts:         3,
		STTBackoff:          2 * time.Second,
		STTFetchTimeout:     10 * time.Second,
		STTRecognizeTimeout: 10 * time.Second,

		SpeechLocalTimeout:    60 * time.Second,
		SpeechFallbackTimeout: 15 * time.Second,

		LocalWhisperCLI:       stringsTrimSpace("LOCAL_WHISPER_CLI"),
		LocalWhisperModelPath: envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		// 0 means "auto" (picked based on CPU count).
		LocalWhisperThreads: 0,

		LocalKokoroPython:       stringsTrimSpace("LOCAL_KOKORO_PYTHON"),
		LocalKokoroWorkerScript: envOrDefault("LOCAL_KOKORO_WORKER_SCRIPT", "scripts/kokoro_worker.py"),
		LocalKokoroVoice:        envOrDefault("LOCAL_KOKORO_VOICE", "am_adam"),
		LocalKokoroLangCode:     envOrDefault("LOCAL_KOKORO_LANG_CODE", "a"),
		LocalPlayerCommand:      envOrDefault("LOCAL_PLAYER_COMMAND", "mpv"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		SessionRetention:         30 * time.Minute,
		RecordingRetention:       24 * time.Hour,
		TurnTimeout:              3 * time.Minute,
		JanitorInterval:          5 * time.Second,
		RecordSilenceTimeout:     2 * time.Second,
		RecordMaxLength:          60 * time.Second,
		HoldPause:                30 * time.Second,
	}
	if prefixes := stringsTrimSpace("TWILIO_ALLOWED_DIAL_PREFIXES"); prefixes != "" {
		for _, p := range strings.Split(prefixes, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedDialPrefixes = append(cfg.AllowedDialPrefixes, p)
			}
		}
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_SESSION_RETENTION", &cfg.SessionRetention},
		{"APP_RECORDING_RETENTION", &cfg.RecordingRetention},
		{"APP_TURN_TIMEOUT", &cfg.TurnTimeout},
		{"APP_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"TWILIO_RECORD_SILENCE_TIMEOUT", &cfg.RecordSilenceTimeout},
		{"TWILIO_RECORD_MAX_LENGTH", &cfg.RecordMaxLength},
		{"TWILIO_HOLD_PAUSE", &cfg.HoldPause},
		{"LLM_TIMEOUT", &cfg.LLMTimeout},
		{"STT_BACKOFF", &cfg.STTBackoff},
		{"STT_FETCH_TIMEOUT", &cfg.STTFetchTimeout},
		{"STT_RECOGNIZE_TIMEOUT", &cfg.STTRecognizeTimeout},
		{"SPEECH_LOCAL_TIMEOUT", &cfg.SpeechLocalTimeout},
		{"SPEECH_FALLBACK_TIMEOUT", &cfg.SpeechFallbackTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"APP_WORKERS", &cfg.Workers},
		{"APP_QUEUE_SIZE", &cfg.QueueSize},
		{"LLM_MAX_TOKENS", &cfg.LLMMaxTokens},
		{"STT_ATTEMPTS", &cfg.STTAttempts},
		{"LOCAL_WHISPER_THREADS", &cfg.LocalWhisperThreads},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.LLMTemperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TwilioValidateSignatures, err = boolFromEnv("TWILIO_VALIDATE_SIGNATURES", cfg.TwilioValidateSignatures)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TurnTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_TURN_TIMEOUT must be at least 1s")
	}
	if cfg.JanitorInterval <= 0 {
		return Config{}, fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("APP_WORKERS must be positive")
	}
	if cfg.QueueSize <= 0 {
		return Config{}, fmt.Errorf("APP_QUEUE_SIZE must be positive")
	}
	if cfg.STTAttempts <= 0 {
		return Config{}, fmt.Errorf("STT_ATTEMPTS must be positive")
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"STT_FETCH_TIMEOUT", cfg.STTFetchTimeout},
		{"STT_RECOGNIZE_TIMEOUT", cfg.STTRecognizeTimeout},
		{"LLM_TIMEOUT", cfg.LLMTimeout},
		{"SPEECH_LOCAL_TIMEOUT", cfg.SpeechLocalTimeout},
		{"SPEECH_FALLBACK_TIMEOUT", cfg.SpeechFallbackTimeout},
	} {
		if d.v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
	}
	if cfg.STTBackoff < 0 {
		return Config{}, fmt.Errorf("STT_BACKOFF must be >= 0")
	}
	// A turn that outlives APP_TURN_TIMEOUT in one state is failed by the
	// janitor, so every stage has to fit inside it.
	if budget := cfg.StageBudget(); cfg.TurnTimeout <= budget {
		return Config{}, fmt.Errorf("APP_TURN_TIMEOUT (%s) must exceed the longest stage budget (%s)", cfg.TurnTimeout, budget)
	}
	if cfg.RecordingRetention < cfg.SessionRetention {
		return Config{}, fmt.Errorf("APP_RECORDING_RETENTION must be at least APP_SESSION_RETENTION")
	}
	if cfg.LLMMaxTokens <= 0 {
		return Config{}, fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		return Config{}, fmt.Errorf("LLM_TEMPERATURE must be within [0,2]")
	}
	if cfg.LocalWhisperThreads < 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL")
	}

	return cfg, nil
}

// StageBudget is the worst case a turn can spend in one in-flight state:
// every transcription attempt timing out with backoff between attempts, one
// inference call, or local speech failing before the provider fallback.
func (c Config) StageBudget() time.Duration {
	attempts := time.Duration(max(c.STTAttempts, 1))
	transcribing := attempts*(c.STTFetchTimeout+c.STTRecognizeTimeout) + 2*(attempts-1)*c.STTBackoff
	speaking := c.SpeechLocalTimeout + c.SpeechFallbackTimeout
	return max(transcribing, c.LLMTimeout, speaking)
}

// LocalSpeechEnabled reports whether replies can be played on this host.
func (c Config) LocalSpeechEnabled() bool {
	return c.LocalKokoroPython != "" && c.LocalPlayerCommand != ""
}

func missingRequired() []string {
	var missing []string
	for _, keys := range required {
		if firstEnv(keys...) == "" {
			missing = append(missing, keys[0])
		}
	}
	return missing
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := stringsTrimSpace(k); v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
