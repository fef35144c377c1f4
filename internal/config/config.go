package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Sofia environment variables.
const EnvPrefix = "SOFIA_"

const (
	defaultPollInterval      = 2 * time.Second
	defaultAcquireRetryDelay = 200 * time.Millisecond
	inactivityMultiple       = 15
)

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	DBPath         string `yaml:"db_path"`
	AudioDir       string `yaml:"audio_dir"`
	JournalDir     string `yaml:"journal_dir"`
	SpeechCacheDir string `yaml:"speech_cache_dir"`
	ListenAddr     string `yaml:"listen_addr" validate:"required"`

	PollInterval           string `yaml:"poll_interval"`
	InactivityTimeout      string `yaml:"inactivity_timeout"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures" validate:"gte=0"`
	AcquireRetryDelay      string `yaml:"acquire_retry_delay"`

	AudioBackend   string `yaml:"audio_backend" validate:"oneof=portaudio pulse"`
	AudioDevice    string `yaml:"audio_device"`
	MicSampleRate  int    `yaml:"mic_sample_rate" validate:"gte=0"`
	MicSampleRates []int  `yaml:"mic_sample_rates" validate:"dive,gt=0"`

	STTProvider   string `yaml:"stt_provider" validate:"oneof=openai deepgram"`
	STTModel      string `yaml:"stt_model"`
	STTLanguage   string `yaml:"stt_language"`
	DeepgramModel string `yaml:"deepgram_model"`

	TutorModel   string `yaml:"tutor_model"`
	TutorHistory int    `yaml:"tutor_history" validate:"gte=0"`

	TTSProvider string `yaml:"tts_provider" validate:"oneof=elevenlabs openai none"`
	TTSVoiceID  string `yaml:"tts_voice_id"`
	TTSModel    string `yaml:"tts_model"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFile  string `yaml:"log_file"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets, env vars only.
	OpenAIAPIKey     string `yaml:"-"`
	DeepgramAPIKey   string `yaml:"-"`
	AnthropicAPIKey  string `yaml:"-"`
	GeminiAPIKey     string `yaml:"-"`
	ElevenLabsAPIKey string `yaml:"-"`
}

func defaults() Config {
	return Config{
		DBPath:                 "data/sofia.db",
		AudioDir:               "data/audio",
		JournalDir:             "data/journal",
		SpeechCacheDir:         "data/speech",
		ListenAddr:             "127.0.0.1:8080",
		PollInterval:           "2s",
		InactivityTimeout:      "30s",
		MaxConsecutiveFailures: 5,
		AcquireRetryDelay:      "200ms",
		AudioBackend:           "portaudio",
		MicSampleRate:          16000,
		MicSampleRates:         []int{48000, 44100, 32000, 24000},
		STTProvider:            "openai",
		STTModel:               "whisper-1",
		STTLanguage:            "es",
		DeepgramModel:          "nova-2",
		TutorModel:             "openai/gpt-4o-mini",
		TutorHistory:           10,
		TTSProvider:            "elevenlabs",
		LogLevel:               "info",
		GoogleCredentialsFile:  "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// Enum and range violations are errors; softer problems come back as
// warnings and fall back to defaults.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)
	normalize(&cfg)

	if err := check(&cfg); err != nil {
		return cfg, nil, err
	}

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// Path resolves the config file location: flag value, then SOFIA_CONFIG,
// then config.yaml.
func Path(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

// ParsedPollInterval returns PollInterval, falling back to 2s.
func (c *Config) ParsedPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return defaultPollInterval
	}
	return d
}

// ParsedInactivityTimeout returns InactivityTimeout, falling back to fifteen
// poll intervals.
func (c *Config) ParsedInactivityTimeout() time.Duration {
	d, err := time.ParseDuration(c.InactivityTimeout)
	if err != nil || d <= 0 {
		return inactivityMultiple * c.ParsedPollInterval()
	}
	return d
}

func (c *Config) ParsedAcquireRetryDelay() time.Duration {
	d, err := time.ParseDuration(c.AcquireRetryDelay)
	if err != nil || d < 0 {
		return defaultAcquireRetryDelay
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

// TutorProvider is the provider half of TutorModel.
func (c *Config) TutorProvider() string {
	provider, _, _ := strings.Cut(c.TutorModel, "/")
	return provider
}

// TutorAPIKey returns the secret for the tutor's provider.
func (c *Config) TutorAPIKey() string {
	switch c.TutorProvider() {
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return c.OpenAIAPIKey
	}
}

// STTAPIKey returns the secret for the speech-to-text provider.
func (c *Config) STTAPIKey() string {
	if c.STTProvider == "deepgram" {
		return c.DeepgramAPIKey
	}
	return c.OpenAIAPIKey
}

func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"DB_PATH":                 &cfg.DBPath,
		"AUDIO_DIR":               &cfg.AudioDir,
		"JOURNAL_DIR":             &cfg.JournalDir,
		"SPEECH_CACHE_DIR":        &cfg.SpeechCacheDir,
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"POLL_INTERVAL":           &cfg.PollInterval,
		"INACTIVITY_TIMEOUT":      &cfg.InactivityTimeout,
		"ACQUIRE_RETRY_DELAY":     &cfg.AcquireRetryDelay,
		"AUDIO_BACKEND":           &cfg.AudioBackend,
		"AUDIO_DEVICE":            &cfg.AudioDevice,
		"STT_PROVIDER":            &cfg.STTProvider,
		"STT_MODEL":               &cfg.STTModel,
		"STT_LANGUAGE":            &cfg.STTLanguage,
		"DEEPGRAM_MODEL":          &cfg.DeepgramModel,
		"TUTOR_MODEL":             &cfg.TutorModel,
		"TTS_PROVIDER":            &cfg.TTSProvider,
		"TTS_VOICE_ID":            &cfg.TTSVoiceID,
		"TTS_MODEL":               &cfg.TTSModel,
		"LOG_LEVEL":               &cfg.LogLevel,
		"LOG_FILE":                &cfg.LogFile,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_CONSECUTIVE_FAILURES": &cfg.MaxConsecutiveFailures,
		"MIC_SAMPLE_RATE":          &cfg.MicSampleRate,
		"TUTOR_HISTORY":            &cfg.TutorHistory,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				*dst = n
			}
		}
	}

	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.ElevenLabsAPIKey = os.Getenv(EnvPrefix + "ELEVENLABS_API_KEY")
}

func normalize(cfg *Config) {
	for _, s := range []*string{&cfg.AudioBackend, &cfg.STTProvider, &cfg.TTSProvider, &cfg.LogLevel} {
		*s = strings.ToLower(strings.TrimSpace(*s))
	}
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check enforces the hard constraints declared in struct tags.
func check(cfg *Config) error {
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.STTAPIKey() == "" {
		env := EnvPrefix + "OPENAI_API_KEY"
		if cfg.STTProvider == "deepgram" {
			env = EnvPrefix + "DEEPGRAM_API_KEY"
		}
		warnings = append(warnings, fmt.Sprintf("%s API key not configured, transcription will fail. Set %s.", cfg.STTProvider, env))
	}

	if provider, model, ok := strings.Cut(cfg.TutorModel, "/"); !ok || provider == "" || model == "" {
		warnings = append(warnings, fmt.Sprintf("Invalid tutor_model %q, using openai/gpt-4o-mini.", cfg.TutorModel))
		cfg.TutorModel = defaults().TutorModel
	}
	if cfg.TutorAPIKey() == "" {
		warnings = append(warnings, fmt.Sprintf("%s API key not configured, the tutor answers with fallback replies.", cfg.TutorProvider()))
	}

	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" && cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "No text-to-speech key configured, spoken replies are disabled. Set "+EnvPrefix+"ELEVENLABS_API_KEY.")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured, spoken replies are disabled. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	}

	for _, d := range []struct {
		name, value, fallback string
	}{
		{"poll_interval", cfg.PollInterval, defaultPollInterval.String()},
		{"inactivity_timeout", cfg.InactivityTimeout, "15x poll_interval"},
		{"acquire_retry_delay", cfg.AcquireRetryDelay, defaultAcquireRetryDelay.String()},
	} {
		if d.value == "" {
			continue
		}
		if parsed, err := time.ParseDuration(d.value); err != nil || parsed < 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q, using %s.", d.name, d.value, d.fallback))
		}
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
