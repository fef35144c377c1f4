package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sjawhar/sofia/internal/audio"
	"github.com/sjawhar/sofia/internal/audio/portaudio"
	"github.com/sjawhar/sofia/internal/config"
	"github.com/sjawhar/sofia/internal/gdrive"
	"github.com/sjawhar/sofia/internal/llm"
	"github.com/sjawhar/sofia/internal/speech"
	"github.com/sjawhar/sofia/internal/storage"
	"github.com/sjawhar/sofia/internal/transcribe"
	"github.com/sjawhar/sofia/internal/tutor"
)

// New builds the production App: the configured capture backend, cloud
// providers and sqlite history. Missing optional pieces become warnings.
func New(ctx context.Context, cfg config.Config, warnings []string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	source, teardown, err := captureSource(cfg)
	if err != nil {
		return nil, err
	}
	if teardown != nil {
		closers = append(closers, teardown)
	}

	recorder := audio.NewRecorder(cfg.AudioDir, source, logger)
	if rate, ok := selectSampleRate(source, cfg.SampleRateCandidates(), logger); ok {
		recorder.SetSampleRate(rate)
	} else {
		warnings = append(warnings, "Microphone unavailable, listening will fail until a device is connected.")
	}

	transcriber, err := newTranscriber(cfg)
	if err != nil {
		runClosers(closers)
		return nil, err
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		runClosers(closers)
		return nil, fmt.Errorf("storage init: %w", err)
	}

	synth, err := speech.New(cfg.TTSProvider, speech.Options{
		ElevenLabsKey: cfg.ElevenLabsAPIKey,
		OpenAIKey:     cfg.OpenAIAPIKey,
		VoiceID:       cfg.TTSVoiceID,
		Model:         cfg.TTSModel,
		CacheDir:      cfg.SpeechCacheDir,
		Logger:        logger,
	})
	if err != nil {
		runClosers(closers)
		_ = store.Close()
		return nil, err
	}

	var syncer *gdrive.Syncer
	if cfg.GDriveFolderID != "" {
		syncer, err = gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID, logger)
		if err != nil {
			logger.Warn("journal backup disabled", "error", err)
			warnings = append(warnings, fmt.Sprintf("Google Drive backup disabled: %v", err))
			syncer = nil
		}
	}

	a := Assemble(cfg, warnings, Deps{
		Recorder:    recorder,
		Transcriber: transcriber,
		Permission:  audio.NewDevicePermission(source, logger),
		Store:       store,
		Journal:     storage.NewJournal(cfg.JournalDir),
		Tutor: tutor.New(newTutorClient(cfg, logger), store, tutor.Options{
			History: cfg.TutorHistory,
			Logger:  logger,
		}),
		Speech: synth,
		Syncer: syncer,
		Logger: logger,
	})
	a.closers = closers
	return a, nil
}

func captureSource(cfg config.Config) (audio.Source, func(), error) {
	switch cfg.AudioBackend {
	case "pulse":
		return audio.PulseSource{Device: cfg.AudioDevice}, nil, nil
	case "", "portaudio":
		teardown, err := portaudio.Init()
		if err != nil {
			return nil, nil, err
		}
		return portaudio.Source{}, teardown, nil
	default:
		return nil, nil, fmt.Errorf("unknown audio backend %q", cfg.AudioBackend)
	}
}

// selectSampleRate opens and closes a stream at each candidate rate and
// returns the first one the device accepts.
func selectSampleRate(source audio.Source, candidates []int, logger *slog.Logger) (int, bool) {
	for _, rate := range candidates {
		stream, err := source.Open(audio.Format{SampleRate: rate, Channels: 1})
		if err != nil {
			logger.Debug("microphone rejected sample rate", "sample_rate", rate, "error", err)
			continue
		}
		if err := stream.Close(); err != nil && !errors.Is(err, audio.ErrStreamClosed) {
			logger.Debug("sample rate check close failed", "error", err)
		}
		logger.Info("microphone ready", "sample_rate", rate)
		return rate, true
	}
	return 0, false
}

func newTranscriber(cfg config.Config) (transcribe.Transcriber, error) {
	model := cfg.STTModel
	if cfg.STTProvider == "deepgram" {
		model = cfg.DeepgramModel
	}
	return transcribe.New(cfg.STTProvider, transcribe.Options{
		APIKey:   cfg.STTAPIKey(),
		Model:    model,
		Language: cfg.STTLanguage,
	})
}

func newTutorClient(cfg config.Config, logger *slog.Logger) llm.Client {
	provider, model, err := llm.ParseModel(cfg.TutorModel)
	if err == nil {
		var client llm.Client
		client, err = llm.NewClient(provider, cfg.TutorAPIKey(), model)
		if err == nil {
			return client
		}
	}
	logger.Warn("tutor model unavailable, replies use fallbacks", "model", cfg.TutorModel, "error", err)
	return unavailableClient{err: err}
}

type unavailableClient struct{ err error }

func (c unavailableClient) Complete(context.Context, []llm.Message, ...llm.CallOption) (string, error) {
	return "", c.err
}

func runClosers(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
