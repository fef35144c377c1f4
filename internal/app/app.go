// Package app wires the capture core to storage, the tutor, speech output
// and the local bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sjawhar/sofia/internal/answer"
	"github.com/sjawhar/sofia/internal/capture"
	"github.com/sjawhar/sofia/internal/config"
	"github.com/sjawhar/sofia/internal/gdrive"
	"github.com/sjawhar/sofia/internal/server"
	"github.com/sjawhar/sofia/internal/speech"
	"github.com/sjawhar/sofia/internal/storage"
	"github.com/sjawhar/sofia/internal/tutor"
	"github.com/sjawhar/sofia/internal/voice"
)

// DefaultConversation is used when a chat listen names no conversation.
const DefaultConversation = "default"

// Deps are the collaborators of an App. Recorder, Transcriber and Store are
// required; the rest may be nil.
type Deps struct {
	Recorder    capture.Recorder
	Transcriber capture.Transcriber
	Permission  capture.PermissionChecker
	Store       *storage.SQLiteStore
	Journal     *storage.Journal
	Hub         *server.Hub
	Tutor       *tutor.Tutor
	Speech      speech.Synthesizer
	Syncer      *gdrive.Syncer
	Clock       capture.Clock
	Logger      *slog.Logger
}

type App struct {
	cfg      config.Config
	warnings []string
	logger   *slog.Logger

	store   *storage.SQLiteStore
	journal *storage.Journal
	hub     *server.Hub
	tutor   *tutor.Tutor
	speech  speech.Synthesizer
	syncer  *gdrive.Syncer
	session *voice.Session

	listenMu sync.Mutex

	mu       sync.Mutex
	next     listenMeta
	episodes map[string]listenMeta
	replies  sync.WaitGroup

	closers []func()
}

// listenMeta is what the caller asked an episode to listen for.
type listenMeta struct {
	kind           string
	expected       []string
	conversationID string
}

// Assemble builds an App over deps using the timing and limits in cfg.
func Assemble(cfg config.Config, warnings []string, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = server.NewHub(logger)
	}

	a := &App{
		cfg:      cfg,
		warnings: warnings,
		logger:   logger,
		store:    deps.Store,
		journal:  deps.Journal,
		hub:      hub,
		tutor:    deps.Tutor,
		speech:   deps.Speech,
		syncer:   deps.Syncer,
		episodes: make(map[string]listenMeta),
	}

	ctrl := capture.NewController(deps.Recorder, deps.Transcriber, capture.Options{
		PollInterval:           cfg.ParsedPollInterval(),
		InactivityTimeout:      cfg.ParsedInactivityTimeout(),
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		AcquireRetryDelay:      cfg.ParsedAcquireRetryDelay(),
		Permission:             deps.Permission,
		Observer:               a,
		Clock:                  deps.Clock,
		Logger:                 logger,
	})
	a.session = voice.NewSession(ctrl, deps.Permission)
	return a
}

func (a *App) Session() *voice.Session { return a.session }
func (a *App) Hub() *server.Hub        { return a.hub }
func (a *App) Warnings() []string      { return a.warnings }
func (a *App) Status() voice.Status    { return a.session.Status() }

// Listen starts an episode for req. manual captures until Stop; answer
// stops on a transcript matching one of the expected answers; chat stops on
// any speech and sends it to the tutor.
func (a *App) Listen(ctx context.Context, req server.ListenRequest) error {
	meta, predicate, err := plan(req)
	if err != nil {
		return err
	}

	a.listenMu.Lock()
	defer a.listenMu.Unlock()

	a.mu.Lock()
	a.next = meta
	a.mu.Unlock()

	if predicate == nil {
		return a.session.Start(ctx)
	}
	return a.session.StartWithAutoStop(ctx, predicate)
}

func plan(req server.ListenRequest) (listenMeta, capture.Predicate, error) {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	switch mode {
	case "", storage.KindManual:
		return listenMeta{kind: storage.KindManual}, nil, nil
	case storage.KindAnswer:
		expected := make([]string, 0, len(req.Expected))
		for _, e := range req.Expected {
			if strings.TrimSpace(e) != "" {
				expected = append(expected, e)
			}
		}
		if len(expected) == 0 {
			return listenMeta{}, nil, fmt.Errorf("%w: answer mode needs at least one expected answer", server.ErrInvalidMode)
		}
		return listenMeta{kind: storage.KindAnswer, expected: expected}, answer.Expect(expected...), nil
	case storage.KindChat:
		conv := strings.TrimSpace(req.ConversationID)
		if conv == "" {
			conv = DefaultConversation
		}
		return listenMeta{kind: storage.KindChat, conversationID: conv}, answer.AnyText(), nil
	default:
		return listenMeta{}, nil, fmt.Errorf("%w %q: use manual, answer or chat", server.ErrInvalidMode, req.Mode)
	}
}

func (a *App) Stop(ctx context.Context) (string, error) {
	return a.session.Stop(ctx)
}

func (a *App) RequestPermission(ctx context.Context) (bool, error) {
	return a.session.RequestPermission(ctx)
}

// StateChanged binds the first event of a new episode to the pending listen
// request, then forwards it to the bridge.
func (a *App) StateChanged(episodeID string, state capture.State) {
	a.mu.Lock()
	if _, ok := a.episodes[episodeID]; !ok && state == capture.StateListening {
		a.episodes[episodeID] = a.next
	}
	a.mu.Unlock()

	a.hub.BroadcastStateChanged(episodeID, string(state), state.Active())
}

func (a *App) TranscriptUpdated(episodeID, text string) {
	a.hub.BroadcastTranscript(episodeID, text)
}

func (a *App) ErrorRaised(episodeID string, err error) {
	a.hub.BroadcastError(episodeID, voice.Message(err))
}

func (a *App) EpisodeEnded(result capture.Result) {
	a.mu.Lock()
	meta, ok := a.episodes[result.EpisodeID]
	delete(a.episodes, result.EpisodeID)
	a.mu.Unlock()
	if !ok {
		meta = listenMeta{kind: storage.KindManual}
	}

	ep := episodeRecord(result, meta)

	if a.store != nil {
		if err := a.store.SaveEpisode(ep); err != nil {
			a.logger.Error("save episode failed", "episode_id", ep.ID, "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Append(ep); err != nil {
			a.logger.Warn("journal append failed", "episode_id", ep.ID, "error", err)
		}
	}
	a.hub.BroadcastEpisodeEnded(ep)

	if meta.kind == storage.KindChat && ep.Transcript != "" && result.Err == nil {
		a.replies.Add(1)
		go func() {
			defer a.replies.Done()
			a.reply(meta.conversationID, ep.Transcript)
		}()
	}
}

func episodeRecord(result capture.Result, meta listenMeta) storage.Episode {
	ep := storage.Episode{
		ID:             result.EpisodeID,
		Kind:           meta.kind,
		Reason:         string(result.Reason),
		Transcript:     result.Transcript,
		Expected:       meta.expected,
		Accepted:       result.Reason == capture.ReasonAccepted,
		AudioPath:      result.AudioPath,
		Ticks:          result.Ticks,
		Transcriptions: result.Transcriptions,
		Failures:       result.Failures,
		StartedAt:      result.StartedAt,
		EndedAt:        result.FinishedAt,
	}
	if result.Err != nil {
		ep.Error = voice.Message(result.Err)
	}
	if len(meta.expected) > 0 {
		ep.Confidence = answer.Validate(result.Transcript, meta.expected...).Confidence
	}
	return ep
}

// reply asks the tutor to answer text and speaks the answer when a
// synthesizer is configured.
func (a *App) reply(conversationID, text string) {
	if a.tutor == nil {
		return
	}
	ctx := context.Background()

	reply, err := a.tutor.Reply(ctx, conversationID, text)
	if err != nil || reply == "" {
		return
	}

	var audioURL string
	if a.speech != nil {
		path, err := a.speech.Synthesize(ctx, reply)
		if err != nil {
			a.logger.Warn("speak reply failed", "conversation_id", conversationID, "error", err)
		} else {
			audioURL = server.SpeechURL(path)
		}
	}

	a.hub.BroadcastTutorReply(conversationID, reply, audioURL)
}

// Serve runs the bridge and the journal backup until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if a.syncer != nil && a.journal != nil {
		go a.syncer.Run(ctx, gdrive.DefaultInterval, a.journal.CurrentPath)
	}

	err := server.Serve(ctx, a.cfg.ListenAddr, server.Options{
		Hub:   a.hub,
		Store: a.store,
		Controls: server.ControlHooks{
			Status:            a.Status,
			RequestPermission: a.RequestPermission,
			Listen:            a.Listen,
			Stop:              a.Stop,
			Warnings:          a.Warnings,
		},
		AudioDir:  a.cfg.AudioDir,
		SpeechDir: a.cfg.SpeechCacheDir,
		Logger:    a.logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve bridge: %w", err)
	}
	return nil
}

// Close ends any running episode, waits for pending tutor replies and
// releases devices and storage.
func (a *App) Close() error {
	a.session.Close()
	a.replies.Wait()

	runClosers(a.closers)
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
