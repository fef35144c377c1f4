// Package server is the local bridge for a UI: a JSON API over the voice
// session and practice history, plus a websocket event stream.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Hub      *Hub
	Store    EpisodeStore
	Controls ControlHooks
	// AudioDir bounds the episode audio files the bridge will serve.
	AudioDir string
	// SpeechDir holds synthesized replies served under /api/speech/.
	SpeechDir string
	Logger    *slog.Logger
}

func Handler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}

	mux := http.NewServeMux()
	registerWSRoute(mux, hub, logger)
	registerAPIRoutes(mux, opts.Store, opts.Controls, opts.AudioDir)
	if opts.SpeechDir != "" {
		registerSpeechRoute(mux, opts.SpeechDir)
	}
	return mux
}

// SpeechURL is the bridge URL of a synthesized file, or "" when path is empty.
func SpeechURL(path string) string {
	if path == "" {
		return ""
	}
	return "/api/speech/" + filepath.Base(path)
}

func registerSpeechRoute(mux *http.ServeMux, dir string) {
	mux.HandleFunc("GET /api/speech/{file}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("file")
		if name != filepath.Base(name) || filepath.Ext(name) != ".mp3" {
			writeJSONError(w, http.StatusForbidden, "invalid speech file")
			return
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			writeJSONError(w, http.StatusNotFound, "speech file not found")
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		http.ServeFile(w, r, path)
	})
}

// Serve runs the bridge on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}
