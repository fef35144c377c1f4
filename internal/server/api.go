package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sjawhar/sofia/internal/capture"
	"github.com/sjawhar/sofia/internal/storage"
	"github.com/sjawhar/sofia/internal/voice"
)

var episodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var ErrInvalidMode = errors.New("invalid listen mode")

type EpisodeStore interface {
	GetEpisodesByDate(date string) ([]storage.Episode, error)
	GetEpisode(id string) (storage.Episode, error)
	GetDates() ([]string, error)
}

// ListenRequest is the body of POST /api/listen.
type ListenRequest struct {
	Mode           string   `json:"mode"`
	Expected       []string `json:"expected,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

type ControlHooks struct {
	Status            func() voice.Status
	RequestPermission func(ctx context.Context) (bool, error)
	Listen            func(ctx context.Context, req ListenRequest) error
	Stop              func(ctx context.Context) (string, error)
	Warnings          func() []string
}

func registerAPIRoutes(mux *http.ServeMux, store EpisodeStore, controls ControlHooks, audioDir string) {
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var status voice.Status
		if controls.Status != nil {
			status = controls.Status()
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "warnings": warnings})
	})

	mux.HandleFunc("POST /api/permission", func(w http.ResponseWriter, r *http.Request) {
		if controls.RequestPermission == nil {
			writeJSON(w, http.StatusOK, map[string]bool{"granted": true})
			return
		}
		granted, err := controls.RequestPermission(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, voice.Message(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
	})

	mux.HandleFunc("POST /api/listen", func(w http.ResponseWriter, r *http.Request) {
		if controls.Listen == nil {
			writeJSONError(w, http.StatusNotImplemented, "listening not available")
			return
		}

		var req ListenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
			return
		}

		if err := controls.Listen(r.Context(), req); err != nil {
			writeJSONError(w, listenStatus(err), listenMessage(err))
			return
		}

		var status voice.Status
		if controls.Status != nil {
			status = controls.Status()
		}
		writeJSON(w, http.StatusAccepted, status)
	})

	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		if controls.Stop == nil {
			writeJSONError(w, http.StatusNotImplemented, "listening not available")
			return
		}

		text, err := controls.Stop(r.Context())
		if errors.Is(err, capture.ErrNotListening) {
			writeJSONError(w, http.StatusConflict, "not listening")
			return
		}
		resp := map[string]string{"transcript": text}
		if err != nil {
			resp["error"] = voice.Message(err)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/episodes", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		episodes, err := store.GetEpisodesByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list episodes: %v", err))
			return
		}
		if episodes == nil {
			episodes = []storage.Episode{}
		}

		writeJSON(w, http.StatusOK, episodes)
	})

	mux.HandleFunc("GET /api/episodes/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validEpisodeID(id) {
			writeJSONError(w, http.StatusForbidden, "invalid episode id")
			return
		}

		ep, err := store.GetEpisode(id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get episode: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, ep)
	})

	mux.HandleFunc("GET /api/episodes/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validEpisodeID(id) {
			writeJSONError(w, http.StatusForbidden, "invalid episode id")
			return
		}

		ep, err := store.GetEpisode(id)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "episode not found")
			return
		}

		if ep.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath, ok := audioPathWithin(audioDir, ep.AudioPath)
		if !ok {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})
}

func listenStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrAlreadyListening):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func listenMessage(err error) string {
	if errors.Is(err, ErrInvalidMode) || errors.Is(err, capture.ErrAlreadyListening) {
		return err.Error()
	}
	return voice.Message(err)
}

// audioPathWithin resolves p and reports whether it stays inside root. With
// no root only relative paths without parent references are allowed.
func audioPathWithin(root, p string) (string, bool) {
	cleanPath := filepath.Clean(p)
	if cleanPath == "" || cleanPath == "." || strings.Contains(cleanPath, "..") {
		return "", false
	}
	if root == "" {
		return cleanPath, !filepath.IsAbs(cleanPath)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", false
	}
	return absPath, true
}

func validEpisodeID(id string) bool {
	return episodeIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
