// Package http exposes the session controller to UI clients.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"live-transcription-client/internal/app"
	"live-transcription-client/internal/service/session"
	"live-transcription-client/internal/service/transcript"
)

// Session is the controller API the router drives.
type Session interface {
	StartSession(languageCode string) error
	BeginRecording() error
	StopRecording() error
	ChangeLanguage(languageCode string) error
	Disconnect() error
	ClearResults() error
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

// NewRouter constructs the HTTP router for the client.
func NewRouter(application *app.Application) http.Handler {
	return newRouter(application.Controller, application.Cfg.Recognizer.LanguageCode, application.Logger)
}

type languageRequest struct {
	LanguageCode string `json:"languageCode"`
}

type handlers struct {
	session     Session
	defaultLang string
	logger      zerolog.Logger
}

func newRouter(s Session, defaultLang string, logger zerolog.Logger) http.Handler {
	h := &handlers{session: s, defaultLang: defaultLang, logger: logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.snapshot)
			r.Post("/", h.start)
			r.Delete("/", h.action(s.Disconnect))
			r.Put("/language", h.changeLanguage)
			r.Post("/recording", h.action(s.BeginRecording))
			r.Delete("/recording", h.action(s.StopRecording))
		})
		r.Get("/results", h.results)
		r.Delete("/results", h.action(s.ClearResults))
		r.Get("/feed", h.feed)
	})

	return r
}

func (h *handlers) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// results returns the display history; ?raw=true returns every final result.
func (h *handlers) results(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()
	if r.URL.Query().Get("raw") == "true" {
		writeJSON(w, http.StatusOK, snap.Results)
		return
	}
	writeJSON(w, http.StatusOK, transcript.Visible(snap.Results))
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLanguage(w, r, true)
	if !ok {
		return
	}
	h.accepted(w, h.session.StartSession(req.LanguageCode))
}

func (h *handlers) changeLanguage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLanguage(w, r, false)
	if !ok {
		return
	}
	h.accepted(w, h.session.ChangeLanguage(req.LanguageCode))
}

func (h *handlers) action(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h.accepted(w, fn())
	}
}

// accepted answers 202 with the current snapshot. Requests are applied
// asynchronously, so the snapshot may not reflect them yet.
func (h *handlers) accepted(w http.ResponseWriter, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrControllerClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.session.Snapshot())
}

func (h *handlers) decodeLanguage(w http.ResponseWriter, r *http.Request, allowEmpty bool) (languageRequest, bool) {
	var req languageRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return req, false
		}
	}
	req.LanguageCode = strings.TrimSpace(req.LanguageCode)
	if req.LanguageCode == "" {
		if !allowEmpty || h.defaultLang == "" {
			writeError(w, http.StatusBadRequest, "languageCode is required")
			return req, false
		}
		req.LanguageCode = h.defaultLang
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
