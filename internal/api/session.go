package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/coachline/internal/session"
	"github.com/snarg/coachline/internal/transcript"
)

type SessionHandler struct {
	ctl Controller
}

func NewSessionHandler(ctl Controller) *SessionHandler {
	return &SessionHandler{ctl: ctl}
}

type startResponse struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// StartSession begins a session. The body is optional; an empty body starts
// both sources.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var cfg session.StartConfig
	if err := DecodeJSON(r, &cfg); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	id, err := h.ctl.Start(r.Context(), cfg)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, startResponse{SessionID: id, Status: h.ctl.Status()})
}

// StopSession ends the active session and returns its final status.
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	if !h.ctl.Stop(r.Context()) {
		writeSessionError(w, session.ErrNotActive)
		return
	}
	WriteJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctl.Status())
}

// ToggleSource enables or disables one source: {"enabled": bool}.
func (h *SessionHandler) ToggleSource(w http.ResponseWriter, r *http.Request) {
	src, err := transcript.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "unknown source", err.Error())
		return
	}
	var req toggleRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Enabled == nil {
		WriteError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := h.ctl.ToggleSource(r.Context(), src, *req.Enabled); err != nil {
		writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.ctl.Status())
}

// EndCoaching ends the current coaching episode on the user's request.
func (h *SessionHandler) EndCoaching(w http.ResponseWriter, r *http.Request) {
	if !h.ctl.EndCoachingManually() {
		WriteError(w, http.StatusConflict, "no coaching episode in progress")
		return
	}
	WriteJSON(w, http.StatusOK, h.ctl.Status().Coaching)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotActive):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrUnknownSource):
		WriteErrorDetail(w, http.StatusBadRequest, "unknown source", err.Error())
	case errors.Is(err, session.ErrNoSources):
		WriteErrorDetail(w, http.StatusServiceUnavailable, "no speech source available", err.Error())
	default:
		WriteErrorDetail(w, http.StatusInternalServerError, "session error", err.Error())
	}
}

// Routes registers session control routes on the given router.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/session/start", h.StartSession)
	r.Post("/session/stop", h.StopSession)
	r.Get("/session/status", h.GetStatus)
	r.Post("/session/sources/{source}", h.ToggleSource)
	r.Post("/coaching/end", h.EndCoaching)
}
