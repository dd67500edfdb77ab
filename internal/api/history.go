package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/persist"
)

// HistoryHandler serves stored sessions.
type HistoryHandler struct {
	sessions persist.Reader
}

func NewHistoryHandler(sessions persist.Reader) *HistoryHandler {
	return &HistoryHandler{sessions: sessions}
}

type sessionListResponse struct {
	Sessions []persist.SessionRecord `json:"sessions"`
}

type sessionDetailResponse struct {
	Session  persist.SessionRecord `json:"session"`
	Segments []persist.SegmentRow  `json:"segments"`
	Episodes []coach.Episode       `json:"coaching_episodes"`
}

// ListSessions returns the most recent sessions, newest first.
func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := ParseLimit(r)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	list, err := h.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list sessions failed")
		WriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if list == nil {
		list = []persist.SessionRecord{}
	}
	WriteJSON(w, http.StatusOK, sessionListResponse{Sessions: list})
}

// GetSession returns one session with its final transcript and coaching
// episodes.
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.sessions.GetSession(r.Context(), id)
	if errors.Is(err, persist.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", id).Msg("get session failed")
		WriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	segs, err := h.sessions.FinalSegments(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", id).Msg("load segments failed")
		WriteError(w, http.StatusInternalServerError, "failed to load segments")
		return
	}
	eps, err := h.sessions.CoachingEvents(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", id).Msg("load coaching events failed")
		WriteError(w, http.StatusInternalServerError, "failed to load coaching events")
		return
	}
	if segs == nil {
		segs = []persist.SegmentRow{}
	}
	if eps == nil {
		eps = []coach.Episode{}
	}
	WriteJSON(w, http.StatusOK, sessionDetailResponse{Session: rec, Segments: segs, Episodes: eps})
}

// Routes registers history routes on the given router.
func (h *HistoryHandler) Routes(r chi.Router) {
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{id}", h.GetSession)
}
