package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/coachline/internal/live"
	"github.com/snarg/coachline/internal/transcript"
)

const keepaliveInterval = 15 * time.Second

type EventsHandler struct {
	live     LiveSource
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewEventsHandler(src LiveSource, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		live: src,
		log:  log.With().Str("component", "events").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin is enforced by CORS and bearer auth, not the upgrader.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// parseFilter reads ?types=a,b and ?sources=microphone,remote. Unknown
// sources are ignored.
func parseFilter(r *http.Request) live.Filter {
	f := live.Filter{Types: QueryStringList(r, "types")}
	for _, s := range QueryStringList(r, "sources") {
		if src, err := transcript.ParseSource(s); err == nil {
			f.Sources = append(f.Sources, src)
		}
	}
	return f
}

// StreamEvents opens an SSE connection and pushes filtered events.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := parseFilter(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	clearWriteDeadline(w)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	w.WriteHeader(http.StatusOK)

	var replayed uint64
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			writeSSE(w, e)
			replayed = e.Seq
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Strs("types", filter.Types).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event := <-ch:
			if event.Seq <= replayed {
				continue // already delivered by the replay
			}
			writeSSE(w, event)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e live.Event) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

// StreamWebSocket pushes the same filtered events as StreamEvents over a
// WebSocket, one JSON event per text message. Client messages are ignored.
func (h *EventsHandler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}
	filter := parseFilter(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	// Reader goroutine: detects close and answers control frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(keepaliveInterval)
	defer ping.Stop()

	h.log.Info().Strs("types", filter.Types).Msg("websocket client connected")
	for {
		select {
		case <-closed:
			h.log.Info().Msg("websocket client disconnected")
			return
		case <-r.Context().Done():
			return
		case event := <-ch:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				h.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
	r.Get("/events/ws", h.StreamWebSocket)
}
