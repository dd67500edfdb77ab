package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/coachline/internal/session"
)

// Pinger is a database health probe. *database.DB satisfies it.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnState reports a transport connection. *mqttclient.Client satisfies it.
type ConnState interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Session       sessionHealth     `json:"session"`
}

type sessionHealth struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Degraded  bool   `json:"degraded"`
	Sources   int    `json:"active_sources"`
}

type HealthHandler struct {
	db        Pinger
	mqtt      ConnState
	ctl       Controller
	version   string
	startTime time.Time
}

// NewHealthHandler builds the health endpoint. db and mqtt may be nil when
// the deployment runs without them.
func NewHealthHandler(db Pinger, mqtt ConnState, ctl Controller, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		ctl:       ctl,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	if h.db == nil {
		checks["database"] = "not_configured"
	} else if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// MQTT check
	if h.mqtt == nil {
		checks["mqtt"] = "not_configured"
	} else if h.mqtt.IsConnected() {
		checks["mqtt"] = "ok"
	} else {
		checks["mqtt"] = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.ctl != nil {
		st := h.ctl.Status()
		resp.Session = sessionHealth{State: st.State, SessionID: st.SessionID, Degraded: st.Degraded}
		for _, s := range st.Sources {
			if s.Active {
				resp.Session.Sources++
			}
		}
		if st.State == session.StateActive && st.Degraded && status == "healthy" {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
