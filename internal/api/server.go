package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/config"
	"github.com/snarg/coachline/internal/live"
	"github.com/snarg/coachline/internal/metrics"
	"github.com/snarg/coachline/internal/persist"
	"github.com/snarg/coachline/internal/session"
	"github.com/snarg/coachline/internal/transcript"
)

// Controller is the session control surface. *session.Orchestrator
// satisfies it.
type Controller interface {
	Start(ctx context.Context, cfg session.StartConfig) (string, error)
	Stop(ctx context.Context) bool
	ToggleSource(ctx context.Context, src transcript.Source, enabled bool) error
	EndCoachingManually() bool
	Status() session.Status
}

// LiveSource streams live events. *live.EventBus satisfies it.
type LiveSource interface {
	Subscribe(filter live.Filter) (<-chan live.Event, func())
	ReplaySince(lastEventID string, filter live.Filter) []live.Event
}

type ServerOptions struct {
	Config     *config.Config
	Controller Controller
	Sessions   persist.Reader
	Live       LiveSource
	Health     *HealthHandler
	Log        zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
	// cancelStreams ends open SSE and WebSocket streams on shutdown.
	cancelStreams context.CancelFunc
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))

	// Health and metrics: no auth
	r.Get("/api/v1/health", opts.Health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		NewSessionHandler(opts.Controller).Routes(r)
		NewHistoryHandler(opts.Sessions).Routes(r)
		NewEventsHandler(opts.Live, opts.Log).Routes(r)
	})

	base, cancel := context.WithCancel(context.Background())
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
			BaseContext:  func(net.Listener) context.Context { return base },
		},
		log:           opts.Log.With().Str("component", "http").Logger(),
		cancelStreams: cancel,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	s.cancelStreams()
	return s.http.Shutdown(ctx)
}

// clearWriteDeadline lifts WriteTimeout for long-lived streams. Best effort:
// writers that cannot set deadlines are left alone.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}
