package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/coachline"
	"github.com/snarg/coachline/internal/api"
	"github.com/snarg/coachline/internal/archive"
	"github.com/snarg/coachline/internal/broker"
	"github.com/snarg/coachline/internal/clock"
	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/config"
	"github.com/snarg/coachline/internal/database"
	"github.com/snarg/coachline/internal/ingest"
	"github.com/snarg/coachline/internal/live"
	"github.com/snarg/coachline/internal/metrics"
	"github.com/snarg/coachline/internal/mqttclient"
	"github.com/snarg/coachline/internal/persist"
	"github.com/snarg/coachline/internal/session"
	"github.com/snarg/coachline/internal/speaker"
	"github.com/snarg/coachline/internal/spool"
)

// sessionStats adds the live subscriber count to the orchestrator's gauges.
type sessionStats struct {
	*session.Orchestrator
	bus *live.EventBus
}

func (s sessionStats) LiveSubscriberCount() int { return s.bus.SubscriberCount() }

// storage is whichever backend the config selects.
type storage struct {
	store  persist.Store
	reader persist.Reader
	db     *database.DB
	pg     *database.Embedded
}

func (s *storage) close(log zerolog.Logger) {
	if s.db != nil {
		s.db.Close()
	}
	if s.pg != nil {
		if err := s.pg.Stop(); err != nil {
			log.Error().Err(err).Msg("embedded postgres stop failed")
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*storage, error) {
	st := &storage{}
	url := cfg.DatabaseURL
	if url == "" && cfg.EmbeddedDBDir != "" {
		pg, err := database.StartEmbedded(cfg.EmbeddedDBDir, cfg.EmbeddedDBPort, log.With().Str("component", "postgres").Logger())
		if err != nil {
			return nil, err
		}
		st.pg = pg
		url = pg.URL()
	}
	if url == "" {
		log.Warn().Msg("no database configured, sessions are kept in memory only")
		mem := persist.NewMemory()
		st.store, st.reader = mem, mem
		return st, nil
	}

	db, err := database.Connect(ctx, url, log.With().Str("component", "database").Logger())
	if err != nil {
		st.close(log)
		return nil, err
	}
	st.db = db
	if err := db.InitSchema(ctx, coachline.SchemaSQL); err != nil {
		st.close(log)
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		st.close(log)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	st.store, st.reader = db, db
	return st, nil
}

func runServe(parent context.Context, overrides config.Overrides) error {
	startTime := time.Now()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("coachline starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close(log)

	writer := persist.NewWriter(st.store, persist.WriterOptions{Log: log})

	// Speech transport
	var (
		provider session.Provider
		mqtt     *mqttclient.Client
		embedded *broker.Broker
		spooler  *spool.Provider
	)
	switch cfg.SourceTransport {
	case config.TransportSpool:
		spooler = spool.New(spool.Options{Dir: cfg.SpoolDir, Log: log})
		defer spooler.Close()
		provider = spooler
	default:
		if cfg.MQTTEmbedded {
			embedded, err = broker.Start(cfg.MQTTEmbeddedAddr, log)
			if err != nil {
				return fmt.Errorf("embedded broker: %w", err)
			}
			defer embedded.Close()
		}
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log,
		})
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mqtt.Close()
		provider = mqttclient.NewProvider(mqtt, cfg.MQTTTopicPrefix, log)
	}

	// Archive
	var archiver session.Archiver
	store, err := archive.NewStore(cfg.S3, cfg.ArchiveDir, log)
	if err != nil {
		return fmt.Errorf("archive store: %w", err)
	}
	if store != nil {
		archiver = archive.NewArchiver(store, cfg.S3.Prefix, log)
	}
	if local, ok := store.(*archive.LocalStore); ok && cfg.ArchiveRetention > 0 {
		pruner := archive.NewPruner(local, cfg.ArchiveRetention, time.Hour, log)
		pruner.Start()
		defer pruner.Stop()
	}

	// Classifier
	var classifier coach.Classifier
	if cfg.ClassifierURL != "" {
		classifier = coach.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierToken, cfg.ClassifyTimeout)
	}

	// Session loop
	loop := clock.NewLoop(256)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()

	bus := live.NewEventBus(cfg.LiveReplaySize, log)
	orch := session.New(session.Options{
		Scheduler:  loop,
		Provider:   provider,
		Persister:  writer,
		Visualizer: bus,
		Archiver:   archiver,
		Aggregator: ingest.AggregatorOptions{
			OverlapRatio:   cfg.DedupOverlapRatio,
			TextSimilarity: cfg.DedupTextSimilarity,
		},
		Coach: coach.ManagerOptions{
			Classifier:          classifier,
			TickInterval:        cfg.CoachTickInterval,
			SilenceGap:          cfg.CoachSilenceGap,
			EndedResetDelay:     cfg.CoachEndedResetDelay,
			ClassifyTimeout:     cfg.ClassifyTimeout,
			CacheTTL:            cfg.ClassifyCacheTTL,
			NudgeDismissAfter:   cfg.NudgeDismissAfter,
			MinSpeechConfidence: cfg.CoachMinSpeechConfidence,
		},
		Speaker: speaker.Options{
			EchoThreshold:  cfg.EchoThreshold,
			OverlapRatio:   cfg.DedupOverlapRatio,
			TextSimilarity: cfg.DedupTextSimilarity,
		},
		LevelInterval: cfg.AudioLevelInterval,
		Log:           log,
	})

	// Metrics
	var pool *pgxpool.Pool
	if st.db != nil {
		pool = st.db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, sessionStats{Orchestrator: orch, bus: bus}))

	// HTTP Server
	var (
		pinger api.Pinger
		conn   api.ConnState
	)
	if st.db != nil {
		pinger = st.db
	}
	if mqtt != nil {
		conn = mqtt
	}
	srv := api.NewServer(api.ServerOptions{
		Config:     cfg,
		Controller: orch,
		Sessions:   st.reader,
		Live:       bus,
		Health:     api.NewHealthHandler(pinger, conn, orch, version, startTime),
		Log:        log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if orch.Stop(shutdownCtx) {
		log.Info().Msg("active session stopped")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	stopLoop()
	<-loopDone
	if err := writer.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("persistence drain incomplete")
	}

	log.Info().Msg("coachline stopped")
	return runErr
}
