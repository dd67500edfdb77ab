package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/clock"
	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/ingest"
	"github.com/snarg/coachline/internal/metrics"
	"github.com/snarg/coachline/internal/persist"
	"github.com/snarg/coachline/internal/recorder"
	"github.com/snarg/coachline/internal/speaker"
	"github.com/snarg/coachline/internal/transcript"
)

// Options configures an Orchestrator. Provider and Scheduler are required.
type Options struct {
	Scheduler  clock.Scheduler
	Provider   Provider
	Persister  Persister  // nil = nothing is persisted
	Visualizer Visualizer // nil = no live output
	Archiver   Archiver   // nil = sessions are not archived

	// Aggregator and Coach are templates; the orchestrator fills in the
	// scheduler, clock, logger and collaborator hooks.
	Aggregator ingest.AggregatorOptions
	Coach      coach.ManagerOptions
	Speaker    speaker.Options

	LevelInterval  time.Duration // audio-level forwarding period (default 100ms)
	ArchiveTimeout time.Duration // default 30s
	Log            zerolog.Logger
}

// Orchestrator is the only owner of session lifecycle. Its exported methods
// are safe from any goroutine; all state lives on the scheduler's loop.
type Orchestrator struct {
	opts  Options
	sched clock.Scheduler
	log   zerolog.Logger

	// lifecycle orders Start, Stop and ToggleSource, including the provider
	// teardown they run after leaving the loop.
	lifecycle sync.Mutex

	agg   *ingest.Aggregator
	coach *coach.Manager

	sources     map[transcript.Source]*sourceState
	cur         *current
	last        Status
	unsubscribe func()
	levelTimer  clock.Timer
}

type sourceState struct {
	enabled bool
	active  bool
	rec     *recorder.Recorder
	level   float64
	lastErr string
}

type current struct {
	id        string
	startedAt time.Time
	language  string
	degraded  bool
	episodes  []coach.Episode
}

// New constructs the orchestrator together with the aggregator and coaching
// manager it owns.
func New(opts Options) *Orchestrator {
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 100 * time.Millisecond
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		opts:    opts,
		sched:   opts.Scheduler,
		log:     opts.Log.With().Str("component", "session").Logger(),
		sources: make(map[transcript.Source]*sourceState, len(transcript.Sources)),
		last:    Status{State: StateIdle},
	}
	for _, src := range transcript.Sources {
		o.sources[src] = &sourceState{}
	}

	aggOpts := opts.Aggregator
	aggOpts.Now = opts.Scheduler.Now
	aggOpts.Log = opts.Log
	o.agg = ingest.NewAggregator(aggOpts)

	coachOpts := opts.Coach
	coachOpts.Scheduler = opts.Scheduler
	coachOpts.Episodes = episodeSink{o}
	coachOpts.Publish = o.publishCoaching
	coachOpts.Log = opts.Log
	o.coach = coach.NewManager(coachOpts)
	return o
}

// ── Control surface ───────────────────────────────────────────────────

// Start begins a session, or returns the id of the one already active.
func (o *Orchestrator) Start(ctx context.Context, cfg StartConfig) (string, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	var id string
	var err error
	o.sched.Do(func() { id, err = o.start(ctx, cfg) })
	return id, err
}

// Stop ends the active session. It reports false if there was none.
func (o *Orchestrator) Stop(ctx context.Context) bool {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	var ok bool
	var detached []transcript.Source
	o.sched.Do(func() { ok, detached = o.stop(ctx) })
	o.stopProviders(detached)
	return ok
}

// ToggleSource enables or disables one source of the active session.
func (o *Orchestrator) ToggleSource(ctx context.Context, src transcript.Source, enabled bool) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	var err error
	var detached []transcript.Source
	o.sched.Do(func() { detached, err = o.toggle(ctx, src, enabled) })
	o.stopProviders(detached)
	return err
}

// stopProviders tears down detached sources off the loop. A provider may
// still be delivering into the sink while it stops, and those posts need the
// loop running; the sources are already inactive so late events are dropped.
func (o *Orchestrator) stopProviders(sources []transcript.Source) {
	for _, src := range sources {
		o.opts.Provider.Stop(src)
	}
}

// EndCoachingManually ends the current coaching episode.
func (o *Orchestrator) EndCoachingManually() bool {
	var ok bool
	o.sched.Do(func() { ok = o.coach.EndManually() })
	return ok
}

// Status returns the current status. After a stop it describes the stopped
// session until the next Start.
func (o *Orchestrator) Status() Status {
	var s Status
	o.sched.Do(func() { s = o.status() })
	return s
}

// SessionActive, ActiveSources and CoachingActive feed the metrics collector.
func (o *Orchestrator) SessionActive() bool {
	var ok bool
	o.sched.Do(func() { ok = o.cur != nil })
	return ok
}

func (o *Orchestrator) ActiveSources() int {
	var n int
	o.sched.Do(func() {
		for _, st := range o.sources {
			if st.active {
				n++
			}
		}
	})
	return n
}

func (o *Orchestrator) CoachingActive() bool {
	var ok bool
	o.sched.Do(func() { ok = o.coach.Active() })
	return ok
}

// ── Sink ──────────────────────────────────────────────────────────────

// Transcript queues a raw provider event for the aggregator.
func (o *Orchestrator) Transcript(ev transcript.RawEvent) {
	o.sched.Post(func() {
		if o.cur == nil {
			o.log.Debug().Str("source", string(ev.Source)).Msg("transcript with no active session, dropped")
			return
		}
		st, ok := o.sources[ev.Source]
		if !ok || !st.active {
			o.log.Debug().Str("source", string(ev.Source)).Msg("transcript from inactive source, dropped")
			return
		}
		o.agg.Ingest(ev)
	})
}

// Level records a source's latest input level for the next forwarding tick.
// Non-finite samples are ignored; others are clamped to [0, 1].
func (o *Orchestrator) Level(src transcript.Source, level float64) {
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return
	}
	level = min(max(level, 0), 1)
	o.sched.Post(func() {
		if st, ok := o.sources[src]; ok && st.active {
			st.level = level
		}
	})
}

// Disconnected marks a source inactive after its stream ended unexpectedly.
// The session and the other source keep running.
func (o *Orchestrator) Disconnected(src transcript.Source, err error) {
	o.sched.Post(func() {
		st, ok := o.sources[src]
		if o.cur == nil || !ok || !st.active {
			return
		}
		st.active = false
		st.level = 0
		if err != nil {
			st.lastErr = err.Error()
		}
		o.cur.degraded = true
		metrics.ProviderDisconnectsTotal.WithLabelValues(string(src)).Inc()
		o.log.Warn().Err(err).Str("session_id", o.cur.id).Str("source", string(src)).Msg("speech provider disconnected")
		o.notify()
	})
}

// ── Lifecycle (loop only) ─────────────────────────────────────────────

func (o *Orchestrator) start(ctx context.Context, cfg StartConfig) (string, error) {
	if o.cur != nil {
		return o.cur.id, nil
	}
	want, err := requestedSources(cfg.Sources)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	o.agg.Reset()
	o.coach.Begin(id)
	o.cur = &current{id: id, startedAt: o.sched.Now(), language: cfg.Language}
	for _, st := range o.sources {
		*st = sourceState{}
	}

	started := 0
	for _, src := range want {
		o.sources[src].enabled = true
		if err := o.startSource(ctx, src); err != nil {
			o.sources[src].lastErr = err.Error()
			o.log.Warn().Err(err).Str("session_id", id).Str("source", string(src)).Msg("source failed to start")
			continue
		}
		started++
	}
	if started == 0 {
		o.cur = nil
		o.coach.Reset()
		return "", ErrNoSources
	}
	o.cur.degraded = started < len(want)

	o.unsubscribe = o.agg.Subscribe(o.onEvent)
	o.levelTimer = o.sched.Every(o.opts.LevelInterval, o.forwardLevels)
	if o.opts.Persister != nil {
		o.opts.Persister.CreateSession(o.record(persist.StatusActive))
	}

	o.log.Info().
		Str("session_id", id).
		Int("sources", started).
		Bool("degraded", o.cur.degraded).
		Msg("session started")
	o.notify()
	return id, nil
}

func (o *Orchestrator) startSource(ctx context.Context, src transcript.Source) error {
	st := o.sources[src]
	if err := o.opts.Provider.Start(ctx, src, o); err != nil {
		return fmt.Errorf("start %s provider: %w", src, err)
	}
	if st.rec == nil {
		var segLog recorder.SegmentLog
		if o.opts.Persister != nil {
			segLog = o.opts.Persister
		}
		st.rec = recorder.New(src, o.cur.id, segLog, o.sched.Now, o.opts.Log)
		st.rec.StartSession(o.cur.language)
	}
	st.active = true
	st.lastErr = ""
	return nil
}

// stop finalizes the session and returns the sources whose providers the
// caller must stop once it has left the loop.
func (o *Orchestrator) stop(ctx context.Context) (bool, []transcript.Source) {
	if o.cur == nil {
		return false, nil
	}
	cur := o.cur

	// Every source started this session is detached, including ones that
	// disconnected or were toggled off; provider Stop is idempotent.
	var detached []transcript.Source
	for _, src := range transcript.Sources {
		if st := o.sources[src]; st.active || st.rec != nil {
			detached = append(detached, src)
			st.active = false
			st.level = 0
		}
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	if o.levelTimer != nil {
		o.levelTimer.Stop()
		o.levelTimer = nil
	}

	local := o.agg.Finalized(transcript.Microphone)
	remote := o.agg.Finalized(transcript.Remote)
	o.coach.EndSession()
	o.coach.Reset()
	o.agg.Reset()

	mapping := speaker.Map(local, remote, o.opts.Speaker)

	rec := o.record(persist.StatusStopped)
	endedAt := o.sched.Now()
	rec.EndedAt = &endedAt
	rec.SpeakerMapping = mapping
	for _, src := range transcript.Sources {
		if st := o.sources[src]; st.rec != nil {
			rec.Summaries = append(rec.Summaries, st.rec.EndSession())
		}
	}
	if o.opts.Persister != nil {
		o.opts.Persister.FinalizeSession(rec)
	}

	o.cur = nil
	o.last = Status{
		SessionID:      cur.id,
		State:          StateStopped,
		StartedAt:      &cur.startedAt,
		EndedAt:        &endedAt,
		Degraded:       cur.degraded,
		SpeakerMapping: mapping,
	}

	o.archive(ctx, persist.Document{
		Session:  rec,
		Segments: append(local, remote...),
		Episodes: cur.episodes,
	})

	o.log.Info().
		Str("session_id", cur.id).
		Int("local_segments", len(local)).
		Int("remote_segments", len(remote)).
		Strs("speakers", mapping.Labels()).
		Int("coaching_episodes", len(cur.episodes)).
		Msg("session stopped")
	o.notify()
	return true, detached
}

// toggle returns the source to detach when disabling an active one.
func (o *Orchestrator) toggle(ctx context.Context, src transcript.Source, enabled bool) ([]transcript.Source, error) {
	st, ok := o.sources[src]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	if o.cur == nil {
		return nil, ErrNotActive
	}

	var detached []transcript.Source
	if enabled {
		st.enabled = true
		if st.active {
			return nil, nil
		}
		if err := o.startSource(ctx, src); err != nil {
			st.lastErr = err.Error()
			o.notify()
			return nil, err
		}
		o.log.Info().Str("session_id", o.cur.id).Str("source", string(src)).Msg("source enabled")
	} else {
		st.enabled = false
		if !st.active {
			return nil, nil
		}
		detached = append(detached, src)
		st.active = false
		st.level = 0
		o.log.Info().Str("session_id", o.cur.id).Str("source", string(src)).Msg("source disabled")
	}
	o.notify()
	return detached, nil
}

// archive runs off the loop; the resulting key is posted back into the
// stopped session's status.
func (o *Orchestrator) archive(ctx context.Context, doc persist.Document) {
	if o.opts.Archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ArchiveTimeout)
	go func() {
		defer cancel()
		key, err := o.opts.Archiver.Archive(ctx, doc)
		if err != nil {
			metrics.PersistenceFailuresTotal.WithLabelValues("archive").Inc()
			o.log.Error().Err(err).Str("session_id", doc.Session.ID).Msg("session archive failed")
			return
		}
		o.log.Info().Str("session_id", doc.Session.ID).Str("key", key).Msg("session archived")
		o.sched.Post(func() {
			if o.cur == nil && o.last.SessionID == doc.Session.ID {
				o.last.ArchiveKey = key
			}
		})
	}()
}

// ── Wiring (loop only) ────────────────────────────────────────────────

func (o *Orchestrator) onEvent(e ingest.Event) {
	o.coach.HandleEvent(e)

	var seg transcript.Segment
	switch ev := e.(type) {
	case ingest.SegmentUpdated:
		seg = ev.Segment
	case ingest.SegmentFinalized:
		seg = ev.Segment
	case ingest.SegmentSuppressed:
		seg = ev.Segment
	}
	if seg.CanonicalID != "" {
		if st := o.sources[seg.Source]; st != nil && st.rec != nil {
			st.rec.AddSegment(seg)
		}
	}

	if o.opts.Visualizer != nil {
		o.opts.Visualizer.Transcript(e)
	}
}

func (o *Orchestrator) publishCoaching(e coach.Event) {
	if o.opts.Visualizer != nil {
		o.opts.Visualizer.Coaching(e)
	}
}

func (o *Orchestrator) forwardLevels() {
	if o.opts.Visualizer == nil {
		return
	}
	for _, src := range transcript.Sources {
		if st := o.sources[src]; st.active {
			o.opts.Visualizer.AudioLevel(src, st.level)
		}
	}
}

func (o *Orchestrator) notify() {
	if o.opts.Visualizer != nil {
		o.opts.Visualizer.SessionChanged(o.status())
	}
}

func (o *Orchestrator) status() Status {
	var s Status
	if o.cur == nil {
		s = o.last
	} else {
		startedAt := o.cur.startedAt
		s = Status{
			SessionID: o.cur.id,
			State:     StateActive,
			StartedAt: &startedAt,
			Degraded:  o.cur.degraded,
		}
	}
	s.Coaching = o.coach.Snapshot()
	s.Sources = make([]SourceStatus, 0, len(transcript.Sources))
	for _, src := range transcript.Sources {
		st := o.sources[src]
		ss := SourceStatus{
			Source:    src,
			Enabled:   st.enabled,
			Active:    st.active,
			Level:     st.level,
			LastError: st.lastErr,
		}
		if st.rec != nil {
			ss.SubSessionID = st.rec.SubSessionID()
		}
		s.Sources = append(s.Sources, ss)
	}
	return s
}

func (o *Orchestrator) record(status string) persist.SessionRecord {
	rec := persist.SessionRecord{
		ID:          o.cur.id,
		StartedAt:   o.cur.startedAt,
		Status:      status,
		Degraded:    o.cur.degraded,
		SubSessions: make(map[transcript.Source]string),
	}
	for _, src := range transcript.Sources {
		if st := o.sources[src]; st.rec != nil {
			rec.SubSessions[src] = st.rec.SubSessionID()
		}
	}
	return rec
}

func requestedSources(in []transcript.Source) ([]transcript.Source, error) {
	if len(in) == 0 {
		return transcript.Sources, nil
	}
	seen := make(map[transcript.Source]bool, len(in))
	var out []transcript.Source
	for _, src := range in {
		if _, err := transcript.ParseSource(string(src)); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
		}
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out, nil
}

// episodeSink records completed episodes for the archive and forwards them
// to the persister.
type episodeSink struct{ o *Orchestrator }

func (s episodeSink) AppendCoachingEvent(sessionID string, ep coach.Episode) {
	if s.o.cur != nil && s.o.cur.id == sessionID {
		s.o.cur.episodes = append(s.o.cur.episodes, ep)
	}
	if s.o.opts.Persister != nil {
		s.o.opts.Persister.AppendCoachingEvent(sessionID, ep)
	}
}
