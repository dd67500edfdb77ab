package coach

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/clock"
	"github.com/snarg/coachline/internal/ingest"
	"github.com/snarg/coachline/internal/metrics"
	"github.com/snarg/coachline/internal/transcript"
)

// Defaults for ManagerOptions zero values.
const (
	DefaultTickInterval        = 250 * time.Millisecond
	DefaultSilenceGap          = 8 * time.Second
	DefaultEndedResetDelay     = 3 * time.Second
	DefaultClassifyTimeout     = 1500 * time.Millisecond
	DefaultMinSpeechConfidence = 0.6
	DefaultNudgeDismissAfter   = 5 * time.Second
)

const (
	softNudgeMessage = "Consider wrapping up your answer."
	hardNudgeMessage = "Time to conclude and hand back."
)

// echoSimilarity is how close a remote utterance must be to the latest local
// one to be ignored as leaked playback rather than treated as an interruption.
const echoSimilarity = 0.8

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Scheduler           clock.Scheduler
	Classifier          Classifier // remote classifier; nil = heuristic only
	Fallback            Classifier // nil = Heuristic{}
	Budgets             BudgetTable
	Episodes            EpisodeStore // nil = episodes are not persisted
	Publish             func(Event)  // nil = no notifications
	TickInterval        time.Duration
	SilenceGap          time.Duration
	EndedResetDelay     time.Duration
	ClassifyTimeout     time.Duration
	CacheTTL            time.Duration
	NudgeDismissAfter   time.Duration
	MinSpeechConfidence float64
	NewID               func() string
	Log                 zerolog.Logger
}

// Manager runs the per-question coaching state machine. Like the aggregator
// it is single-writer: every method must be called on the scheduler's loop.
type Manager struct {
	opts  ManagerOptions
	sched clock.Scheduler
	log   zerolog.Logger
	cache *resultCache

	sessionID string

	// gen invalidates outstanding classifications on reset or re-arm.
	gen     uint64
	pending *pendingQuestion
	ep      *Episode
	// lastLocal is the most recent microphone utterance, for echo checks.
	lastLocal *transcript.Segment

	tick      clock.Timer
	silence   clock.Timer
	idleTimer clock.Timer
}

type pendingQuestion struct {
	gen    uint64
	seg    transcript.Segment
	norm   string
	cancel context.CancelFunc
}

// NewManager creates an idle manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Fallback == nil {
		opts.Fallback = Heuristic{}
	}
	if opts.Budgets == nil {
		opts.Budgets = DefaultBudgets
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.SilenceGap <= 0 {
		opts.SilenceGap = DefaultSilenceGap
	}
	if opts.EndedResetDelay <= 0 {
		opts.EndedResetDelay = DefaultEndedResetDelay
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = DefaultClassifyTimeout
	}
	if opts.NudgeDismissAfter <= 0 {
		opts.NudgeDismissAfter = DefaultNudgeDismissAfter
	}
	if opts.MinSpeechConfidence <= 0 {
		opts.MinSpeechConfidence = DefaultMinSpeechConfidence
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Manager{
		opts:  opts,
		sched: opts.Scheduler,
		log:   opts.Log.With().Str("component", "coach").Logger(),
		cache: newResultCache(opts.CacheTTL),
	}
}

// Begin resets the manager and binds it to a session.
func (m *Manager) Begin(sessionID string) {
	m.Reset()
	m.sessionID = sessionID
}

// Reset cancels every timer, abandons any outstanding classification and
// clears the episode and the classification cache.
func (m *Manager) Reset() {
	m.stopTimers()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.pending != nil {
		m.pending.cancel()
		m.pending = nil
	}
	m.gen++
	m.ep = nil
	m.lastLocal = nil
	m.cache.Flush()
	m.sessionID = ""
}

// HandleEvent is the aggregator subscription entry point.
func (m *Manager) HandleEvent(e ingest.Event) {
	switch ev := e.(type) {
	case ingest.QuestionDetected:
		m.onQuestion(ev.Segment)
	case ingest.SegmentUpdated:
		m.onSpeech(ev.Segment)
	case ingest.SegmentFinalized:
		m.onSpeech(ev.Segment)
	}
}

// State returns the current state; IDLE while a classification is pending.
func (m *Manager) State() State {
	if m.ep == nil {
		return StateIdle
	}
	return m.ep.State
}

// Snapshot describes the manager for status reporting.
type Snapshot struct {
	State                 State    `json:"state"`
	ClassificationPending bool     `json:"classification_pending"`
	Episode               *Episode `json:"episode,omitempty"`
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{State: m.State(), ClassificationPending: m.pending != nil}
	if m.ep != nil {
		ep := *m.ep
		s.Episode = &ep
	}
	return s
}

// Active reports whether a question is pending or an episode is in progress.
func (m *Manager) Active() bool {
	return m.pending != nil || m.ep != nil
}

// EndManually ends the current episode. It reports false if nothing was
// running.
func (m *Manager) EndManually() bool {
	return m.end(EndManual)
}

// EndSession ends an in-progress episode because the session is stopping.
func (m *Manager) EndSession() bool {
	if m.ep == nil || m.ep.State == StateEnded {
		return false
	}
	return m.end(EndSessionEnd)
}

// ── Question arming ───────────────────────────────────────────────────

func (m *Manager) onQuestion(seg transcript.Segment) {
	if m.Active() {
		m.log.Debug().
			Str("state", string(m.State())).
			Bool("classification_pending", m.pending != nil).
			Str("canonical_id", seg.CanonicalID).
			Msg("question dropped, episode already active")
		return
	}

	norm := transcript.Normalize(seg.Text)
	m.gen++
	gen := m.gen

	if res, ok := m.cache.Get(norm); ok {
		metrics.ClassificationsTotal.WithLabelValues(SourceCache).Inc()
		res.Source = SourceCache
		m.arm(seg, res)
		return
	}

	if m.opts.Classifier == nil {
		m.arm(seg, m.fallback(seg.Text))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ClassifyTimeout)
	m.pending = &pendingQuestion{gen: gen, seg: seg, norm: norm, cancel: cancel}

	classifier := m.opts.Classifier
	text := seg.Text
	go func() {
		defer cancel()
		type outcome struct {
			res Result
			err error
		}
		// A classifier that ignores ctx must not hold the question hostage.
		done := make(chan outcome, 1)
		go func() {
			res, err := classifier.Classify(ctx, text)
			done <- outcome{res, err}
		}()
		var o outcome
		select {
		case o = <-done:
		case <-ctx.Done():
			o.err = ctx.Err()
		}
		m.sched.Post(func() { m.onClassified(gen, o.res, o.err) })
	}()
}

func (m *Manager) onClassified(gen uint64, res Result, err error) {
	if m.pending == nil || m.pending.gen != gen {
		metrics.ClassificationsTotal.WithLabelValues("discarded").Inc()
		m.log.Debug().Uint64("gen", gen).Msg("discarding stale classification")
		return
	}
	p := m.pending
	m.pending = nil

	if err != nil {
		m.log.Warn().Err(err).Str("canonical_id", p.seg.CanonicalID).Msg("classification failed, using heuristic")
		m.arm(p.seg, m.fallback(p.seg.Text))
		return
	}

	metrics.ClassificationsTotal.WithLabelValues(SourceRemote).Inc()
	res.Source = SourceRemote
	m.cache.Set(p.norm, res)
	m.arm(p.seg, res)
}

func (m *Manager) fallback(text string) Result {
	metrics.ClassificationsTotal.WithLabelValues("fallback").Inc()
	res, err := m.opts.Fallback.Classify(context.Background(), text)
	if err != nil {
		m.log.Warn().Err(err).Msg("fallback classifier failed")
		res = Result{Type: TypeGeneral}
	}
	if res.Source == "" {
		res.Source = SourceHeuristic
	}
	return res
}

func (m *Manager) arm(seg transcript.Segment, res Result) {
	qtype := res.Type
	if !m.opts.Budgets.Known(qtype) {
		m.log.Debug().Str("type", string(qtype)).Msg("unknown question type, using general budget")
		qtype = TypeGeneral
	}
	m.ep = &Episode{
		ID:                       m.opts.NewID(),
		SessionID:                m.sessionID,
		QuestionText:             seg.Text,
		QuestionSegmentID:        seg.CanonicalID,
		QuestionType:             qtype,
		ClassificationConfidence: res.Confidence,
		ClassificationSource:     res.Source,
		Budget:                   m.opts.Budgets.For(qtype, res.RecommendedSeconds),
		State:                    StateArmed,
		ArmedAt:                  m.sched.Now(),
	}
	m.log.Info().
		Str("episode_id", m.ep.ID).
		Str("question_type", string(qtype)).
		Float64("confidence", res.Confidence).
		Str("classification_source", res.Source).
		Int("target_seconds", m.ep.Budget.TargetSeconds).
		Msg("coaching armed")
	m.transition(StateIdle, StateArmed, "")
	m.resetSilence()
}

// ── Speech ────────────────────────────────────────────────────────────

func (m *Manager) onSpeech(seg transcript.Segment) {
	if seg.Source == transcript.Microphone {
		s := seg
		m.lastLocal = &s
	}
	if m.ep == nil || m.ep.State == StateEnded {
		m.log.Trace().Str("source", string(seg.Source)).Msg("speech with no active episode")
		return
	}

	switch {
	case m.ep.State == StateArmed:
		m.resetSilence()
		if seg.Source != transcript.Microphone {
			return
		}
		if !m.confident(seg) {
			m.log.Debug().Str("canonical_id", seg.CanonicalID).Msg("low-confidence speech, staying armed")
			return
		}
		m.start()

	case m.ep.State.timing():
		if seg.Source == transcript.Remote && !m.isEcho(seg) {
			m.end(EndInterruption)
			return
		}
		m.resetSilence()
	}
}

func (m *Manager) confident(seg transcript.Segment) bool {
	return seg.Confidence == nil || *seg.Confidence >= m.opts.MinSpeechConfidence
}

// isEcho reports whether a remote utterance is leaked playback of the local
// speaker's latest utterance.
func (m *Manager) isEcho(seg transcript.Segment) bool {
	if m.lastLocal == nil {
		return false
	}
	if seg.Window().Intersect(m.lastLocal.Window()) <= 0 {
		return false
	}
	return transcript.Similarity(seg.Text, m.lastLocal.Text) >= echoSimilarity
}

func (m *Manager) start() {
	now := m.sched.Now()
	m.ep.StartedAt = &now
	m.ep.State = StateRunning
	m.transition(StateArmed, StateRunning, "")
	m.tick = m.sched.Every(m.opts.TickInterval, m.onTick)
	m.resetSilence()
	m.publishTimer()
}

// ── Timers ────────────────────────────────────────────────────────────

func (m *Manager) onTick() {
	if m.ep == nil || !m.ep.State.timing() {
		return
	}
	m.ep.ElapsedSeconds = m.elapsed()

	if !m.ep.SoftNudgeFired && m.ep.ElapsedSeconds >= float64(m.ep.Budget.SoftSeconds) {
		m.fireNudge(NudgeSoft)
	}
	if !m.ep.HardNudgeFired && m.ep.ElapsedSeconds >= float64(m.ep.Budget.HardSeconds) {
		m.fireNudge(NudgeHard)
	}
	m.publishTimer()
}

func (m *Manager) fireNudge(level NudgeLevel) {
	from := m.ep.State
	msg := softNudgeMessage
	to := StateSoftNudged
	if level == NudgeHard {
		m.ep.HardNudgeFired = true
		msg = hardNudgeMessage
		to = StateHardNudged
	} else {
		m.ep.SoftNudgeFired = true
	}
	m.ep.State = to
	metrics.NudgesTotal.WithLabelValues(string(level)).Inc()
	m.transition(from, to, "")
	m.publish(Nudge{
		EpisodeID:      m.ep.ID,
		Type:           level,
		Message:        msg,
		DismissAfterMs: m.opts.NudgeDismissAfter.Milliseconds(),
	})
}

func (m *Manager) elapsed() float64 {
	if m.ep.StartedAt == nil {
		return 0
	}
	return m.sched.Now().Sub(*m.ep.StartedAt).Seconds()
}

func (m *Manager) resetSilence() {
	if m.silence != nil {
		m.silence.Stop()
	}
	m.silence = m.sched.AfterFunc(m.opts.SilenceGap, func() {
		m.silence = nil
		m.end(EndSilenceGap)
	})
}

func (m *Manager) stopTimers() {
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	if m.silence != nil {
		m.silence.Stop()
		m.silence = nil
	}
}

// ── Ending ────────────────────────────────────────────────────────────

func (m *Manager) end(reason EndReason) bool {
	if m.ep == nil || m.ep.State == StateEnded {
		m.log.Debug().Str("reason", string(reason)).Str("state", string(m.State())).Msg("end ignored, no active episode")
		return false
	}
	m.stopTimers()

	from := m.ep.State
	now := m.sched.Now()
	if m.ep.StartedAt != nil {
		m.ep.ElapsedSeconds = m.elapsed()
	}
	m.ep.State = StateEnded
	m.ep.EndedAt = &now
	m.ep.EndReason = reason
	metrics.CoachingEpisodesTotal.WithLabelValues(string(reason)).Inc()

	m.log.Info().
		Str("episode_id", m.ep.ID).
		Str("reason", string(reason)).
		Float64("elapsed_seconds", m.ep.ElapsedSeconds).
		Bool("soft_nudge", m.ep.SoftNudgeFired).
		Bool("hard_nudge", m.ep.HardNudgeFired).
		Msg("coaching episode ended")

	m.transition(from, StateEnded, reason)
	if m.opts.Episodes != nil {
		m.opts.Episodes.AppendCoachingEvent(m.sessionID, *m.ep)
	}

	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	episodeID := m.ep.ID
	m.idleTimer = m.sched.AfterFunc(m.opts.EndedResetDelay, func() {
		m.idleTimer = nil
		if m.ep == nil || m.ep.ID != episodeID {
			return
		}
		qtype := m.ep.QuestionType
		m.ep = nil
		m.publish(StateChanged{EpisodeID: episodeID, QuestionType: qtype, From: StateEnded, To: StateIdle})
	})
	return true
}

// ── Notifications ─────────────────────────────────────────────────────

func (m *Manager) transition(from, to State, reason EndReason) {
	m.publish(StateChanged{
		EpisodeID:    m.ep.ID,
		QuestionType: m.ep.QuestionType,
		From:         from,
		To:           to,
		Reason:       reason,
	})
}

func (m *Manager) publishTimer() {
	target := m.ep.Budget.TargetSeconds
	progress := 0.0
	if target > 0 {
		progress = math.Round(m.ep.ElapsedSeconds/float64(target)*1000) / 10
	}
	m.publish(TimerUpdate{
		EpisodeID:       m.ep.ID,
		QuestionType:    m.ep.QuestionType,
		ElapsedSeconds:  m.ep.ElapsedSeconds,
		TargetSeconds:   target,
		State:           m.ep.State,
		ProgressPercent: progress,
	})
}

func (m *Manager) publish(e Event) {
	if m.opts.Publish != nil {
		m.opts.Publish(e)
	}
}
