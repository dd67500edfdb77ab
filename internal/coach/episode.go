package coach

import "time"

// State of the coaching state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateArmed      State = "ARMED"
	StateRunning    State = "RUNNING"
	StateSoftNudged State = "SOFT_NUDGED"
	StateHardNudged State = "HARD_NUDGED"
	StateEnded      State = "ENDED"
)

// timing reports whether the answer timer is running in s.
func (s State) timing() bool {
	return s == StateRunning || s == StateSoftNudged || s == StateHardNudged
}

// EndReason records why an episode ended.
type EndReason string

const (
	EndInterruption EndReason = "interruption"
	EndSilenceGap   EndReason = "silence_gap"
	EndManual       EndReason = "manual"
	EndSessionEnd   EndReason = "session_end"
)

// Episode is one coaching lifecycle, from arming on a question to ENDED.
type Episode struct {
	ID                       string       `json:"id"`
	SessionID                string       `json:"session_id"`
	QuestionText             string       `json:"question_text"`
	QuestionSegmentID        string       `json:"question_segment_id"`
	QuestionType             QuestionType `json:"question_type"`
	ClassificationConfidence float64      `json:"classification_confidence"`
	ClassificationSource     string       `json:"classification_source"`
	Budget                   Budget       `json:"budget"`
	State                    State        `json:"state"`
	ArmedAt                  time.Time    `json:"armed_at"`
	StartedAt                *time.Time   `json:"started_at,omitempty"`
	EndedAt                  *time.Time   `json:"ended_at,omitempty"`
	ElapsedSeconds           float64      `json:"elapsed_seconds"`
	SoftNudgeFired           bool         `json:"soft_nudge_fired"`
	HardNudgeFired           bool         `json:"hard_nudge_fired"`
	EndReason                EndReason    `json:"end_reason,omitempty"`
}

// EpisodeStore receives completed episodes. Implementations must not block.
type EpisodeStore interface {
	AppendCoachingEvent(sessionID string, ep Episode)
}

// Event is a coaching notification for the visualization layer.
type Event interface {
	EventType() string
}

// TimerUpdate is published on every tick while the timer runs.
type TimerUpdate struct {
	EpisodeID       string       `json:"episode_id"`
	QuestionType    QuestionType `json:"question_type"`
	ElapsedSeconds  float64      `json:"elapsed_seconds"`
	TargetSeconds   int          `json:"target_seconds"`
	State           State        `json:"state"`
	ProgressPercent float64      `json:"progress_percent"`
}

// NudgeLevel distinguishes the two nudges.
type NudgeLevel string

const (
	NudgeSoft NudgeLevel = "soft"
	NudgeHard NudgeLevel = "hard"
)

// Nudge asks the UI to prompt the speaker.
type Nudge struct {
	EpisodeID      string     `json:"episode_id"`
	Type           NudgeLevel `json:"type"`
	Message        string     `json:"message"`
	DismissAfterMs int64      `json:"dismiss_after_ms"`
}

// StateChanged reports a state machine transition.
type StateChanged struct {
	EpisodeID    string       `json:"episode_id,omitempty"`
	QuestionType QuestionType `json:"question_type,omitempty"`
	From         State        `json:"from"`
	To           State        `json:"to"`
	Reason       EndReason    `json:"reason,omitempty"`
}

func (TimerUpdate) EventType() string  { return "coaching_timer" }
func (Nudge) EventType() string        { return "coaching_nudge" }
func (StateChanged) EventType() string { return "coaching_state" }
