package live

import (
	"math"

	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/ingest"
	"github.com/snarg/coachline/internal/session"
	"github.com/snarg/coachline/internal/transcript"
)

// Event types published by the session visualizer.
const (
	TypeAudioLevel   = "audio_level"
	TypeSessionState = "session_state"
)

type segmentPayload struct {
	transcript.Segment
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

type levelPayload struct {
	Level float64 `json:"level"`
}

var _ session.Visualizer = (*EventBus)(nil)

// Transcript publishes a canonical transcript event under its kind.
func (eb *EventBus) Transcript(e ingest.Event) {
	var p segmentPayload
	switch ev := e.(type) {
	case ingest.SegmentUpdated:
		p.Segment = ev.Segment
	case ingest.SegmentFinalized:
		p.Segment = ev.Segment
	case ingest.SegmentSuppressed:
		p.Segment = ev.Segment
		p.DuplicateOf = ev.DuplicateOf
	case ingest.QuestionDetected:
		p.Segment = ev.Segment
	default:
		return
	}
	eb.Publish(string(e.Kind()), p.Source, p)
}

// Coaching publishes a coaching timer, nudge or state change.
func (eb *EventBus) Coaching(e coach.Event) {
	eb.Publish(e.EventType(), "", e)
}

// AudioLevel publishes a source's smoothed input level in [0, 1].
func (eb *EventBus) AudioLevel(src transcript.Source, level float64) {
	level = math.Max(0, math.Min(1, level))
	eb.Publish(TypeAudioLevel, src, levelPayload{Level: math.Round(level*1000) / 1000})
}

// SessionChanged publishes the orchestrator's status after a lifecycle change.
func (eb *EventBus) SessionChanged(st session.Status) {
	eb.Publish(TypeSessionState, "", st)
}
