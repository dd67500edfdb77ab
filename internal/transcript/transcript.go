// Package transcript holds the shared model for speech recognition output:
// raw provider events, canonical segments, and the text/time comparison
// helpers used for echo detection.
package transcript

import (
	"fmt"
	"time"
)

// Source identifies one of the two audio pipelines.
type Source string

const (
	// Microphone is the local participant's own voice.
	Microphone Source = "microphone"
	// Remote is system/remote audio, possibly containing several speakers.
	Remote Source = "remote"
)

// Sources lists both sources in a stable order.
var Sources = []Source{Microphone, Remote}

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case Microphone, Remote:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Other returns the opposite source.
func (s Source) Other() Source {
	if s == Microphone {
		return Remote
	}
	return Microphone
}

// RawEvent is one recognition callback from a provider. It is consumed exactly
// once by the aggregator and never stored as-is.
type RawEvent struct {
	Source         Source
	Text           string
	LocalSpeakerID string
	IsFinal        bool
	StartOffsetMs  *int64
	EndOffsetMs    *int64
	Confidence     *float64
	Timestamp      time.Time
}

// Segment is the aggregator's canonical, versioned representation of one
// continuous utterance.
type Segment struct {
	CanonicalID           string    `json:"canonical_id"`
	Version               int       `json:"version"`
	Source                Source    `json:"source"`
	Text                  string    `json:"text"`
	Speaker               string    `json:"speaker,omitempty"`
	IsFinal               bool      `json:"is_final"`
	Timestamp             time.Time `json:"timestamp"`
	FirstSeen             time.Time `json:"first_seen"`
	StartOffsetMs         *int64    `json:"start_offset_ms,omitempty"`
	EndOffsetMs           *int64    `json:"end_offset_ms,omitempty"`
	Confidence            *float64  `json:"confidence,omitempty"`
	SuppressedAsDuplicate bool      `json:"suppressed_as_duplicate"`
}

// Window returns the wall-clock span the segment covers.
//
// Providers report offsets relative to their own stream start, and the two
// sources share no reference frame, so offsets only contribute a duration.
// The span is anchored on host arrival times.
func (s Segment) Window() Window {
	end := s.Timestamp
	start := end
	if !s.FirstSeen.IsZero() && s.FirstSeen.Before(start) {
		start = s.FirstSeen
	}
	if s.StartOffsetMs != nil && s.EndOffsetMs != nil && *s.EndOffsetMs > *s.StartOffsetMs {
		byOffsets := end.Add(-time.Duration(*s.EndOffsetMs-*s.StartOffsetMs) * time.Millisecond)
		if byOffsets.Before(start) {
			start = byOffsets
		}
	}
	if !start.Before(end) {
		words := len(Tokens(s.Text))
		if words == 0 {
			words = 1
		}
		start = end.Add(-time.Duration(words) * EstimatedWordDuration)
	}
	return Window{Start: start, End: end}
}

// EstimatedWordDuration widens segments that arrived as a single event with
// no offsets.
const EstimatedWordDuration = 300 * time.Millisecond

// Window is a closed time interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration of the window; never negative.
func (w Window) Duration() time.Duration {
	if w.End.Before(w.Start) {
		return 0
	}
	return w.End.Sub(w.Start)
}

// Intersect returns the length of the overlap between two windows.
func (w Window) Intersect(o Window) time.Duration {
	start := w.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := w.End
	if o.End.Before(end) {
		end = o.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// OverlapRatio is the intersection divided by the shorter of the two windows.
func (w Window) OverlapRatio(o Window) float64 {
	shorter := w.Duration()
	if d := o.Duration(); d < shorter {
		shorter = d
	}
	if shorter <= 0 {
		return 0
	}
	return float64(w.Intersect(o)) / float64(shorter)
}
