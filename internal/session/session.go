// Package session owns the session lifecycle: it starts and stops the speech
// sources and wires the aggregator, coach, recorders and visualizer together
// on one cooperative loop.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/ingest"
	"github.com/snarg/coachline/internal/persist"
	"github.com/snarg/coachline/internal/speaker"
	"github.com/snarg/coachline/internal/transcript"
)

var (
	ErrNotActive     = errors.New("no active session")
	ErrNoSources     = errors.New("no speech source could be started")
	ErrUnknownSource = errors.New("unknown source")
)

// Lifecycle states reported in Status.
const (
	StateIdle    = "idle"
	StateActive  = "active"
	StateStopped = "stopped"
)

// Sink receives provider output. All methods are safe from any goroutine and
// return without waiting for the event to be processed.
type Sink interface {
	Transcript(ev transcript.RawEvent)
	Level(source transcript.Source, level float64)
	Disconnected(source transcript.Source, err error)
}

// Provider is a streaming speech-recognition transport. Start must return
// once the stream is established; events then flow to sink until Stop.
type Provider interface {
	Start(ctx context.Context, source transcript.Source, sink Sink) error
	Stop(source transcript.Source)
}

// Visualizer receives live notifications. Calls are made on the session loop
// and must not block.
type Visualizer interface {
	Transcript(e ingest.Event)
	Coaching(e coach.Event)
	AudioLevel(source transcript.Source, level float64)
	SessionChanged(st Status)
}

// Persister is the fire-and-log persistence front. persist.Writer satisfies it.
type Persister interface {
	CreateSession(rec persist.SessionRecord)
	AppendSegment(row persist.SegmentRow)
	FinalizeSession(rec persist.SessionRecord)
	coach.EpisodeStore
}

// Archiver stores the full session document after stop and returns its key.
type Archiver interface {
	Archive(ctx context.Context, doc persist.Document) (string, error)
}

// StartConfig selects the sources for a new session.
type StartConfig struct {
	Sources  []transcript.Source `json:"sources,omitempty"` // empty = both
	Language string              `json:"language,omitempty"`
}

// SourceStatus describes one source.
type SourceStatus struct {
	Source       transcript.Source `json:"source"`
	Enabled      bool              `json:"enabled"`
	Active       bool              `json:"active"`
	SubSessionID string            `json:"sub_session_id,omitempty"`
	Level        float64           `json:"level"`
	LastError    string            `json:"last_error,omitempty"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	SessionID      string          `json:"session_id,omitempty"`
	State          string          `json:"state"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Degraded       bool            `json:"degraded"`
	Sources        []SourceStatus  `json:"sources"`
	Coaching       coach.Snapshot  `json:"coaching"`
	SpeakerMapping speaker.Mapping `json:"speaker_mapping,omitempty"`
	ArchiveKey     string          `json:"archive_key,omitempty"`
}
