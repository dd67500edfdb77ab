// Package persist records sessions, transcript segments and coaching episodes.
// Callers on the session loop use Writer, which never blocks and never
// returns errors; Store implementations do the actual I/O.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/speaker"
	"github.com/snarg/coachline/internal/transcript"
)

// Session statuses.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID             string                       `json:"session_id"`
	StartedAt      time.Time                    `json:"started_at"`
	EndedAt        *time.Time                   `json:"ended_at,omitempty"`
	Status         string                       `json:"status"`
	Degraded       bool                         `json:"degraded"`
	SubSessions    map[transcript.Source]string `json:"sub_sessions"`
	SpeakerMapping speaker.Mapping              `json:"speaker_mapping,omitempty"`
	Summaries      []SourceSummary              `json:"summaries,omitempty"`
}

// SourceSummary is a recorder's end-of-session aggregate for one source.
type SourceSummary struct {
	SubSessionID   string            `json:"sub_session_id"`
	Source         transcript.Source `json:"source"`
	Language       string            `json:"language,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	SegmentCount   int               `json:"segment_count"`
	FinalCount     int               `json:"final_count"`
	WordCount      int               `json:"word_count"`
	MeanConfidence *float64          `json:"mean_confidence,omitempty"`
	SpeakerCount   int               `json:"speaker_count"`
}

// SegmentRow is one segment version as written to the segment log.
type SegmentRow struct {
	SessionID     string            `json:"session_id"`
	SubSessionID  string            `json:"sub_session_id"`
	CanonicalID   string            `json:"canonical_id"`
	Version       int               `json:"version"`
	Source        transcript.Source `json:"source"`
	Speaker       string            `json:"speaker,omitempty"`
	Text          string            `json:"text"`
	IsFinal       bool              `json:"is_final"`
	Suppressed    bool              `json:"suppressed"`
	Confidence    *float64          `json:"confidence,omitempty"`
	StartOffsetMs *int64            `json:"start_offset_ms,omitempty"`
	EndOffsetMs   *int64            `json:"end_offset_ms,omitempty"`
	Timestamp     time.Time         `json:"ts"`
}

// RowFromSegment builds the log row for a segment version.
func RowFromSegment(sessionID, subSessionID string, seg transcript.Segment) SegmentRow {
	return SegmentRow{
		SessionID:     sessionID,
		SubSessionID:  subSessionID,
		CanonicalID:   seg.CanonicalID,
		Version:       seg.Version,
		Source:        seg.Source,
		Speaker:       seg.Speaker,
		Text:          seg.Text,
		IsFinal:       seg.IsFinal,
		Suppressed:    seg.SuppressedAsDuplicate,
		Confidence:    seg.Confidence,
		StartOffsetMs: seg.StartOffsetMs,
		EndOffsetMs:   seg.EndOffsetMs,
		Timestamp:     seg.Timestamp,
	}
}

// Store is the persistence backend.
type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	AppendSegments(ctx context.Context, rows []SegmentRow) error
	FinalizeSession(ctx context.Context, rec SessionRecord) error
	AppendCoachingEvent(ctx context.Context, sessionID string, ep coach.Episode) error
}

// ErrNotFound is returned by Reader lookups for an unknown session.
var ErrNotFound = errors.New("session not found")

// Reader serves stored sessions back to the HTTP API.
type Reader interface {
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	// FinalSegments returns the final, unsuppressed segment rows in time order.
	FinalSegments(ctx context.Context, sessionID string) ([]SegmentRow, error)
	CoachingEvents(ctx context.Context, sessionID string) ([]coach.Episode, error)
}

// Document is the complete record of a stopped session, as archived.
type Document struct {
	Session SessionRecord `json:"session"`
	// Segments holds the finalized segments of both sources, suppressed
	// duplicates included, with local speaker ids as reported.
	Segments []transcript.Segment `json:"segments"`
	Episodes []coach.Episode      `json:"coaching_episodes"`
}
