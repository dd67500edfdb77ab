// Package recorder tracks one source's sub-session: it forwards every segment
// version to the persistence log and keeps running aggregates for the summary.
package recorder

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/persist"
	"github.com/snarg/coachline/internal/transcript"
)

// SegmentLog receives segment versions. persist.Writer satisfies it.
type SegmentLog interface {
	AppendSegment(row persist.SegmentRow)
}

// Recorder is owned by the session loop and is not safe for concurrent use.
type Recorder struct {
	source    transcript.Source
	sessionID string
	log       SegmentLog
	now       func() time.Time
	logger    zerolog.Logger

	subSessionID string
	language     string
	startedAt    time.Time
	active       bool

	segments  int
	finals    int
	words     int
	confSum   float64
	confCount int
	speakers  map[string]struct{}
}

// New creates a recorder for one source. log may be nil.
func New(source transcript.Source, sessionID string, log SegmentLog, now func() time.Time, logger zerolog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		source:    source,
		sessionID: sessionID,
		log:       log,
		now:       now,
		logger:    logger.With().Str("component", "recorder").Str("source", string(source)).Logger(),
	}
}

// StartSession opens a sub-session and returns its id. Calling it again
// restarts the aggregates under a new id.
func (r *Recorder) StartSession(language string) string {
	r.subSessionID = uuid.NewString()
	r.language = language
	r.startedAt = r.now()
	r.active = true
	r.segments, r.finals, r.words, r.confCount = 0, 0, 0, 0
	r.confSum = 0
	r.speakers = make(map[string]struct{})
	r.logger.Info().Str("session_id", r.sessionID).Str("sub_session_id", r.subSessionID).Msg("sub-session started")
	return r.subSessionID
}

// SubSessionID returns the current sub-session id, or "" before StartSession.
func (r *Recorder) SubSessionID() string { return r.subSessionID }

// Active reports whether a sub-session is open.
func (r *Recorder) Active() bool { return r.active }

// AddSegment records one segment version. Segments from the other source or
// outside a sub-session are ignored. Suppressed duplicates are logged but do
// not count toward the summary.
func (r *Recorder) AddSegment(seg transcript.Segment) {
	if !r.active || seg.Source != r.source {
		return
	}
	if r.log != nil {
		r.log.AppendSegment(persist.RowFromSegment(r.sessionID, r.subSessionID, seg))
	}
	if seg.SuppressedAsDuplicate {
		return
	}
	r.segments++
	if seg.Speaker != "" {
		r.speakers[seg.Speaker] = struct{}{}
	}
	if seg.IsFinal {
		r.finals++
		r.words += transcript.WordCount(seg.Text)
		if seg.Confidence != nil {
			r.confSum += *seg.Confidence
			r.confCount++
		}
	}
}

// EndSession closes the sub-session and returns its summary.
func (r *Recorder) EndSession() persist.SourceSummary {
	s := persist.SourceSummary{
		SubSessionID: r.subSessionID,
		Source:       r.source,
		Language:     r.language,
		StartedAt:    r.startedAt,
		EndedAt:      r.now(),
		SegmentCount: r.segments,
		FinalCount:   r.finals,
		WordCount:    r.words,
		SpeakerCount: len(r.speakers),
	}
	if r.confCount > 0 {
		mean := r.confSum / float64(r.confCount)
		s.MeanConfidence = &mean
	}
	r.active = false
	r.logger.Info().
		Str("sub_session_id", r.subSessionID).
		Int("finals", s.FinalCount).
		Int("words", s.WordCount).
		Int("speakers", s.SpeakerCount).
		Msg("sub-session ended")
	return s
}
