package ingest

import "github.com/snarg/coachline/internal/transcript"

// EventKind tags the variants of the canonical stream.
type EventKind string

const (
	KindSegmentUpdated    EventKind = "segment_updated"
	KindSegmentFinalized  EventKind = "segment_finalized"
	KindSegmentSuppressed EventKind = "segment_suppressed"
	KindQuestionDetected  EventKind = "question_detected"
)

// Event is one entry of the aggregator's republished stream. Subscribers
// switch on the concrete type.
type Event interface {
	Kind() EventKind
}

// SegmentUpdated carries a new version of a still-open segment.
type SegmentUpdated struct {
	Segment transcript.Segment
}

// SegmentFinalized carries the closing version of a segment that was not
// suppressed as a duplicate.
type SegmentFinalized struct {
	Segment transcript.Segment
}

// SegmentSuppressed reports that a finalized segment was judged an echo of
// the other source and withheld from the stream. DuplicateOf is the canonical
// id it matched.
type SegmentSuppressed struct {
	Segment     transcript.Segment
	DuplicateOf string
}

// QuestionDetected flags a finalized remote segment that looks like a
// question directed at the local participant.
type QuestionDetected struct {
	Segment transcript.Segment
}

func (SegmentUpdated) Kind() EventKind    { return KindSegmentUpdated }
func (SegmentFinalized) Kind() EventKind  { return KindSegmentFinalized }
func (SegmentSuppressed) Kind() EventKind { return KindSegmentSuppressed }
func (QuestionDetected) Kind() EventKind  { return KindQuestionDetected }

// SpeechSegment returns the segment carried by a speech event (updated or
// finalized). ok is false for every other kind.
func SpeechSegment(e Event) (seg transcript.Segment, ok bool) {
	switch ev := e.(type) {
	case SegmentUpdated:
		return ev.Segment, true
	case SegmentFinalized:
		return ev.Segment, true
	}
	return transcript.Segment{}, false
}

// Handler receives canonical events. Handlers run synchronously on the
// aggregator's loop and must not block.
type Handler func(Event)
