package ingest

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/metrics"
	"github.com/snarg/coachline/internal/transcript"
)

// Default duplicate-suppression thresholds. Both are empirically tuned and
// exposed through config.
const (
	DefaultOverlapRatio   = 0.5
	DefaultTextSimilarity = 0.8
)

// dedupLookback bounds how far back the other source's history is scanned.
const dedupLookback = 30 * time.Second

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	OverlapRatio   float64           // suppress when window overlap ratio exceeds this
	TextSimilarity float64           // ...and normalized token overlap reaches this
	IsQuestion     QuestionPredicate // nil = LooksLikeQuestion
	Now            func() time.Time  // fills missing event timestamps; nil = time.Now
	NewID          func() string     // canonical id generator; nil = uuid
	Log            zerolog.Logger
}

// Aggregator merges raw events from both sources into one versioned,
// deduplicated stream.
//
// It is single-writer: Ingest, Subscribe and Reset must all be called from
// the same cooperative loop. There is no internal locking.
type Aggregator struct {
	opts AggregatorOptions
	log  zerolog.Logger

	open      map[transcript.Source]*transcript.Segment
	finalized map[transcript.Source][]*transcript.Segment

	handlers    []subscription
	nextHandler uint64

	ingested int64
}

type subscription struct {
	id uint64
	h  Handler
}

// NewAggregator creates an aggregator with no subscribers.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.OverlapRatio <= 0 {
		opts.OverlapRatio = DefaultOverlapRatio
	}
	if opts.TextSimilarity <= 0 {
		opts.TextSimilarity = DefaultTextSimilarity
	}
	if opts.IsQuestion == nil {
		opts.IsQuestion = LooksLikeQuestion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	a := &Aggregator{
		opts: opts,
		log:  opts.Log.With().Str("component", "aggregator").Logger(),
	}
	a.resetState()
	return a
}

// Subscribe registers h for every subsequent event and returns a function
// that removes it.
func (a *Aggregator) Subscribe(h Handler) (unsubscribe func()) {
	id := a.nextHandler
	a.nextHandler++
	a.handlers = append(a.handlers, subscription{id: id, h: h})
	return func() {
		for i, s := range a.handlers {
			if s.id == id {
				a.handlers = append(a.handlers[:i:i], a.handlers[i+1:]...)
				return
			}
		}
	}
}

// Reset discards all segment state. Subscriptions are left in place.
func (a *Aggregator) Reset() {
	a.log.Debug().Int64("ingested", a.ingested).Msg("aggregator reset")
	a.resetState()
}

func (a *Aggregator) resetState() {
	a.open = make(map[transcript.Source]*transcript.Segment)
	a.finalized = make(map[transcript.Source][]*transcript.Segment)
	a.ingested = 0
}

// Ingest applies one raw provider event.
func (a *Aggregator) Ingest(ev transcript.RawEvent) {
	if _, err := transcript.ParseSource(string(ev.Source)); err != nil {
		a.log.Warn().Err(err).Msg("dropping event from unknown source")
		return
	}
	a.ingested++
	metrics.RawEventsTotal.WithLabelValues(string(ev.Source)).Inc()

	text := strings.TrimSpace(ev.Text)
	seg := a.open[ev.Source]
	if text == "" && (seg == nil || !ev.IsFinal) {
		a.log.Debug().Str("source", string(ev.Source)).Bool("final", ev.IsFinal).Msg("dropping empty event")
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.opts.Now()
	}

	if seg == nil {
		seg = &transcript.Segment{
			CanonicalID: a.opts.NewID(),
			Version:     1,
			Source:      ev.Source,
			FirstSeen:   ts,
		}
	} else {
		seg.Version++
	}

	if text != "" {
		seg.Text = text
	}
	if ev.LocalSpeakerID != "" {
		seg.Speaker = ev.LocalSpeakerID
	}
	if ev.StartOffsetMs != nil && seg.StartOffsetMs == nil {
		v := *ev.StartOffsetMs
		seg.StartOffsetMs = &v
	}
	if ev.EndOffsetMs != nil {
		v := *ev.EndOffsetMs
		seg.EndOffsetMs = &v
	}
	if ev.Confidence != nil {
		v := *ev.Confidence
		seg.Confidence = &v
	}
	seg.Timestamp = ts

	if !ev.IsFinal {
		a.open[ev.Source] = seg
		a.publish(SegmentUpdated{Segment: *seg})
		return
	}

	seg.IsFinal = true
	delete(a.open, ev.Source)
	a.finalize(seg)
}

func (a *Aggregator) finalize(seg *transcript.Segment) {
	a.finalized[seg.Source] = append(a.finalized[seg.Source], seg)

	if dup := a.findDuplicate(seg); dup != nil {
		seg.SuppressedAsDuplicate = true
		metrics.DuplicatesSuppressedTotal.WithLabelValues(string(seg.Source)).Inc()
		a.log.Debug().
			Str("canonical_id", seg.CanonicalID).
			Str("source", string(seg.Source)).
			Str("duplicate_of", dup.CanonicalID).
			Msg("suppressed echo segment")
		a.publish(SegmentSuppressed{Segment: *seg, DuplicateOf: dup.CanonicalID})
		return
	}

	metrics.SegmentsFinalizedTotal.WithLabelValues(string(seg.Source)).Inc()
	a.publish(SegmentFinalized{Segment: *seg})

	if seg.Source == transcript.Remote && a.opts.IsQuestion(*seg) {
		metrics.QuestionsDetectedTotal.Inc()
		a.publish(QuestionDetected{Segment: *seg})
	}
}

// findDuplicate returns the other source's finalized segment that seg echoes,
// if any. seg is always the later-finalized of the pair.
func (a *Aggregator) findDuplicate(seg *transcript.Segment) *transcript.Segment {
	w := seg.Window()
	cutoff := w.Start.Add(-dedupLookback)
	others := a.finalized[seg.Source.Other()]
	for i := len(others) - 1; i >= 0; i-- {
		o := others[i]
		if o.Timestamp.Before(cutoff) {
			break
		}
		if o.SuppressedAsDuplicate {
			continue
		}
		if w.OverlapRatio(o.Window()) <= a.opts.OverlapRatio {
			continue
		}
		if transcript.Similarity(seg.Text, o.Text) < a.opts.TextSimilarity {
			continue
		}
		return o
	}
	return nil
}

func (a *Aggregator) publish(e Event) {
	// Copy so handlers may unsubscribe during dispatch.
	hs := append([]subscription(nil), a.handlers...)
	for _, s := range hs {
		s.h(e)
	}
}

// Finalized returns copies of a source's finalized segments in finalization
// order, suppressed duplicates included.
func (a *Aggregator) Finalized(src transcript.Source) []transcript.Segment {
	segs := a.finalized[src]
	out := make([]transcript.Segment, len(segs))
	for i, s := range segs {
		out[i] = *s
	}
	return out
}

// OpenSegment returns the source's currently open segment, if any.
func (a *Aggregator) OpenSegment(src transcript.Source) (transcript.Segment, bool) {
	if s := a.open[src]; s != nil {
		return *s, true
	}
	return transcript.Segment{}, false
}

// Ingested returns the number of raw events accepted since the last reset.
func (a *Aggregator) Ingested() int64 { return a.ingested }
