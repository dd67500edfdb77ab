package live

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/ingest"
	"github.com/snarg/coachline/internal/session"
	"github.com/snarg/coachline/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastEvent(t *testing.T, eb *EventBus) Event {
	t.Helper()
	events := eb.ReplaySince("", Filter{})
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestVisualizer_Transcript(t *testing.T) {
	seg := transcript.Segment{
		CanonicalID: "seg-1",
		Version:     2,
		Source:      transcript.Remote,
		Text:        "what did you work on",
		IsFinal:     true,
		Timestamp:   time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
	}

	t.Run("finalized", func(t *testing.T) {
		eb := newBus(8)
		eb.Transcript(ingest.SegmentFinalized{Segment: seg})

		ev := lastEvent(t, eb)
		assert.Equal(t, "segment_finalized", ev.Type)
		assert.Equal(t, transcript.Remote, ev.Source)

		var got map[string]any
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, "seg-1", got["canonical_id"])
		assert.Equal(t, "what did you work on", got["text"])
		assert.NotContains(t, got, "duplicate_of")
	})

	t.Run("suppressed_carries_duplicate_of", func(t *testing.T) {
		eb := newBus(8)
		dup := seg
		dup.Source = transcript.Microphone
		dup.SuppressedAsDuplicate = true
		eb.Transcript(ingest.SegmentSuppressed{Segment: dup, DuplicateOf: "seg-0"})

		ev := lastEvent(t, eb)
		assert.Equal(t, "segment_suppressed", ev.Type)
		assert.Equal(t, transcript.Microphone, ev.Source)

		var got map[string]any
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, "seg-0", got["duplicate_of"])
		assert.Equal(t, true, got["suppressed_as_duplicate"])
	})

	t.Run("question", func(t *testing.T) {
		eb := newBus(8)
		eb.Transcript(ingest.QuestionDetected{Segment: seg})
		assert.Equal(t, "question_detected", lastEvent(t, eb).Type)
	})
}

func TestVisualizer_Coaching(t *testing.T) {
	eb := newBus(8)
	ch, cancel := eb.Subscribe(Filter{Types: []string{"coaching"}})
	defer cancel()

	eb.Coaching(coach.Nudge{EpisodeID: "ep-1", Type: coach.NudgeSoft, Message: "wrap up", DismissAfterMs: 5000})

	select {
	case ev := <-ch:
		assert.Equal(t, "coaching_nudge", ev.Type)
		assert.Empty(t, ev.Source)
		var got coach.Nudge
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, "ep-1", got.EpisodeID)
		assert.Equal(t, coach.NudgeSoft, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coaching event")
	}
}

func TestVisualizer_AudioLevel(t *testing.T) {
	cases := map[string]struct {
		in   float64
		want float64
	}{
		"in_range":  {0.42424, 0.424},
		"above_one": {3.5, 1},
		"negative":  {-0.2, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			eb := newBus(8)
			eb.AudioLevel(transcript.Microphone, tc.in)

			ev := lastEvent(t, eb)
			assert.Equal(t, TypeAudioLevel, ev.Type)
			assert.Equal(t, transcript.Microphone, ev.Source)

			var got levelPayload
			require.NoError(t, json.Unmarshal(ev.Data, &got))
			assert.InDelta(t, tc.want, got.Level, 1e-9)
		})
	}
}

func TestVisualizer_SessionChanged(t *testing.T) {
	eb := newBus(8)
	eb.SessionChanged(session.Status{SessionID: "s-1", State: session.StateActive, Degraded: true})

	ev := lastEvent(t, eb)
	assert.Equal(t, TypeSessionState, ev.Type)

	var got session.Status
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, session.StateActive, got.State)
	assert.True(t, got.Degraded)
}
