package live

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/transcript"
)

func newBus(size int) *EventBus {
	return NewEventBus(size, zerolog.New(io.Discard))
}

// ── EventBus Publish/Subscribe ────────────────────────────────────────

func TestEventBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		eb := newBus(64)
		ch, cancel := eb.Subscribe(Filter{})
		defer cancel()

		eb.Publish("segment_updated", transcript.Remote, map[string]string{"msg": "hello"})

		select {
		case evt := <-ch:
			if evt.Type != "segment_updated" {
				t.Errorf("Type = %q, want segment_updated", evt.Type)
			}
			if evt.Source != transcript.Remote {
				t.Errorf("Source = %q, want remote", evt.Source)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]string
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["msg"] != "hello" {
				t.Errorf("payload msg = %q, want hello", payload["msg"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching", func(t *testing.T) {
		eb := newBus(64)
		ch, cancel := eb.Subscribe(Filter{Types: []string{"segment_finalized"}})
		defer cancel()

		eb.Publish("segment_updated", transcript.Remote, "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		eb := newBus(64)
		ch, cancel := eb.Subscribe(Filter{})
		cancel()
		cancel()

		eb.Publish("segment_updated", transcript.Remote, "x")

		select {
		case <-ch:
			t.Fatal("should not receive event after cancel")
		case <-time.After(50 * time.Millisecond):
		}
		if n := eb.SubscriberCount(); n != 0 {
			t.Errorf("SubscriberCount = %d, want 0", n)
		}
	})

	t.Run("multiple_subscribers", func(t *testing.T) {
		eb := newBus(64)
		ch1, cancel1 := eb.Subscribe(Filter{})
		defer cancel1()
		ch2, cancel2 := eb.Subscribe(Filter{})
		defer cancel2()

		if n := eb.SubscriberCount(); n != 2 {
			t.Fatalf("SubscriberCount = %d, want 2", n)
		}

		eb.Publish("coaching_state", "", "x")

		for i, ch := range []<-chan Event{ch1, ch2} {
			select {
			case evt := <-ch:
				if evt.Type != "coaching_state" {
					t.Errorf("subscriber %d: Type = %q, want coaching_state", i, evt.Type)
				}
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d: timed out", i)
			}
		}
	})

	t.Run("slow_subscriber_does_not_block", func(t *testing.T) {
		eb := newBus(8)
		_, cancel := eb.Subscribe(Filter{})
		defer cancel()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 200; i++ {
				eb.Publish("audio_level", transcript.Microphone, i)
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("publisher blocked on a full subscriber")
		}
	})

	t.Run("unencodable_payload_dropped", func(t *testing.T) {
		eb := newBus(8)
		eb.Publish("segment_updated", "", func() {})
		if got := eb.ReplaySince("", Filter{}); len(got) != 0 {
			t.Errorf("got %d buffered events, want 0", len(got))
		}
	})
}

// ── EventBus ReplaySince ─────────────────────────────────────────────

func TestEventBusReplaySince(t *testing.T) {
	t.Run("replay_all_when_empty_lastID", func(t *testing.T) {
		eb := newBus(64)
		eb.Publish("segment_updated", transcript.Remote, "a")
		eb.Publish("segment_finalized", transcript.Remote, "b")

		events := eb.ReplaySince("", Filter{})
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
		if events[0].Type != "segment_updated" {
			t.Errorf("events[0].Type = %q, want oldest first", events[0].Type)
		}
	})

	t.Run("replay_after_specific_id", func(t *testing.T) {
		eb := newBus(64)
		eb.Publish("segment_updated", transcript.Remote, "a")

		all := eb.ReplaySince("", Filter{})
		if len(all) != 1 {
			t.Fatalf("expected 1 event, got %d", len(all))
		}
		firstID := all[0].ID

		eb.Publish("segment_finalized", transcript.Remote, "b")

		events := eb.ReplaySince(firstID, Filter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (after first)", len(events))
		}
		if events[0].Type != "segment_finalized" {
			t.Errorf("Type = %q, want segment_finalized", events[0].Type)
		}
	})

	t.Run("replay_with_filter", func(t *testing.T) {
		eb := newBus(64)
		eb.Publish("segment_updated", transcript.Microphone, "a")
		eb.Publish("segment_updated", transcript.Remote, "b")

		events := eb.ReplaySince("", Filter{Sources: []transcript.Source{transcript.Remote}})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (filtered)", len(events))
		}
		if events[0].Source != transcript.Remote {
			t.Errorf("Source = %q, want remote", events[0].Source)
		}
	})

	t.Run("unknown_lastID_replays_all", func(t *testing.T) {
		eb := newBus(64)
		eb.Publish("segment_updated", transcript.Remote, "a")

		events := eb.ReplaySince("nonexistent-id", Filter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (fallback replay all)", len(events))
		}
	})

	t.Run("ring_keeps_newest", func(t *testing.T) {
		eb := newBus(3)
		for i := 0; i < 5; i++ {
			eb.Publish(fmt.Sprintf("t_%d", i), "", i)
		}
		events := eb.ReplaySince("", Filter{})
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3", len(events))
		}
		for i, want := range []string{"t_2", "t_3", "t_4"} {
			if events[i].Type != want {
				t.Errorf("events[%d].Type = %q, want %q", i, events[i].Type, want)
			}
		}
	})
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		filter Filter
		want   bool
	}{
		{
			name:   "empty_filter_matches_all",
			event:  Event{Type: "segment_updated", Source: transcript.Remote},
			filter: Filter{},
			want:   true,
		},
		{
			name:   "type_match",
			event:  Event{Type: "segment_updated"},
			filter: Filter{Types: []string{"segment_updated"}},
			want:   true,
		},
		{
			name:   "type_no_match",
			event:  Event{Type: "segment_updated"},
			filter: Filter{Types: []string{"segment_finalized"}},
			want:   false,
		},
		{
			name:   "type_multiple_one_matches",
			event:  Event{Type: "coaching_nudge"},
			filter: Filter{Types: []string{"segment_finalized", "coaching_nudge"}},
			want:   true,
		},
		{
			name:   "type_prefix_matches_family",
			event:  Event{Type: "coaching_timer"},
			filter: Filter{Types: []string{"coaching"}},
			want:   true,
		},
		{
			name:   "type_prefix_needs_separator",
			event:  Event{Type: "coachingx"},
			filter: Filter{Types: []string{"coaching"}},
			want:   false,
		},
		{
			name:   "underscored_type_is_exact",
			event:  Event{Type: "segment_updated"},
			filter: Filter{Types: []string{"segment_up"}},
			want:   false,
		},
		{
			name:   "source_match",
			event:  Event{Type: "audio_level", Source: transcript.Microphone},
			filter: Filter{Sources: []transcript.Source{transcript.Microphone}},
			want:   true,
		},
		{
			name:   "source_no_match",
			event:  Event{Type: "audio_level", Source: transcript.Remote},
			filter: Filter{Sources: []transcript.Source{transcript.Microphone}},
			want:   false,
		},
		{
			name:   "sourceless_passes_through",
			event:  Event{Type: "session_state"},
			filter: Filter{Sources: []transcript.Source{transcript.Microphone}},
			want:   true,
		},
		{
			name:   "multi_one_fails",
			event:  Event{Type: "segment_updated", Source: transcript.Remote},
			filter: Filter{Types: []string{"segment_updated"}, Sources: []transcript.Source{transcript.Microphone}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.matches(tt.event); got != tt.want {
				t.Errorf("matches(%+v, %+v) = %v, want %v", tt.event, tt.filter, got, tt.want)
			}
		})
	}
}
