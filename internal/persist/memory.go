package persist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/snarg/coachline/internal/coach"
)

// Memory is an in-process Store, used when no database is configured and in
// tests.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	segments map[string][]SegmentRow
	episodes map[string][]coach.Episode
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]SessionRecord),
		segments: make(map[string][]SegmentRow),
		episodes: make(map[string][]coach.Episode),
	}
}

func (m *Memory) CreateSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return fmt.Errorf("session %s already exists", rec.ID)
	}
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) AppendSegments(_ context.Context, rows []SegmentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if _, ok := m.sessions[r.SessionID]; !ok {
			return fmt.Errorf("segment %s: unknown session %s", r.CanonicalID, r.SessionID)
		}
		m.segments[r.SessionID] = append(m.segments[r.SessionID], r)
	}
	return nil
}

func (m *Memory) FinalizeSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; !ok {
		return fmt.Errorf("finalize: unknown session %s", rec.ID)
	}
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) AppendCoachingEvent(_ context.Context, sessionID string, ep coach.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("coaching event %s: unknown session %s", ep.ID, sessionID)
	}
	m.episodes[sessionID] = append(m.episodes[sessionID], ep)
	return nil
}

func (m *Memory) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) FinalSegments(_ context.Context, sessionID string) ([]SegmentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	var out []SegmentRow
	for _, r := range m.segments[sessionID] {
		if r.IsFinal && !r.Suppressed {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) CoachingEvents(_ context.Context, sessionID string) ([]coach.Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]coach.Episode(nil), m.episodes[sessionID]...), nil
}

// AllSegments returns every stored row for a session, in write order.
func (m *Memory) AllSegments(sessionID string) []SegmentRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SegmentRow(nil), m.segments[sessionID]...)
}
