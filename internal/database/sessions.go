package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/coachline/internal/coach"
	"github.com/snarg/coachline/internal/persist"
)

// CreateSession inserts the session row at session start.
func (db *DB) CreateSession(ctx context.Context, rec persist.SessionRecord) error {
	subs, err := json.Marshal(rec.SubSessions)
	if err != nil {
		return fmt.Errorf("marshal sub-sessions: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO sessions (session_id, started_at, status, degraded, sub_sessions)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.StartedAt, rec.Status, rec.Degraded, subs)
	return err
}

// AppendSegments batch-inserts segment versions using CopyFrom.
func (db *DB) AppendSegments(ctx context.Context, rows []persist.SegmentRow) error {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.SessionID, nullString(r.SubSessionID), r.CanonicalID, r.Version, string(r.Source),
			nullString(r.Speaker), r.Text, r.IsFinal, r.Suppressed, r.Confidence,
			r.StartOffsetMs, r.EndOffsetMs, r.Timestamp,
		}
	}

	_, err := db.Pool.CopyFrom(ctx,
		pgx.Identifier{"segments"},
		[]string{
			"session_id", "sub_session_id", "canonical_id", "version", "source",
			"speaker", "text", "is_final", "suppressed", "confidence",
			"start_offset_ms", "end_offset_ms", "ts",
		},
		pgx.CopyFromRows(copyRows),
	)
	return err
}

// FinalizeSession writes the end state, speaker mapping and per-source
// summaries in one transaction.
func (db *DB) FinalizeSession(ctx context.Context, rec persist.SessionRecord) error {
	subs, err := json.Marshal(rec.SubSessions)
	if err != nil {
		return fmt.Errorf("marshal sub-sessions: %w", err)
	}
	var mapping []byte
	if rec.SpeakerMapping != nil {
		if mapping, err = json.Marshal(rec.SpeakerMapping); err != nil {
			return fmt.Errorf("marshal speaker mapping: %w", err)
		}
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET
			ended_at        = $2,
			status          = $3,
			degraded        = $4,
			sub_sessions    = $5,
			speaker_mapping = $6,
			updated_at      = now()
		WHERE session_id = $1
	`, rec.ID, rec.EndedAt, rec.Status, rec.Degraded, subs, mapping)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize %s: %w", rec.ID, persist.ErrNotFound)
	}

	for _, s := range rec.Summaries {
		_, err := tx.Exec(ctx, `
			INSERT INTO source_summaries (
				sub_session_id, session_id, source, language, started_at, ended_at,
				segment_count, final_count, word_count, mean_confidence, speaker_count
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (sub_session_id) DO UPDATE SET
				ended_at        = EXCLUDED.ended_at,
				segment_count   = EXCLUDED.segment_count,
				final_count     = EXCLUDED.final_count,
				word_count      = EXCLUDED.word_count,
				mean_confidence = EXCLUDED.mean_confidence,
				speaker_count   = EXCLUDED.speaker_count
		`, s.SubSessionID, rec.ID, string(s.Source), nullString(s.Language), s.StartedAt, s.EndedAt,
			s.SegmentCount, s.FinalCount, s.WordCount, s.MeanConfidence, s.SpeakerCount)
		if err != nil {
			return fmt.Errorf("upsert summary %s: %w", s.SubSessionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendCoachingEvent inserts a completed coaching episode.
func (db *DB) AppendCoachingEvent(ctx context.Context, sessionID string, ep coach.Episode) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO coaching_events (
			episode_id, session_id, question_text, question_segment_id, question_type,
			classification_confidence, classification_source,
			target_seconds, soft_threshold_seconds, hard_threshold_seconds,
			armed_at, started_at, ended_at, elapsed_seconds,
			soft_nudge_fired, hard_nudge_fired, end_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (episode_id) DO NOTHING
	`, ep.ID, sessionID, ep.QuestionText, nullString(ep.QuestionSegmentID), string(ep.QuestionType),
		ep.ClassificationConfidence, ep.ClassificationSource,
		ep.Budget.TargetSeconds, ep.Budget.SoftSeconds, ep.Budget.HardSeconds,
		ep.ArmedAt, ep.StartedAt, ep.EndedAt, ep.ElapsedSeconds,
		ep.SoftNudgeFired, ep.HardNudgeFired, nullString(string(ep.EndReason)))
	return err
}

const sessionColumns = `session_id, started_at, ended_at, status, degraded, sub_sessions, speaker_mapping`

func scanSession(row pgx.Row) (persist.SessionRecord, error) {
	var rec persist.SessionRecord
	var subs, mapping []byte
	if err := row.Scan(&rec.ID, &rec.StartedAt, &rec.EndedAt, &rec.Status, &rec.Degraded, &subs, &mapping); err != nil {
		return rec, err
	}
	if len(subs) > 0 {
		if err := json.Unmarshal(subs, &rec.SubSessions); err != nil {
			return rec, fmt.Errorf("decode sub-sessions: %w", err)
		}
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &rec.SpeakerMapping); err != nil {
			return rec, fmt.Errorf("decode speaker mapping: %w", err)
		}
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]persist.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persist.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSession loads one session with its source summaries.
func (db *DB) GetSession(ctx context.Context, id string) (persist.SessionRecord, error) {
	rec, err := scanSession(db.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, persist.ErrNotFound
	}
	if err != nil {
		return rec, err
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT sub_session_id, source, COALESCE(language, ''), started_at, ended_at,
		       segment_count, final_count, word_count, mean_confidence, speaker_count
		FROM source_summaries WHERE session_id = $1 ORDER BY source
	`, id)
	if err != nil {
		return rec, err
	}
	defer rows.Close()
	for rows.Next() {
		var s persist.SourceSummary
		if err := rows.Scan(&s.SubSessionID, &s.Source, &s.Language, &s.StartedAt, &s.EndedAt,
			&s.SegmentCount, &s.FinalCount, &s.WordCount, &s.MeanConfidence, &s.SpeakerCount); err != nil {
			return rec, err
		}
		rec.Summaries = append(rec.Summaries, s)
	}
	return rec, rows.Err()
}

// FinalSegments returns the final, unsuppressed transcript of a session.
func (db *DB) FinalSegments(ctx context.Context, sessionID string) ([]persist.SegmentRow, error) {
	if err := db.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT session_id, COALESCE(sub_session_id, ''), canonical_id, version, source,
		       COALESCE(speaker, ''), text, is_final, suppressed, confidence,
		       start_offset_ms, end_offset_ms, ts
		FROM segments
		WHERE session_id = $1 AND is_final AND NOT suppressed
		ORDER BY ts, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persist.SegmentRow
	for rows.Next() {
		var r persist.SegmentRow
		if err := rows.Scan(&r.SessionID, &r.SubSessionID, &r.CanonicalID, &r.Version, &r.Source,
			&r.Speaker, &r.Text, &r.IsFinal, &r.Suppressed, &r.Confidence,
			&r.StartOffsetMs, &r.EndOffsetMs, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CoachingEvents returns a session's episodes in arming order.
func (db *DB) CoachingEvents(ctx context.Context, sessionID string) ([]coach.Episode, error) {
	if err := db.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT episode_id, session_id, question_text, COALESCE(question_segment_id, ''), question_type,
		       classification_confidence, classification_source,
		       target_seconds, soft_threshold_seconds, hard_threshold_seconds,
		       armed_at, started_at, ended_at, elapsed_seconds,
		       soft_nudge_fired, hard_nudge_fired, COALESCE(end_reason, '')
		FROM coaching_events WHERE session_id = $1 ORDER BY armed_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coach.Episode
	for rows.Next() {
		var ep coach.Episode
		var startedAt, endedAt *time.Time
		if err := rows.Scan(&ep.ID, &ep.SessionID, &ep.QuestionText, &ep.QuestionSegmentID, &ep.QuestionType,
			&ep.ClassificationConfidence, &ep.ClassificationSource,
			&ep.Budget.TargetSeconds, &ep.Budget.SoftSeconds, &ep.Budget.HardSeconds,
			&ep.ArmedAt, &startedAt, &endedAt, &ep.ElapsedSeconds,
			&ep.SoftNudgeFired, &ep.HardNudgeFired, &ep.EndReason); err != nil {
			return nil, err
		}
		ep.StartedAt, ep.EndedAt = startedAt, endedAt
		ep.State = coach.StateEnded
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (db *DB) requireSession(ctx context.Context, id string) error {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return persist.ErrNotFound
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
