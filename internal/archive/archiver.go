package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/metrics"
	"github.com/snarg/coachline/internal/persist"
	"github.com/snarg/coachline/internal/session"
)

// Archiver serializes session documents into a Store under
// {prefix}/{yyyy-mm-dd}/{session_id}.json, dated by session start (UTC).
type Archiver struct {
	store  Store
	prefix string
	log    zerolog.Logger
}

var _ session.Archiver = (*Archiver)(nil)

func NewArchiver(store Store, prefix string, log zerolog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		log:    log.With().Str("component", "archive").Logger(),
	}
}

// Key returns the object key for a session.
func (a *Archiver) Key(rec persist.SessionRecord) string {
	key := rec.StartedAt.UTC().Format("2006-01-02") + "/" + rec.ID + ".json"
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}

func (a *Archiver) Archive(ctx context.Context, doc persist.Document) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", doc.Session.ID, err)
	}
	key := a.Key(doc.Session)
	if err := a.store.Save(ctx, key, data, "application/json"); err != nil {
		metrics.ArchiveFailuresTotal.Inc()
		return "", fmt.Errorf("save %s: %w", key, err)
	}
	a.log.Info().
		Str("session_id", doc.Session.ID).
		Str("key", key).
		Str("backend", a.store.Type()).
		Int("segments", len(doc.Segments)).
		Msg("session archived")
	return key, nil
}
