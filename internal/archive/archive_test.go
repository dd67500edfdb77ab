package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/config"
	"github.com/snarg/coachline/internal/persist"
	"github.com/snarg/coachline/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc() persist.Document {
	started := time.Date(2026, 10, 17, 23, 30, 0, 0, time.FixedZone("PDT", -7*3600))
	return persist.Document{
		Session: persist.SessionRecord{
			ID:        "sess-1",
			StartedAt: started,
			Status:    persist.StatusStopped,
		},
		Segments: []transcript.Segment{
			{CanonicalID: "seg-1", Version: 3, Source: transcript.Remote, Text: "why this role", IsFinal: true},
		},
	}
}

func TestArchiver_Key(t *testing.T) {
	doc := testDoc()
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "with_prefix", prefix: "sessions", want: "sessions/2026-10-18/sess-1.json"},
		{name: "prefix_slashes_trimmed", prefix: "/a/b/", want: "a/b/2026-10-18/sess-1.json"},
		{name: "no_prefix", prefix: "", want: "2026-10-18/sess-1.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArchiver(NewLocalStore(t.TempDir()), tt.prefix, zerolog.New(io.Discard))
			assert.Equal(t, tt.want, a.Key(doc.Session), "date is taken in UTC")
		})
	}
}

func TestArchiver_LocalRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	a := NewArchiver(store, "sessions", zerolog.New(io.Discard))

	key, err := a.Archive(context.Background(), testDoc())
	require.NoError(t, err)
	assert.Equal(t, "sessions/2026-10-18/sess-1.json", key)

	data, err := os.ReadFile(store.Path(key))
	require.NoError(t, err)
	var got persist.Document
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "sess-1", got.Session.ID)
	require.Len(t, got.Segments, 1)
	assert.Equal(t, "why this role", got.Segments[0].Text)

	// Re-archiving replaces the document and leaves no temp files behind.
	_, err = a.Archive(context.Background(), testDoc())
	require.NoError(t, err)
	entries, err := os.ReadDir(store.Path("sessions/2026-10-18"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type failingStore struct{}

func (failingStore) Save(context.Context, string, []byte, string) error {
	return errors.New("disk full")
}
func (failingStore) Type() string { return "failing" }

func TestArchiver_SaveFailure(t *testing.T) {
	a := NewArchiver(failingStore{}, "", zerolog.New(io.Discard))
	key, err := a.Archive(context.Background(), testDoc())
	assert.Error(t, err)
	assert.Empty(t, key)
}

func TestLocalStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewLocalStore(t.TempDir()).Save(ctx, "k.json", []byte("{}"), "application/json")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewStore(t *testing.T) {
	log := zerolog.New(io.Discard)

	t.Run("disabled", func(t *testing.T) {
		s, err := NewStore(config.S3Config{}, "", log)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("local", func(t *testing.T) {
		s, err := NewStore(config.S3Config{}, t.TempDir(), log)
		require.NoError(t, err)
		assert.Equal(t, "local", s.Type())
	})

	t.Run("s3_unreachable_bucket", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := NewStore(config.S3Config{
			Bucket: "missing", Endpoint: srv.URL, Region: "us-east-1",
			AccessKey: "test", SecretKey: "test",
		}, "", log)
		assert.Error(t, err)
	})
}

func TestS3Store_Save(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		types []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		types = append(types, r.Header.Get("Content-Type"))
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewStore(config.S3Config{
		Bucket: "coach", Endpoint: srv.URL, Region: "us-east-1",
		AccessKey: "test", SecretKey: "test",
	}, "", zerolog.New(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, "s3", store.Type())

	a := NewArchiver(store, "sessions", zerolog.New(io.Discard))
	key, err := a.Archive(context.Background(), testDoc())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2, "head bucket then put")
	assert.True(t, strings.HasPrefix(paths[0], "HEAD /coach"))
	assert.Equal(t, "PUT /coach/"+key, paths[1])
	assert.Equal(t, "application/json", types[1])
}

func TestPruner(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, "sessions/2026-09-01/old.json", []byte("{}"), "application/json"))
	require.NoError(t, store.Save(ctx, "sessions/2026-10-16/new.json", []byte("{}"), "application/json"))
	old := now.Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path("sessions/2026-09-01/old.json"), old, old))
	recent := now.Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path("sessions/2026-10-16/new.json"), recent, recent))

	t.Run("disabled", func(t *testing.T) {
		p := NewPruner(store, 0, time.Hour, zerolog.New(io.Discard))
		p.now = func() time.Time { return now }
		assert.Equal(t, 0, p.Prune())
	})

	t.Run("removes_expired_and_empty_dirs", func(t *testing.T) {
		p := NewPruner(store, 30*24*time.Hour, time.Hour, zerolog.New(io.Discard))
		p.now = func() time.Time { return now }
		assert.Equal(t, 1, p.Prune())

		_, err := os.Stat(store.Path("sessions/2026-09-01"))
		assert.True(t, os.IsNotExist(err), "empty date dir removed")
		_, err = os.Stat(store.Path("sessions/2026-10-16/new.json"))
		assert.NoError(t, err)
	})

	t.Run("start_stop", func(t *testing.T) {
		p := NewPruner(store, 30*24*time.Hour, time.Hour, zerolog.New(io.Discard))
		p.Start()
		p.Stop()
		p.Stop()
	})
}
