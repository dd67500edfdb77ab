package coach

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClassifier(t *testing.T) {
	t.Run("decodes_result", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			var req classifyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Design a rate limiter", req.QuestionText)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"type":"system_design","confidence":0.87,"recommended_seconds":200}`))
		}))
		defer srv.Close()

		c := NewHTTPClassifier(srv.URL, "secret", time.Second)
		res, err := c.Classify(context.Background(), "Design a rate limiter")
		require.NoError(t, err)
		assert.Equal(t, TypeSystemDesign, res.Type)
		assert.InDelta(t, 0.87, res.Confidence, 1e-9)
		require.NotNil(t, res.RecommendedSeconds)
		assert.InDelta(t, 200.0, *res.RecommendedSeconds, 1e-9)
		assert.Equal(t, SourceRemote, res.Source)
	})

	t.Run("non_200_is_error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewHTTPClassifier(srv.URL, "", time.Second).Classify(context.Background(), "q")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("missing_type_is_error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"confidence":0.5}`))
		}))
		defer srv.Close()

		_, err := NewHTTPClassifier(srv.URL, "", time.Second).Classify(context.Background(), "q")
		assert.Error(t, err)
	})

	t.Run("context_deadline_honoured", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := NewHTTPClassifier(srv.URL, "", 10*time.Second).Classify(ctx, "q")
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestResultCache(t *testing.T) {
	rc := newResultCache(time.Minute)
	_, ok := rc.Get("tell me about yourself")
	assert.False(t, ok)

	rc.Set("tell me about yourself", Result{Type: TypeBackground, Confidence: 0.9})
	got, ok := rc.Get("tell me about yourself")
	require.True(t, ok)
	assert.Equal(t, TypeBackground, got.Type)
	assert.Equal(t, 1, rc.Len())

	rc.Flush()
	assert.Zero(t, rc.Len())
}
