package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/broker"
	"github.com/snarg/coachline/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]MessageHandler
	published    []published
	unsubscribed []string
	subErr       error
	pubErr       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]MessageHandler)}
}

func (f *fakeTransport) Subscribe(_ context.Context, filter string, h MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.handlers[filter] = h
	return nil
}

func (f *fakeTransport) Unsubscribe(filter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, filter)
	f.unsubscribed = append(f.unsubscribed, filter)
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, published{topic, payload})
	return nil
}

// deliver routes a message the way the broker would for a "+" filter.
func (f *fakeTransport) deliver(topic string, payload string) {
	f.mu.Lock()
	var hs []MessageHandler
	for filter, h := range f.handlers {
		prefix := strings.TrimSuffix(filter, "+")
		if strings.HasPrefix(topic, prefix) && !strings.Contains(topic[len(prefix):], "/") {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(topic, []byte(payload))
	}
}

type recordingSink struct {
	mu           sync.Mutex
	events       []transcript.RawEvent
	levels       []float64
	disconnected []error
}

func (s *recordingSink) Transcript(ev transcript.RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Level(_ transcript.Source, level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels, level)
}

func (s *recordingSink) Disconnected(_ transcript.Source, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, err)
}

func (s *recordingSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestProvider_StartStop(t *testing.T) {
	tr := newFakeTransport()
	p := NewProvider(tr, "coachline", zerolog.New(io.Discard))
	sink := &recordingSink{}

	require.NoError(t, p.Start(context.Background(), transcript.Remote, sink))
	require.NoError(t, p.Start(context.Background(), transcript.Remote, sink))
	assert.Contains(t, tr.handlers, "coachline/remote/+")
	require.Len(t, tr.published, 1, "second start is a no-op")
	assert.Equal(t, "coachline/remote/control", tr.published[0].topic)

	var ctl controlMessage
	require.NoError(t, json.Unmarshal(tr.published[0].payload, &ctl))
	assert.Equal(t, "start", ctl.Action)

	p.Stop(transcript.Remote)
	p.Stop(transcript.Remote)
	assert.Equal(t, []string{"coachline/remote/+"}, tr.unsubscribed)
	require.Len(t, tr.published, 2)
	require.NoError(t, json.Unmarshal(tr.published[1].payload, &ctl))
	assert.Equal(t, "stop", ctl.Action)
}

func TestProvider_StartFailures(t *testing.T) {
	t.Run("subscribe", func(t *testing.T) {
		tr := newFakeTransport()
		tr.subErr = errors.New("broker gone")
		p := NewProvider(tr, "coachline", zerolog.New(io.Discard))

		assert.Error(t, p.Start(context.Background(), transcript.Microphone, &recordingSink{}))
		assert.Empty(t, p.sinks)
	})

	t.Run("control_publish", func(t *testing.T) {
		tr := newFakeTransport()
		tr.pubErr = errors.New("not authorized")
		p := NewProvider(tr, "coachline", zerolog.New(io.Discard))

		assert.Error(t, p.Start(context.Background(), transcript.Microphone, &recordingSink{}))
		assert.Empty(t, p.sinks)
		assert.Equal(t, []string{"coachline/microphone/+"}, tr.unsubscribed)
	})
}

func TestProvider_Dispatch(t *testing.T) {
	tr := newFakeTransport()
	p := NewProvider(tr, "coachline", zerolog.New(io.Discard))
	fixed := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	mic, remote := &recordingSink{}, &recordingSink{}
	require.NoError(t, p.Start(context.Background(), transcript.Microphone, mic))
	require.NoError(t, p.Start(context.Background(), transcript.Remote, remote))

	tr.deliver("coachline/remote/transcript", `{"text":"why this team","speaker":"3","is_final":true,"confidence":0.8}`)
	tr.deliver("coachline/remote/transcript", `{bad json`)
	tr.deliver("coachline/microphone/level", `0.25`)
	tr.deliver("coachline/microphone/level", `{"level":0.5}`)
	tr.deliver("coachline/microphone/level", `loud`)
	tr.deliver("coachline/remote/status", `online`)
	tr.deliver("coachline/remote/status", `{"status":"offline"}`)

	require.Len(t, remote.events, 1)
	ev := remote.events[0]
	assert.Equal(t, transcript.Remote, ev.Source)
	assert.Equal(t, "3", ev.LocalSpeakerID)
	assert.True(t, ev.IsFinal)
	assert.True(t, ev.Timestamp.Equal(fixed))

	assert.Empty(t, mic.events)
	assert.Equal(t, []float64{0.25, 0.5}, mic.levels)

	require.Len(t, remote.disconnected, 1)
	assert.ErrorIs(t, remote.disconnected[0], ErrRecognizerOffline)
	assert.Empty(t, mic.disconnected)
}

func TestParseStatus(t *testing.T) {
	tests := map[string]string{
		`offline`:              "offline",
		` "offline" `:          "offline",
		`{"status":"online"}`:  "online",
		`{"status":"offline"}`: "offline",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseStatus([]byte(in)), in)
	}
}

func TestParseLevel(t *testing.T) {
	valid := map[string]float64{
		`0.25`:          0.25,
		` 1 `:           1,
		`{"level":0.5}`: 0.5,
		`{"level":0}`:   0,
	}
	for in, want := range valid {
		got, err := parseLevel([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{`NaN`, `nan`, `Inf`, `-Inf`, `+Infinity`, `1e999`, `{"text":"hi"}`, `loud`} {
		_, err := parseLevel([]byte(in))
		assert.Error(t, err, in)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestProvider_ThroughEmbeddedBroker(t *testing.T) {
	log := zerolog.New(io.Discard)
	addr := freeAddr(t)
	b, err := broker.Start(addr, log)
	require.NoError(t, err)
	defer b.Close()

	client, err := Connect(Options{BrokerURL: "tcp://" + addr, ClientID: "coachline-test", Log: log})
	require.NoError(t, err)
	defer client.Close()
	assert.True(t, client.IsConnected())

	p := NewProvider(client, "coachline", log)
	sink := &recordingSink{}
	require.NoError(t, p.Start(context.Background(), transcript.Remote, sink))
	defer p.Stop(transcript.Remote)

	require.NoError(t, b.Publish("coachline/remote/transcript", []byte(`{"text":"tell me about a hard bug","is_final":true}`), false))
	require.Eventually(t, func() bool { return sink.eventCount() == 1 }, 3*time.Second, 20*time.Millisecond)

	sink.mu.Lock()
	assert.Equal(t, "tell me about a hard bug", sink.events[0].Text)
	sink.mu.Unlock()
}
