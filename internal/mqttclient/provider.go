package mqttclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/session"
	"github.com/snarg/coachline/internal/transcript"
)

// ErrRecognizerOffline is reported when a recognizer's status topic says
// "offline", normally its last will after an unclean disconnect.
var ErrRecognizerOffline = errors.New("recognizer offline")

// Transport is the subset of Client the provider uses.
type Transport interface {
	Subscribe(ctx context.Context, filter string, handler MessageHandler) error
	Unsubscribe(filter string)
	Publish(ctx context.Context, topic string, payload []byte) error
}

type controlMessage struct {
	Action string `json:"action"`
	Ts     int64  `json:"ts"`
}

// Provider implements session.Provider over MQTT. Recognizers publish to
// {prefix}/{source}/transcript|level|status and listen on
// {prefix}/{source}/control for start and stop requests.
type Provider struct {
	t      Transport
	prefix string
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	sinks map[transcript.Source]session.Sink
}

var (
	_ session.Provider = (*Provider)(nil)
	_ Transport        = (*Client)(nil)
)

func NewProvider(t Transport, prefix string, log zerolog.Logger) *Provider {
	return &Provider{
		t:      t,
		prefix: prefix,
		log:    log.With().Str("component", "mqtt_provider").Logger(),
		now:    time.Now,
		sinks:  make(map[transcript.Source]session.Sink),
	}
}

// Start subscribes to the source's topics and asks its recognizer to begin.
func (p *Provider) Start(ctx context.Context, source transcript.Source, sink session.Sink) error {
	p.mu.Lock()
	if _, ok := p.sinks[source]; ok {
		p.mu.Unlock()
		return nil
	}
	p.sinks[source] = sink
	p.mu.Unlock()

	filter := SourceFilter(p.prefix, source)
	if err := p.t.Subscribe(ctx, filter, p.handle); err != nil {
		p.forget(source)
		return err
	}
	if err := p.control(ctx, source, "start"); err != nil {
		p.t.Unsubscribe(filter)
		p.forget(source)
		return err
	}
	p.log.Info().Str("source", string(source)).Str("filter", filter).Msg("source stream started")
	return nil
}

// Stop asks the recognizer to stop and drops the subscription.
func (p *Provider) Stop(source transcript.Source) {
	p.mu.Lock()
	_, ok := p.sinks[source]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.forget(source)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.control(ctx, source, "stop"); err != nil {
		p.log.Warn().Err(err).Str("source", string(source)).Msg("failed to send stop")
	}
	p.t.Unsubscribe(SourceFilter(p.prefix, source))
	p.log.Info().Str("source", string(source)).Msg("source stream stopped")
}

func (p *Provider) forget(source transcript.Source) {
	p.mu.Lock()
	delete(p.sinks, source)
	p.mu.Unlock()
}

func (p *Provider) control(ctx context.Context, source transcript.Source, action string) error {
	body, err := json.Marshal(controlMessage{Action: action, Ts: p.now().UnixMilli()})
	if err != nil {
		return err
	}
	return p.t.Publish(ctx, Topic(p.prefix, source, KindControl), body)
}

func (p *Provider) handle(topic string, payload []byte) {
	route := ParseTopic(topic)
	if route == nil {
		p.log.Debug().Str("topic", topic).Msg("unroutable topic")
		return
	}
	p.mu.Lock()
	sink, ok := p.sinks[route.Source]
	p.mu.Unlock()
	if !ok {
		return
	}

	switch route.Kind {
	case KindTranscript:
		msgs, err := transcript.DecodeMessages(payload)
		if err != nil {
			p.log.Warn().Err(err).Str("topic", topic).Msg("dropping malformed transcript")
			return
		}
		arrived := p.now()
		for _, m := range msgs {
			if m.IsLevel() {
				sink.Level(route.Source, *m.Level)
				continue
			}
			sink.Transcript(m.RawEvent(route.Source, arrived))
		}

	case KindLevel:
		level, err := parseLevel(payload)
		if err != nil {
			p.log.Debug().Err(err).Str("topic", topic).Msg("dropping malformed level")
			return
		}
		sink.Level(route.Source, level)

	case KindStatus:
		if parseStatus(payload) == "offline" {
			p.log.Warn().Str("source", string(route.Source)).Msg("recognizer went offline")
			sink.Disconnected(route.Source, ErrRecognizerOffline)
		}
	}
}

// parseLevel accepts a bare number or {"level": n}. Non-finite values are
// rejected.
func parseLevel(payload []byte) (float64, error) {
	trimmed := bytes.TrimSpace(payload)
	f, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		var m transcript.Message
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return 0, err
		}
		if m.Level == nil {
			return 0, errors.New("missing level")
		}
		f = *m.Level
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("level %q is not finite", trimmed)
	}
	return f, nil
}

// parseStatus accepts a bare word or {"status": "..."}.
func parseStatus(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	var s struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(trimmed, &s) == nil && s.Status != "" {
		return s.Status
	}
	return string(bytes.Trim(trimmed, `"`))
}
