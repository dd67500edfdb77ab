package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is the JSON shape recognizers publish, over MQTT or into the spool
// directory. A message carrying Level and no Text is an audio level sample.
type Message struct {
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker,omitempty"`
	IsFinal    bool     `json:"is_final"`
	StartMs    *int64   `json:"start_ms,omitempty"`
	EndMs      *int64   `json:"end_ms,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Level      *float64 `json:"level,omitempty"`
	// Ts is unix milliseconds. Zero means "use arrival time".
	Ts int64 `json:"ts,omitempty"`
}

// IsLevel reports whether the message is an audio level sample.
func (m Message) IsLevel() bool {
	return m.Level != nil && m.Text == ""
}

// RawEvent converts the message for the aggregator.
func (m Message) RawEvent(src Source, arrived time.Time) RawEvent {
	ts := arrived
	if m.Ts > 0 {
		ts = time.UnixMilli(m.Ts)
	}
	return RawEvent{
		Source:         src,
		Text:           m.Text,
		LocalSpeakerID: m.Speaker,
		IsFinal:        m.IsFinal,
		StartOffsetMs:  m.StartMs,
		EndOffsetMs:    m.EndMs,
		Confidence:     m.Confidence,
		Timestamp:      ts,
	}
}

// DecodeMessages parses a payload holding either one message or an array of
// messages.
func DecodeMessages(data []byte) ([]Message, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("decode message batch: %w", err)
		}
		return msgs, nil
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []Message{m}, nil
}
