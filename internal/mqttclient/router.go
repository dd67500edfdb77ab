package mqttclient

import (
	"strings"

	"github.com/snarg/coachline/internal/transcript"
)

// Topic kinds under {prefix}/{source}/.
const (
	KindTranscript = "transcript"
	KindLevel      = "level"
	KindStatus     = "status"
	KindControl    = "control"
)

// Route describes a parsed provider topic.
type Route struct {
	Source transcript.Source
	Kind   string
}

// ParseTopic maps an MQTT topic string to a Route.
//
// Routing is based on the trailing two segments, so any prefix (including a
// multi-level one) works:
//
//	.../{source}/transcript → recognition results
//	.../{source}/level      → audio level samples
//	.../{source}/status     → "online" / "offline" (the recognizer's LWT)
//
// control topics are outbound only and never routed.
func ParseTopic(topic string) *Route {
	parts := strings.Split(topic, "/")
	n := len(parts)
	if n < 2 {
		return nil
	}
	src, err := transcript.ParseSource(parts[n-2])
	if err != nil {
		return nil
	}
	switch parts[n-1] {
	case KindTranscript, KindLevel, KindStatus:
		return &Route{Source: src, Kind: parts[n-1]}
	}
	return nil
}

// Topic builds {prefix}/{source}/{kind}.
func Topic(prefix string, src transcript.Source, kind string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return string(src) + "/" + kind
	}
	return prefix + "/" + string(src) + "/" + kind
}

// SourceFilter subscribes to every inbound kind for one source.
func SourceFilter(prefix string, src transcript.Source) string {
	return Topic(prefix, src, "+")
}
