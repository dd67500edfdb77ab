// Package speaker resolves source-local speaker ids into one small canonical
// label space shared by both sources.
package speaker

import (
	"fmt"
	"time"

	"github.com/snarg/coachline/internal/transcript"
)

// Self is the canonical label of the local participant.
const Self = "SELF"

// RemoteLabel returns the canonical label for the n-th (1-based) remote speaker.
func RemoteLabel(n int) string { return fmt.Sprintf("REMOTE_%d", n) }

// DefaultEchoThreshold is the fraction of a remote id's speaking time that
// must echo SELF before the id is folded into SELF.
const DefaultEchoThreshold = 0.6

// Options tunes the echo test. Zero values take the package defaults.
type Options struct {
	EchoThreshold  float64 // fold into SELF when echo fraction exceeds this
	OverlapRatio   float64 // window overlap needed for a SELF segment to count
	TextSimilarity float64 // normalized token overlap needed for a SELF segment to count
}

func (o Options) withDefaults() Options {
	if o.EchoThreshold <= 0 {
		o.EchoThreshold = DefaultEchoThreshold
	}
	if o.OverlapRatio <= 0 {
		o.OverlapRatio = 0.5
	}
	if o.TextSimilarity <= 0 {
		o.TextSimilarity = 0.8
	}
	return o
}

// Mapping maps each source's local speaker ids to canonical labels.
type Mapping map[transcript.Source]map[string]string

// Label returns the canonical label for a local id, or "" if unmapped.
func (m Mapping) Label(src transcript.Source, localID string) string {
	return m[src][localID]
}

// Labels returns the distinct canonical labels in use, SELF first.
func (m Mapping) Labels() []string {
	hasSelf := false
	remotes := 0
	for _, ids := range m {
		for _, l := range ids {
			if l == Self {
				hasSelf = true
			} else {
				remotes++
			}
		}
	}
	var out []string
	if hasSelf {
		out = append(out, Self)
	}
	for n := 1; n <= remotes; n++ {
		out = append(out, RemoteLabel(n))
	}
	return out
}

// Map computes the canonical mapping from the two sources' finalized
// segments. It is a pure function of its inputs.
//
// Every microphone id maps to SELF. A remote id whose speaking time mostly
// coincides with near-identical SELF speech is an echo and also maps to SELF.
// The remaining remote ids get REMOTE_n in order of first appearance.
func Map(local, remote []transcript.Segment, opts Options) Mapping {
	opts = opts.withDefaults()

	m := Mapping{
		transcript.Microphone: map[string]string{},
		transcript.Remote:     map[string]string{},
	}
	for _, s := range local {
		m[transcript.Microphone][s.Speaker] = Self
	}

	var order []string
	byID := map[string][]transcript.Segment{}
	for _, s := range remote {
		if _, ok := byID[s.Speaker]; !ok {
			order = append(order, s.Speaker)
		}
		byID[s.Speaker] = append(byID[s.Speaker], s)
	}

	n := 0
	for _, id := range order {
		if echoFraction(byID[id], local, opts) > opts.EchoThreshold {
			m[transcript.Remote][id] = Self
			continue
		}
		n++
		m[transcript.Remote][id] = RemoteLabel(n)
	}
	return m
}

// echoFraction is the share of segs' total duration that falls inside a
// window covered by a near-duplicate local segment.
func echoFraction(segs, local []transcript.Segment, opts Options) float64 {
	var total, echoed time.Duration
	for _, s := range segs {
		w := s.Window()
		total += w.Duration()

		var best time.Duration
		for _, l := range local {
			lw := l.Window()
			if w.OverlapRatio(lw) <= opts.OverlapRatio {
				continue
			}
			if transcript.Similarity(s.Text, l.Text) < opts.TextSimilarity {
				continue
			}
			if d := w.Intersect(lw); d > best {
				best = d
			}
		}
		echoed += best
	}
	if total <= 0 {
		return 0
	}
	return float64(echoed) / float64(total)
}
