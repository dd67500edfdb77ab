package coach

import (
	"context"
	"strings"

	"github.com/snarg/coachline/internal/transcript"
)

// Heuristic is the local keyword classifier used when the remote classifier
// is unavailable. Its confidence is deliberately capped below remote results.
type Heuristic struct{}

type keywordRule struct {
	qtype    QuestionType
	phrases  []string
	strength float64
}

// Rules are checked in order; the first match wins.
var keywordRules = []keywordRule{
	{TypeSystemDesign, []string{"design a", "design an", "architect", "scale to", "how would you scale", "high level design", "distributed"}, 0.5},
	{TypeBehavioral, []string{"tell me about a time", "describe a time", "give me an example", "a situation where", "conflict", "disagreed", "failure", "mistake"}, 0.5},
	{TypeSituational, []string{"what would you do", "how would you handle", "imagine", "suppose", "if you were"}, 0.45},
	{TypeTechnical, []string{"implement", "algorithm", "complexity", "difference between", "how does", "explain how", "debug", "data structure", "database", "api"}, 0.45},
	{TypeBackground, []string{"tell me about yourself", "walk me through your", "your background", "your resume", "why do you want", "why are you interested", "current role"}, 0.5},
}

var quickOpeners = []string{"do you", "did you", "are you", "have you", "is it", "can you start", "would you be"}

// Classify never fails and ignores ctx.
func (Heuristic) Classify(_ context.Context, questionText string) (Result, error) {
	norm := " " + transcript.Normalize(questionText) + " "
	for _, r := range keywordRules {
		for _, p := range r.phrases {
			if strings.Contains(norm, " "+p+" ") {
				return Result{Type: r.qtype, Confidence: r.strength, Source: SourceHeuristic}, nil
			}
		}
	}
	trimmed := strings.TrimSpace(norm)
	for _, o := range quickOpeners {
		if strings.HasPrefix(trimmed, o+" ") && transcript.WordCount(trimmed) <= 10 {
			return Result{Type: TypeQuick, Confidence: 0.35, Source: SourceHeuristic}, nil
		}
	}
	return Result{Type: TypeGeneral, Confidence: 0.2, Source: SourceHeuristic}, nil
}
