package ingest

import (
	"strings"

	"github.com/snarg/coachline/internal/transcript"
)

// interrogativeOpeners match at the start of a normalized sentence.
var interrogativeOpeners = []string{
	"what", "why", "how", "when", "where", "who", "which",
	"can you", "could you", "would you", "will you",
	"do you", "did you", "have you", "are you", "were you",
	"is there", "is it", "tell me", "walk me through",
	"describe", "explain", "talk me through", "give me an example",
}

// interrogativePhrases match anywhere in a normalized sentence, for questions
// that are preceded by filler ("okay so tell me about...").
var interrogativePhrases = []string{
	"tell me about", "walk me through", "can you describe", "could you explain",
	"how would you", "what would you", "why did you", "give me an example",
}

// minQuestionWords keeps back-channel noise like "right?" from arming the coach.
const minQuestionWords = 3

// QuestionPredicate decides whether a finalized segment is a question candidate.
type QuestionPredicate func(transcript.Segment) bool

// LooksLikeQuestion is the default lightweight filter. It never calls out;
// proper classification happens downstream.
func LooksLikeQuestion(seg transcript.Segment) bool {
	text := strings.TrimSpace(seg.Text)
	norm := transcript.Normalize(text)
	if transcript.WordCount(norm) < minQuestionWords {
		return false
	}
	if strings.HasSuffix(text, "?") {
		return true
	}
	for _, opener := range interrogativeOpeners {
		if norm == opener || strings.HasPrefix(norm, opener+" ") {
			return true
		}
	}
	padded := " " + norm + " "
	for _, phrase := range interrogativePhrases {
		if strings.Contains(padded, " "+phrase+" ") {
			return true
		}
	}
	return false
}
