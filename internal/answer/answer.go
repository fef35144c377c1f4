// Package answer decides whether a spoken transcript matches what a lesson
// expects, ignoring case and punctuation.
package answer

import (
	"context"
	"strings"
)

const (
	// CompareThreshold is the word-overlap ratio Compare requires.
	CompareThreshold = 0.7
	// ValidThreshold is the confidence Validate requires.
	ValidThreshold = 0.2
)

var punctuation = strings.NewReplacer(".", "", ",", "", "!", "", "?", "", ";", "", ":", "", "¡", "", "¿", "")

// Normalize lowercases text, strips sentence punctuation (including the
// inverted ¡ and ¿) and collapses whitespace.
func Normalize(text string) string {
	text = punctuation.Replace(strings.ToLower(text))
	return strings.Join(strings.Fields(text), " ")
}

// Compare reports whether user says the same thing as expected: equal,
// one containing the other, or enough overlapping words. An empty side is
// contained in anything.
func Compare(user, expected string) bool {
	u, e := Normalize(user), Normalize(expected)
	if u == e || strings.Contains(u, e) || strings.Contains(e, u) {
		return true
	}
	return overlap(strings.Fields(u), strings.Fields(e)) >= CompareThreshold
}

// Verdict is the outcome of Validate.
type Verdict struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
	Matched    string  `json:"matched,omitempty"`
}

// Validate scores user against each accepted answer and keeps the best.
// An exact normalized match wins immediately with confidence 1.
func Validate(user string, expected ...string) Verdict {
	u := Normalize(user)
	userWords := strings.Fields(u)

	var (
		best      Verdict
		haveMatch bool
	)
	for _, want := range expected {
		e := Normalize(want)
		if u == e {
			return Verdict{Valid: true, Confidence: 1, Matched: want}
		}

		expectedWords := strings.Fields(e)
		if len(userWords) == 0 || len(expectedWords) == 0 {
			continue
		}
		if conf := overlap(userWords, expectedWords); !haveMatch || conf > best.Confidence {
			best = Verdict{Confidence: conf, Matched: want}
			haveMatch = true
		}
	}

	if haveMatch && best.Confidence >= ValidThreshold {
		best.Valid = true
		return best
	}
	return Verdict{Confidence: best.Confidence}
}

// Expect returns a predicate accepting transcripts that validate against
// any of the expected answers.
func Expect(expected ...string) func(context.Context, string) (bool, error) {
	answers := append([]string(nil), expected...)
	return func(_ context.Context, transcript string) (bool, error) {
		return Validate(transcript, answers...).Valid, nil
	}
}

// AnyText returns a predicate accepting any non-blank transcript.
func AnyText() func(context.Context, string) (bool, error) {
	return func(_ context.Context, transcript string) (bool, error) {
		return strings.TrimSpace(transcript) != "", nil
	}
}

// overlap is the share of user words that match some expected word, over
// the longer of the two lists.
func overlap(userWords, expectedWords []string) float64 {
	matching := 0
	for _, w := range userWords {
		for _, e := range expectedWords {
			if w == e || strings.Contains(w, e) || strings.Contains(e, w) {
				matching++
				break
			}
		}
	}
	return float64(matching) / float64(max(len(userWords), len(expectedWords)))
}
