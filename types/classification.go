package types

import "strings"

// Classification is the quality verdict for one produced answer.
// The verdict drives routing: good_answer and neutral finalize, bad_answer
// and contact_request trigger the expert-contact follow-up.
type Classification string

const (
	// ClassificationGoodAnswer means the answer contains the specific
	// requested data (numbers/facts), not merely context around it.
	ClassificationGoodAnswer Classification = "good_answer"

	// ClassificationBadAnswer means the answer explains why data is
	// missing or substitutes narrative for the requested figures.
	ClassificationBadAnswer Classification = "bad_answer"

	// ClassificationNeutral covers greetings and off-topic turns with no
	// data request pending.
	ClassificationNeutral Classification = "neutral"

	// ClassificationContactRequest means the user explicitly asked to be
	// connected with a human, independent of whether data was found.
	ClassificationContactRequest Classification = "contact_request"
)

// NeedsFollowUp reports whether the classification routes to the
// follow-up/expert-offer branch.
func (c Classification) NeedsFollowUp() bool {
	return c == ClassificationBadAnswer || c == ClassificationContactRequest
}

// Valid reports whether c is one of the four known labels.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationGoodAnswer, ClassificationBadAnswer,
		ClassificationNeutral, ClassificationContactRequest:
		return true
	}
	return false
}

// ParseClassification parses a raw label into a Classification.
// Classifier output is free-form LLM text, so parsing is strict: the label
// is trimmed and lowercased, and anything outside the four-label domain
// reports ok=false. Callers must fail closed (treat as bad_answer) rather
// than propagate an open string.
func ParseClassification(raw string) (Classification, bool) {
	c := Classification(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", false
	}
	return c, true
}
