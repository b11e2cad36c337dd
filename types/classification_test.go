package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseClassification(t *testing.T) {
	t.Run("known labels", func(t *testing.T) {
		for _, want := range []Classification{
			ClassificationGoodAnswer,
			ClassificationBadAnswer,
			ClassificationNeutral,
			ClassificationContactRequest,
		} {
			got, ok := ParseClassification(string(want))
			require.True(t, ok, "label %q", want)
			assert.Equal(t, want, got)
		}
	})

	t.Run("normalizes case and whitespace", func(t *testing.T) {
		got, ok := ParseClassification("  Good_Answer\n")
		require.True(t, ok)
		assert.Equal(t, ClassificationGoodAnswer, got)
	})

	t.Run("rejects out-of-domain labels", func(t *testing.T) {
		for _, raw := range []string{"", "excellent", "good answer", "bad", "unknown"} {
			_, ok := ParseClassification(raw)
			assert.False(t, ok, "label %q", raw)
		}
	})
}

func TestNeedsFollowUp(t *testing.T) {
	assert.False(t, ClassificationGoodAnswer.NeedsFollowUp())
	assert.False(t, ClassificationNeutral.NeedsFollowUp())
	assert.True(t, ClassificationBadAnswer.NeedsFollowUp())
	assert.True(t, ClassificationContactRequest.NeedsFollowUp())
}

// Property: parsing never yields an invalid classification, whatever the
// classifier model emits.
func TestParseClassificationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.String().Draw(t, "raw")
		c, ok := ParseClassification(raw)
		if ok {
			if !c.Valid() {
				t.Fatalf("parsed invalid classification %q from %q", c, raw)
			}
		} else if c != "" {
			t.Fatalf("failed parse returned non-empty classification %q", c)
		}
	})
}
