package capsule

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierStrings(t *testing.T) {
	assert.Equal(t, "free", TierFree.String())
	assert.Equal(t, "dev", TierDev.String())
	assert.Equal(t, "enterprise", TierEnterprise.String())

	assert.Equal(t, TierDev, TierFromString("dev"))
	assert.Equal(t, TierEnterprise, TierFromString("enterprise"))
	assert.Equal(t, TierFree, TierFromString("free"))
	assert.Equal(t, TierFree, TierFromString("platinum"))
}

func TestTierLimits(t *testing.T) {
	assert.Equal(t, int64(200<<20), TierFree.Limit())
	assert.Equal(t, int64(2<<30), TierDev.Limit())
	assert.Equal(t, int64(10<<30), TierEnterprise.Limit())
}

func TestInferTier(t *testing.T) {
	assert.Equal(t, TierFree, inferTier(0))
	assert.Equal(t, TierFree, inferTier(4<<20-1))
	assert.Equal(t, TierDev, inferTier(4<<20))
	assert.Equal(t, TierDev, inferTier(16<<20-1))
	assert.Equal(t, TierEnterprise, inferTier(16<<20))
}

func TestEffectiveTier(t *testing.T) {
	// WAL history can only promote, never demote.
	assert.Equal(t, TierFree, effectiveTier(TierFree, 0))
	assert.Equal(t, TierDev, effectiveTier(TierFree, 5<<20))
	assert.Equal(t, TierEnterprise, effectiveTier(TierEnterprise, 0))
	assert.Equal(t, TierEnterprise, effectiveTier(TierDev, 20<<20))
}

func TestMakeSnippet(t *testing.T) {
	assert.Empty(t, makeSnippet("", nil, 100))
	assert.Equal(t, "short text", makeSnippet("  short text  ", nil, 100))

	// The window centers near the first match position.
	text := strings.Repeat("filler ", 100) + "needle in the middle " + strings.Repeat("filler ", 100)
	pos := int32(strings.Index(text, "needle"))
	snippet := makeSnippet(text, []int32{pos}, 120)
	assert.Contains(t, snippet, "needle")
	assert.LessOrEqual(t, len(snippet), 120)

	// Without positions the snippet starts at the head of the text.
	snippet = makeSnippet(text, nil, 120)
	assert.Contains(t, snippet, "filler")
}
