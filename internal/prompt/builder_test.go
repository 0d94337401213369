package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdplabs/guidance/internal/calibration"
)

func snapshot(answers map[string]string) *calibration.Snapshot {
	return &calibration.Snapshot{ProgramID: "prog-1", Answers: answers}
}

func TestBuildIsDeterministic(t *testing.T) {
	b := NewBuilder()
	snap := snapshot(map[string]string{
		"team_weight":      "9",
		"market_weight":    "5",
		"revenue_weight":   "3",
		"risk_tolerance":   "moderate",
		"stage_preference": "seed",
		"thesis_free_text": "We back technical founders in dull markets.",
	})

	first, firstHints, err := b.Build(snap)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, hints, err := b.Build(snap)
		require.NoError(t, err)
		assert.Equal(t, first, again, "prompt text must be byte-identical across calls")
		assert.Equal(t, firstHints, hints)
	}
}

func TestBuildEnumeratesBaseCategories(t *testing.T) {
	b := NewBuilder()
	text, _, err := b.Build(snapshot(map[string]string{"risk_tolerance": "high"}))
	require.NoError(t, err)

	for _, cat := range BaseCategories {
		assert.Contains(t, text, cat.Name)
	}
}

func TestBuildImportanceScales(t *testing.T) {
	b := NewBuilder()
	text, hints, err := b.Build(snapshot(map[string]string{
		"team_weight":    "9",
		"market_weight":  "5",
		"revenue_weight": "3",
	}))
	require.NoError(t, err)

	assert.InDelta(t, 0.9, hints["team"], 0.001)
	assert.InDelta(t, 0.5, hints["market"], 0.001)
	assert.InDelta(t, 0.3, hints["revenue"], 0.001)

	assert.Contains(t, text, "team weight: 9 (critical importance)")
	assert.Contains(t, text, "market weight: 5 (moderate importance)")
	assert.Contains(t, text, "revenue weight: 3 (low importance)")
}

func TestBuildTruncatesFreeText(t *testing.T) {
	b := NewBuilderWithCategories(BaseCategories, 50)
	long := strings.Repeat("a", 500)
	text, _, err := b.Build(snapshot(map[string]string{"thesis": long}))
	require.NoError(t, err)

	assert.NotContains(t, text, long)
	assert.Contains(t, text, strings.Repeat("a", 50)+"...")
}

func TestBuildTruncatesOnRuneBoundary(t *testing.T) {
	b := NewBuilderWithCategories(BaseCategories, 10)
	// 4 runes x 3 bytes: byte 10 falls inside the fourth rune.
	text, _, err := b.Build(snapshot(map[string]string{"thesis": "日本語思考は深い"}))
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(text))
	assert.Contains(t, text, "日本語"+"...")
}

func TestBuildNonNumericWeightAnswerIsVerbatim(t *testing.T) {
	b := NewBuilder()
	text, hints, err := b.Build(snapshot(map[string]string{"team_weight": "very high"}))
	require.NoError(t, err)

	assert.Empty(t, hints)
	assert.Contains(t, text, "team weight: very high")
}

func TestBuildEmptyCategoriesIsConfigurationError(t *testing.T) {
	b := NewBuilderWithCategories(nil, 0)
	_, _, err := b.Build(snapshot(map[string]string{"x": "y"}))
	assert.ErrorIs(t, err, ErrNoCategories)
}
