package calibration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdplabs/guidance/internal/store"
)

func TestHashIsStableAcrossAnswerOrder(t *testing.T) {
	a := &Snapshot{ProgramID: "prog-1", Answers: map[string]string{
		"team_weight":   "9",
		"market_weight": "5",
	}}
	b := &Snapshot{ProgramID: "prog-1", Answers: map[string]string{
		"market_weight": "5",
		"team_weight":   "9",
	}}

	ha, err := a.Hash("gpt-4o")
	require.NoError(t, err)
	hb, err := b.Hash("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashVariesWithAnswersAndModel(t *testing.T) {
	snap := &Snapshot{ProgramID: "prog-1", Answers: map[string]string{"team_weight": "9"}}

	base, err := snap.Hash("gpt-4o")
	require.NoError(t, err)

	other, err := snap.Hash("claude-3-haiku")
	require.NoError(t, err)
	assert.NotEqual(t, base, other, "model id is part of the key")

	changed := &Snapshot{ProgramID: "prog-1", Answers: map[string]string{"team_weight": "8"}}
	h, err := changed.Hash("gpt-4o")
	require.NoError(t, err)
	assert.NotEqual(t, base, h)
}

func TestKeysAreSorted(t *testing.T) {
	snap := &Snapshot{Answers: map[string]string{"c": "3", "a": "1", "b": "2"}}
	assert.Equal(t, []string{"a", "b", "c"}, snap.Keys())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	s.Put("prog-1", "org-1", map[string]string{"team_weight": "9"})

	snap, err := s.Snapshot(context.Background(), "org-1", "prog-1")
	require.NoError(t, err)
	assert.Equal(t, "prog-1", snap.ProgramID)
	assert.Equal(t, "9", snap.Answers["team_weight"])
}

func TestMemoryStoreScopesToOwningOrg(t *testing.T) {
	s := NewMemoryStore()
	s.Put("prog-1", "org-1", map[string]string{"team_weight": "9"})

	// Wrong org and unknown program fail identically.
	_, crossErr := s.Snapshot(context.Background(), "org-2", "prog-1")
	_, unknownErr := s.Snapshot(context.Background(), "org-2", "absent")
	assert.ErrorIs(t, crossErr, store.ErrTenantIsolation)
	assert.ErrorIs(t, unknownErr, store.ErrTenantIsolation)
}

func TestMemoryStoreEmptyAnswers(t *testing.T) {
	s := NewMemoryStore()
	s.Put("prog-1", "org-1", map[string]string{})

	_, err := s.Snapshot(context.Background(), "org-1", "prog-1")
	assert.ErrorIs(t, err, ErrNoCalibration)
}

func TestMemoryStoreCopiesAnswers(t *testing.T) {
	s := NewMemoryStore()
	answers := map[string]string{"team_weight": "9"}
	s.Put("prog-1", "org-1", answers)

	answers["team_weight"] = "1"
	snap, err := s.Snapshot(context.Background(), "org-1", "prog-1")
	require.NoError(t, err)
	assert.Equal(t, "9", snap.Answers["team_weight"], "stored answers are isolated from the caller's map")
}
