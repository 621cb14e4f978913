package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "resonance-backend/pkg/errors"
)

func strPtr(s string) *string { return &s }

func TestNewProfile(t *testing.T) {
	t.Run("normalises keywords", func(t *testing.T) {
		p, err := NewProfile(" u1 ", "c1", []string{" Go", "go", "", "Rust "}, nil, nil, time.Now())
		require.NoError(t, err)

		assert.Equal(t, "u1", p.UserID)
		assert.Equal(t, []string{"go", "rust"}, p.Keywords)
		assert.Equal(t, map[string]bool{"go": true, "rust": true}, p.KeywordSet())
	})

	t.Run("rejects empty ids", func(t *testing.T) {
		_, err := NewProfile("", "c1", nil, nil, nil, time.Now())
		assert.True(t, pkgerrors.IsValidation(err))

		_, err = NewProfile("u1", "  ", nil, nil, nil, time.Now())
		assert.True(t, pkgerrors.IsValidation(err))
	})

	t.Run("rejects control characters", func(t *testing.T) {
		_, err := NewProfile("u1\x00u2", "c1", nil, nil, nil, time.Now())
		assert.True(t, pkgerrors.IsValidation(err))

		_, err = NewProfile("u1", "c1\n", nil, nil, nil, time.Now())
		require.NoError(t, err, "surrounding whitespace is trimmed first")
	})

	t.Run("separator characters are legal", func(t *testing.T) {
		p, err := NewProfile("b:c#d|e", "a:b", nil, nil, nil, time.Now())
		require.NoError(t, err)
		assert.Equal(t, "b:c#d|e", p.UserID)
	})
}

func TestProfileOptionalFields(t *testing.T) {
	p := &Profile{UserID: "u1", CommunityID: "c1"}
	assert.Equal(t, "", p.BioText())
	assert.Equal(t, "", p.NormalizedAffiliation())

	p.Bio = strPtr("  builds things  ")
	p.CurrentAffiliation = strPtr("  Kernel ")
	assert.Equal(t, "builds things", p.BioText())
	assert.Equal(t, "kernel", p.NormalizedAffiliation())
}

func TestClampWeight(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-3, 1}, {0, 1}, {1, 1}, {5, 5}, {10, 10}, {15, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampWeight(tt.in), "ClampWeight(%d)", tt.in)
	}
}

func TestNewConnectionPair(t *testing.T) {
	now := time.Now()
	rows := NewConnectionPair("c1", "b", "a", 12, "shared keywords: go", now)

	assert.Equal(t, "b", rows[0].FromID)
	assert.Equal(t, "a", rows[0].ToID)
	assert.Equal(t, "a", rows[1].FromID)
	assert.Equal(t, "b", rows[1].ToID)
	for _, r := range rows {
		assert.Equal(t, MaxWeight, r.Weight)
		assert.True(t, r.HasValidWeight())
		assert.Equal(t, "shared keywords: go", r.Description)
	}
	assert.Equal(t, rows[0].Pair(), rows[1].Pair())
}
