package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorScores_AbsentIsNotZero(t *testing.T) {
	var s VectorScores
	s.Set(VectorOcrFidelity, 0.8)
	s.Set(VectorPaletteConsistency, 0.4)

	_, ok := s.Get(VectorMotionAgreement)
	assert.False(t, ok)
	assert.Nil(t, s.MotionAgreement)
	assert.InDelta(t, 0.6, s.Overall(), 1e-9)
	assert.Equal(t, []VectorName{VectorOcrFidelity, VectorPaletteConsistency}, s.Present())
}

func TestVectorScores_OverallEmpty(t *testing.T) {
	assert.Equal(t, 0.0, VectorScores{}.Overall())
}

func TestVectorScores_SetZeroIsPresent(t *testing.T) {
	var s VectorScores
	s.Set(VectorNoveltyVsPrior, 0)
	v, ok := s.Get(VectorNoveltyVsPrior)
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)

	s.Clear(VectorNoveltyVsPrior)
	_, ok = s.Get(VectorNoveltyVsPrior)
	assert.False(t, ok)
}

func TestVectorScores_MeanOf(t *testing.T) {
	var s VectorScores
	s.Set(VectorOcrFidelity, 0.9)
	s.Set(VectorGroundingCompleteness, 0.5)

	m, ok := s.MeanOf([]VectorName{VectorOcrFidelity, VectorGroundingCompleteness, VectorMotionAgreement})
	assert.True(t, ok)
	assert.InDelta(t, 0.7, m, 1e-9)

	_, ok = s.MeanOf([]VectorName{VectorMotionAgreement})
	assert.False(t, ok)
}

func TestLedgerFilter_Matches(t *testing.T) {
	rec := LedgerRecord{ContentType: "image", Goal: "caption", ContentHash: "h1", Outcome: OutcomePending}
	tests := []struct {
		name   string
		filter LedgerFilter
		want   bool
	}{
		{"empty filter", LedgerFilter{}, true},
		{"content type match", LedgerFilter{ContentType: "image"}, true},
		{"content type mismatch", LedgerFilter{ContentType: "document"}, false},
		{"hash mismatch", LedgerFilter{ContentHash: "h2"}, false},
		{"outcome mismatch", LedgerFilter{Outcome: OutcomeAccepted}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(rec))
		})
	}
}
