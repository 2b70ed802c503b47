package signals

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

func sig(key string, v any) model.Signal {
	return model.Signal{Key: key, Value: v, Confidence: 1}
}

// #region kinds-tests

func TestStrategies(t *testing.T) {
	ocr := model.VectorOcrFidelity
	tests := []struct {
		name  string
		s     Strategy
		value any
		want  float64
		ok    bool
	}{
		{"unit in range", Unit(ocr), 0.42, 0.42, true},
		{"unit clamps high", Unit(ocr), 1.7, 1, true},
		{"unit clamps low", Unit(ocr), -3.0, 0, true},
		{"unit int", Unit(ocr), 1, 1, true},
		{"unit numeric string", Unit(ocr), " 0.25 ", 0.25, true},
		{"unit json number", Unit(ocr), json.Number("0.5"), 0.5, true},
		{"unit rejects words", Unit(ocr), "high", 0, false},
		{"unit rejects NaN", Unit(ocr), math.NaN(), 0, false},
		{"unit rejects bool", Unit(ocr), true, 0, false},
		{"range midpoint", Range(0, 200, false, ocr), 50.0, 0.25, true},
		{"range inverted", Range(1, 12, true, ocr), 1.0, 1, true},
		{"range degenerate", Range(5, 5, false, ocr), 5.0, 0, false},
		{"signed negative", Signed(ocr), -1.0, 0, true},
		{"signed zero", Signed(ocr), 0.0, 0.5, true},
		{"bool true", Bool(ocr), true, 1, true},
		{"bool string", Bool(ocr), "false", 0, true},
		{"bool number", Bool(ocr), 3.0, 1, true},
		{"bool garbage", Bool(ocr), "maybe", 0, false},
		{"text saturates", Text(2, ocr), "one two three", 1, true},
		{"text partial", Text(4, ocr), "one two", 0.5, true},
		{"text empty", Text(4, ocr), "", 0, true},
		{"text rejects number", Text(4, ocr), 3.0, 0, false},
		{"categorical hit", Categorical(map[string]float64{"Photo": 0.5}, ocr), "photo", 0.5, true},
		{"categorical miss", Categorical(map[string]float64{"photo": 0.5}, ocr), "sketch", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.s.Normalize(sig("k", tt.value))
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

// #endregion kinds-tests

// #region registry-tests

func TestRegistryExactBeatsPrefix(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPrefix("ocr.", Unit(model.VectorOcrFidelity)))
	require.NoError(t, r.Register("ocr.text", Text(2, model.VectorGroundingCompleteness)))

	n, ok := r.Normalize(sig("ocr.text", "a b"))
	require.True(t, ok)
	assert.Equal(t, []model.VectorName{model.VectorGroundingCompleteness}, n.Vectors)

	n, ok = r.Normalize(sig("ocr.confidence", 0.7))
	require.True(t, ok)
	assert.Equal(t, []model.VectorName{model.VectorOcrFidelity}, n.Vectors)
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPrefix("a.", Unit(model.VectorOcrFidelity)))
	require.NoError(t, r.RegisterPrefix("a.b.", Unit(model.VectorMotionAgreement)))

	s, ok := r.Lookup("a.b.c")
	require.True(t, ok)
	assert.Equal(t, []model.VectorName{model.VectorMotionAgreement}, s.Vectors())
}

func TestRegistryRejectsInvalidTargets(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register("x", Unit(model.VectorNoveltyVsPrior)), ErrInvalidTarget)
	assert.ErrorIs(t, r.Register("x", Unit()), ErrInvalidTarget)
	assert.ErrorIs(t, r.Register("x", Unit("sharpness")), ErrInvalidTarget)
}

func TestNormalizeAllSkipsUnknownAndMalformed(t *testing.T) {
	bag := []model.Signal{
		sig("TextLikeliness", 0.9),
		sig("no.such.signal", 0.9),
		sig("motion.detected", "sometimes"),
		sig("color.saturation", 0.4),
	}
	got := Default().NormalizeAll(bag)
	require.Len(t, got, 2)
	assert.Equal(t, "TextLikeliness", got[0].Signal.Key)
	assert.Equal(t, "color.saturation", got[1].Signal.Key)
}

func TestNormalizeAllLaterDuplicateWins(t *testing.T) {
	got := Default().NormalizeAll([]model.Signal{
		sig("TextLikeliness", 0.2),
		sig("color.saturation", 0.4),
		sig("TextLikeliness", 0.8),
	})
	require.Len(t, got, 2)
	assert.Equal(t, "color.saturation", got[0].Signal.Key)
	assert.InDelta(t, 0.8, got[1].Strength, 1e-9)

	got = Default().NormalizeAll([]model.Signal{sig("TextLikeliness", 0.2), sig("TextLikeliness", "bad")})
	assert.Empty(t, got)
}

func TestCloneIsIndependent(t *testing.T) {
	base := Default()
	c := base.Clone()
	require.NoError(t, c.Register("custom.signal", Unit(model.VectorOcrFidelity)))

	_, ok := base.Lookup("custom.signal")
	assert.False(t, ok)
	_, ok = c.Lookup("custom.signal")
	assert.True(t, ok)
}

// #endregion registry-tests

// #region rule-tests

func TestApplyRules(t *testing.T) {
	r := Default()
	err := r.Apply([]Rule{
		{Key: "audio.", Kind: "unit", Vectors: []string{"motion_agreement"}},
		{Key: "audio.*", Kind: "unit", Vectors: []string{"motion_agreement"}},
		{Key: "TextLikeliness", Kind: "range", Min: 0, Max: 10, Vectors: []string{"ocr_fidelity"}},
	})
	require.NoError(t, err)

	_, ok := r.Lookup("audio.sync")
	assert.True(t, ok)
	n, ok := r.Normalize(sig("TextLikeliness", 5.0))
	require.True(t, ok)
	assert.InDelta(t, 0.5, n.Strength, 1e-9)
}

func TestApplyRulesErrors(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"no key", Rule{Kind: "unit", Vectors: []string{"ocr_fidelity"}}},
		{"unknown kind", Rule{Key: "k", Kind: "sigmoid", Vectors: []string{"ocr_fidelity"}}},
		{"bad range", Rule{Key: "k", Kind: "range", Min: 1, Max: 1, Vectors: []string{"ocr_fidelity"}}},
		{"empty table", Rule{Key: "k", Kind: "categorical", Vectors: []string{"ocr_fidelity"}}},
		{"novelty target", Rule{Key: "k", Kind: "unit", Vectors: []string{"novelty_vs_prior"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewRegistry().Apply([]Rule{tt.rule}))
		})
	}
}

// #endregion rule-tests

// #region metadata-tests

func TestFromMetadata(t *testing.T) {
	assert.Nil(t, FromMetadata(nil))

	sentiment, complexity := -0.5, 0.3
	got := FromMetadata(&model.Metadata{
		Tone:           "formal",
		Sentiment:      &sentiment,
		Complexity:     &complexity,
		PrimarySubject: "invoice",
		Purpose:        "billing",
	})

	byKey := map[string]model.Signal{}
	for _, s := range got {
		assert.True(t, s.HasTag(TagMetadata))
		byKey[s.Key] = s
	}
	assert.Len(t, byKey, 4)
	assert.NotContains(t, byKey, "meta.aesthetic_score")

	n, ok := Default().Normalize(byKey["meta.sentiment"])
	require.True(t, ok)
	assert.InDelta(t, 0.25, n.Strength, 1e-9)

	n, ok = Default().Normalize(byKey["meta.grounding_fields"])
	require.True(t, ok)
	assert.InDelta(t, 2.0/3, n.Strength, 1e-9)
}

// #endregion metadata-tests
