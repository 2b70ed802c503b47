package contribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/signals"
)

func norm(key string, strength float64, vs ...model.VectorName) signals.Normalized {
	return signals.Normalized{
		Signal:   model.Signal{Key: key, Value: strength, Confidence: 1},
		Strength: strength,
		Vectors:  vs,
	}
}

func TestTrackEmpty(t *testing.T) {
	assert.Nil(t, Track(nil))
}

func TestSoloSignalAgreesWithItself(t *testing.T) {
	got := Track([]signals.Normalized{norm("motion.flow", 0.3, model.VectorMotionAgreement)})
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].PeerAgreement)
	assert.Equal(t, 0.3, got[0].Strength)
}

func TestPeerAgreement(t *testing.T) {
	ocr, ground := model.VectorOcrFidelity, model.VectorGroundingCompleteness
	got := Track([]signals.Normalized{
		norm("c", 0.9, ocr),
		norm("a", 0.5, ocr, ground),
		norm("b", 0.1, ground),
		norm("z", 0.0, model.VectorPaletteConsistency),
	})
	require.Len(t, got, 4)

	byKey := map[string]model.SignalContribution{}
	for _, c := range got {
		byKey[c.SignalKey] = c
	}
	// a shares with both c (0.4 apart) and b (0.4 apart).
	assert.InDelta(t, 0.6, byKey["a"].PeerAgreement, 1e-9)
	// c only shares with a.
	assert.InDelta(t, 0.6, byKey["c"].PeerAgreement, 1e-9)
	// b only shares with a.
	assert.InDelta(t, 0.6, byKey["b"].PeerAgreement, 1e-9)
	assert.Equal(t, 1.0, byKey["z"].PeerAgreement)
}

func TestTrackOrdersByKey(t *testing.T) {
	got := Track([]signals.Normalized{
		norm("structure.edges", 0.5, model.VectorStructuralAlignment),
		norm("TextLikeliness", 0.9, model.VectorOcrFidelity),
		norm("color.hue", 0.2, model.VectorPaletteConsistency),
	})
	keys := make([]string, len(got))
	for i, c := range got {
		keys[i] = c.SignalKey
	}
	assert.Equal(t, []string{"TextLikeliness", "color.hue", "structure.edges"}, keys)
}

func TestPeerAgreementBounds(t *testing.T) {
	got := Track([]signals.Normalized{
		norm("a", 0, model.VectorOcrFidelity),
		norm("b", 1, model.VectorOcrFidelity),
	})
	for _, c := range got {
		assert.GreaterOrEqual(t, c.PeerAgreement, 0.0)
		assert.LessOrEqual(t, c.PeerAgreement, 1.0)
	}
	assert.Equal(t, 0.0, got[0].PeerAgreement)
}
