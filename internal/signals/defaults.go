package signals

import "github.com/scottgal/lucidrag-sub005/internal/model"

// #region defaults

// Default returns the registry for the signal keys the analyzer waves emit.
// Exact keys refine the broad prefix families.
func Default() *Registry {
	r := NewRegistry()
	for _, p := range []struct {
		prefix string
		s      Strategy
	}{
		{"ocr.", Unit(model.VectorOcrFidelity)},
		{"motion.", Unit(model.VectorMotionAgreement)},
		{"color.", Unit(model.VectorPaletteConsistency)},
		{"structure.", Unit(model.VectorStructuralAlignment)},
		{"quality.", Unit(model.VectorStructuralAlignment)},
	} {
		mustRegister(r.RegisterPrefix(p.prefix, p.s))
	}

	for key, s := range map[string]Strategy{
		"TextLikeliness":        Unit(model.VectorOcrFidelity),
		"ocr.word_count":        Range(0, 200, false, model.VectorOcrFidelity),
		"ocr.text":              Text(50, model.VectorOcrFidelity),
		"vision.ocr_agreement":  Unit(model.VectorOcrFidelity, model.VectorGroundingCompleteness),
		"motion.detected":       Bool(model.VectorMotionAgreement),
		"motion.frame_delta":    Range(0, 1, true, model.VectorMotionAgreement),
		"color.dominant_count":  Range(1, 12, true, model.VectorPaletteConsistency),
		"quality.blur":          Range(0, 1, true, model.VectorStructuralAlignment),
		"vision.caption":        Text(12, model.VectorGroundingCompleteness),
		"vision.object_count":   Range(0, 20, false, model.VectorGroundingCompleteness),
		"meta.aesthetic_score":  Unit(model.VectorPaletteConsistency),
		"meta.complexity":       Unit(model.VectorStructuralAlignment),
		"meta.sentiment":        Signed(model.VectorGroundingCompleteness),
		"meta.grounding_fields": Unit(model.VectorGroundingCompleteness),
		"meta.tone":             Text(3, model.VectorGroundingCompleteness),
	} {
		mustRegister(r.Register(key, s))
	}
	mustRegister(r.Register("vision.scene", Categorical(map[string]float64{
		"document":   1.0,
		"diagram":    0.9,
		"screenshot": 0.8,
		"photo":      0.5,
		"artwork":    0.3,
	}, model.VectorStructuralAlignment)))
	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// #endregion defaults
