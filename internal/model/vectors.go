package model

// #region vector-name

// VectorName identifies one of the six orthogonal quality vectors.
type VectorName string

const (
	VectorOcrFidelity           VectorName = "ocr_fidelity"
	VectorMotionAgreement       VectorName = "motion_agreement"
	VectorPaletteConsistency    VectorName = "palette_consistency"
	VectorStructuralAlignment   VectorName = "structural_alignment"
	VectorGroundingCompleteness VectorName = "grounding_completeness"
	VectorNoveltyVsPrior        VectorName = "novelty_vs_prior"
)

// AllVectors lists the vectors in their canonical order.
var AllVectors = []VectorName{
	VectorOcrFidelity,
	VectorMotionAgreement,
	VectorPaletteConsistency,
	VectorStructuralAlignment,
	VectorGroundingCompleteness,
	VectorNoveltyVsPrior,
}

// Valid reports whether v is one of the six known vectors.
func (v VectorName) Valid() bool {
	for _, n := range AllVectors {
		if n == v {
			return true
		}
	}
	return false
}

// #endregion vector-name

// #region vector-scores

// VectorScores holds the six quality vectors. A nil field means the vector
// had no applicable signal and is absent; it is never coerced to zero.
type VectorScores struct {
	OcrFidelity           *float64 `json:"ocr_fidelity"`
	MotionAgreement       *float64 `json:"motion_agreement"`
	PaletteConsistency    *float64 `json:"palette_consistency"`
	StructuralAlignment   *float64 `json:"structural_alignment"`
	GroundingCompleteness *float64 `json:"grounding_completeness"`
	NoveltyVsPrior        *float64 `json:"novelty_vs_prior"`
}

func (s *VectorScores) field(name VectorName) **float64 {
	switch name {
	case VectorOcrFidelity:
		return &s.OcrFidelity
	case VectorMotionAgreement:
		return &s.MotionAgreement
	case VectorPaletteConsistency:
		return &s.PaletteConsistency
	case VectorStructuralAlignment:
		return &s.StructuralAlignment
	case VectorGroundingCompleteness:
		return &s.GroundingCompleteness
	case VectorNoveltyVsPrior:
		return &s.NoveltyVsPrior
	}
	return nil
}

// Get returns the score for name and whether it is present.
func (s VectorScores) Get(name VectorName) (float64, bool) {
	f := s.field(name)
	if f == nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// Set stores a present score for name. Unknown names are ignored.
func (s *VectorScores) Set(name VectorName, v float64) {
	if f := s.field(name); f != nil {
		*f = &v
	}
}

// Clear marks name as absent.
func (s *VectorScores) Clear(name VectorName) {
	if f := s.field(name); f != nil {
		*f = nil
	}
}

// Present returns the names of all present vectors in canonical order.
func (s VectorScores) Present() []VectorName {
	var out []VectorName
	for _, n := range AllVectors {
		if _, ok := s.Get(n); ok {
			out = append(out, n)
		}
	}
	return out
}

// Overall is the mean of the present vectors, or 0 when none is present.
func (s VectorScores) Overall() float64 {
	var sum float64
	var n int
	for _, name := range AllVectors {
		if v, ok := s.Get(name); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MeanOf averages the present scores among names.
// ok is false when none of them is present.
func (s VectorScores) MeanOf(names []VectorName) (mean float64, ok bool) {
	var sum float64
	var n int
	for _, name := range names {
		if v, present := s.Get(name); present {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// #endregion vector-scores

// #region contribution

// SignalContribution records how one signal fed the vector scores.
type SignalContribution struct {
	SignalKey          string       `json:"signal_key"`
	Strength           float64      `json:"strength"`
	ContributedVectors []VectorName `json:"contributed_vectors"`
	PeerAgreement      float64      `json:"peer_agreement"`
}

// #endregion contribution
