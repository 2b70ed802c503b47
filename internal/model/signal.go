package model

// #region signal

// Signal is a single named, confidence-scored observation emitted by an
// upstream analyzer. Value holds a float64, string or bool once decoded from JSON.
type Signal struct {
	Key        string   `json:"key"`
	Value      any      `json:"value"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags,omitempty"`
}

// HasTag reports whether the signal carries tag.
func (s Signal) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// #endregion signal

// #region metadata

// Metadata is the optional derived block that accompanies a signal bag.
// Pointer fields are nil when the analyzer did not produce them.
type Metadata struct {
	Tone           string   `json:"tone,omitempty"`
	Sentiment      *float64 `json:"sentiment,omitempty"`       // [-1, 1]
	Complexity     *float64 `json:"complexity,omitempty"`      // [0, 1]
	AestheticScore *float64 `json:"aesthetic_score,omitempty"` // [0, 1]
	PrimarySubject string   `json:"primary_subject,omitempty"`
	Purpose        string   `json:"purpose,omitempty"`
	TargetAudience string   `json:"target_audience,omitempty"`
}

// #endregion metadata
