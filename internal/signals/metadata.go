package signals

import "github.com/scottgal/lucidrag-sub005/internal/model"

// MetadataConfidence is the confidence attached to signals derived from the
// metadata block.
const MetadataConfidence = 0.6

// TagMetadata marks signals produced by FromMetadata.
const TagMetadata = "metadata"

// #region from-metadata

// FromMetadata turns the optional metadata block into meta.* signals so it
// flows through the same registry as analyzer output. nil yields nothing.
func FromMetadata(m *model.Metadata) []model.Signal {
	if m == nil {
		return nil
	}
	var out []model.Signal
	add := func(key string, v any) {
		out = append(out, model.Signal{
			Key:        key,
			Value:      v,
			Confidence: MetadataConfidence,
			Tags:       []string{TagMetadata},
		})
	}
	if m.Sentiment != nil {
		add("meta.sentiment", *m.Sentiment)
	}
	if m.Complexity != nil {
		add("meta.complexity", *m.Complexity)
	}
	if m.AestheticScore != nil {
		add("meta.aesthetic_score", *m.AestheticScore)
	}
	if m.Tone != "" {
		add("meta.tone", m.Tone)
	}

	described := 0
	for _, f := range []string{m.PrimarySubject, m.Purpose, m.TargetAudience} {
		if f != "" {
			described++
		}
	}
	if described > 0 {
		add("meta.grounding_fields", float64(described)/3)
	}
	return out
}

// #endregion from-metadata
