package signals

import (
	"fmt"
	"strings"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

// #region rule

// Rule is the declarative form of a strategy binding, as read from config.
// Key ending in "*" binds a prefix.
type Rule struct {
	Key        string             `mapstructure:"key" json:"key"`
	Kind       string             `mapstructure:"kind" json:"kind"`
	Vectors    []string           `mapstructure:"vectors" json:"vectors"`
	Min        float64            `mapstructure:"min" json:"min,omitempty"`
	Max        float64            `mapstructure:"max" json:"max,omitempty"`
	Invert     bool               `mapstructure:"invert" json:"invert,omitempty"`
	Saturation int                `mapstructure:"saturation" json:"saturation,omitempty"`
	Table      map[string]float64 `mapstructure:"table" json:"table,omitempty"`
}

// Build turns the rule into a Strategy.
func (rule Rule) Build() (Strategy, error) {
	vectors := make([]model.VectorName, 0, len(rule.Vectors))
	for _, v := range rule.Vectors {
		vectors = append(vectors, model.VectorName(strings.TrimSpace(v)))
	}
	switch strings.ToLower(rule.Kind) {
	case "unit":
		return Unit(vectors...), nil
	case "range":
		if rule.Max <= rule.Min {
			return nil, fmt.Errorf("signals: rule %q: range needs max > min", rule.Key)
		}
		return Range(rule.Min, rule.Max, rule.Invert, vectors...), nil
	case "signed":
		return Signed(vectors...), nil
	case "bool":
		return Bool(vectors...), nil
	case "text":
		return Text(rule.Saturation, vectors...), nil
	case "categorical":
		if len(rule.Table) == 0 {
			return nil, fmt.Errorf("signals: rule %q: categorical needs a table", rule.Key)
		}
		return Categorical(rule.Table, vectors...), nil
	default:
		return nil, fmt.Errorf("signals: rule %q: unknown kind %q", rule.Key, rule.Kind)
	}
}

// Apply registers each rule on r, overriding existing bindings.
func (r *Registry) Apply(rules []Rule) error {
	for _, rule := range rules {
		if rule.Key == "" {
			return fmt.Errorf("signals: rule without key")
		}
		s, err := rule.Build()
		if err != nil {
			return err
		}
		if prefix, ok := strings.CutSuffix(rule.Key, "*"); ok {
			err = r.RegisterPrefix(prefix, s)
		} else {
			err = r.Register(rule.Key, s)
		}
		if err != nil {
			return fmt.Errorf("signals: %w", err)
		}
	}
	return nil
}

// #endregion rule
