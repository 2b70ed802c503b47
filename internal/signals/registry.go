package signals

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

// #region registry

// ErrInvalidTarget is returned when a strategy names no vector, an unknown
// vector, or NoveltyVsPrior (which is derived from the ledger, not signals).
var ErrInvalidTarget = errors.New("signals: invalid vector target")

type prefixRule struct {
	prefix   string
	strategy Strategy
}

// Registry resolves a signal key to its Strategy: an exact key match wins,
// then the longest matching prefix. Register during setup; lookups are safe
// for concurrent use once registration is done.
type Registry struct {
	exact    map[string]Strategy
	prefixes []prefixRule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{exact: make(map[string]Strategy)}
}

// Register binds key to s, replacing any previous exact binding.
func (r *Registry) Register(key string, s Strategy) error {
	if err := checkTargets(s); err != nil {
		return fmt.Errorf("register %q: %w", key, err)
	}
	r.exact[key] = s
	return nil
}

// RegisterPrefix binds every key starting with prefix to s.
func (r *Registry) RegisterPrefix(prefix string, s Strategy) error {
	if err := checkTargets(s); err != nil {
		return fmt.Errorf("register prefix %q: %w", prefix, err)
	}
	for i, p := range r.prefixes {
		if p.prefix == prefix {
			r.prefixes[i].strategy = s
			return nil
		}
	}
	r.prefixes = append(r.prefixes, prefixRule{prefix: prefix, strategy: s})
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
	return nil
}

// Lookup returns the strategy for key.
func (r *Registry) Lookup(key string) (Strategy, bool) {
	if s, ok := r.exact[key]; ok {
		return s, true
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.strategy, true
		}
	}
	return nil, false
}

// Clone returns an independent copy that can be extended without touching r.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		exact:    make(map[string]Strategy, len(r.exact)),
		prefixes: append([]prefixRule(nil), r.prefixes...),
	}
	for k, v := range r.exact {
		out.exact[k] = v
	}
	return out
}

func checkTargets(s Strategy) error {
	vs := s.Vectors()
	if len(vs) == 0 {
		return ErrInvalidTarget
	}
	for _, v := range vs {
		if !v.Valid() || v == model.VectorNoveltyVsPrior {
			return fmt.Errorf("%w: %s", ErrInvalidTarget, v)
		}
	}
	return nil
}

// #endregion registry

// #region normalize

// Normalized is a recognized signal with its strength and target vectors.
type Normalized struct {
	Signal   model.Signal
	Strength float64
	Vectors  []model.VectorName
}

// Normalize resolves and applies the strategy for sig. ok is false for
// unknown keys and uninterpretable values.
func (r *Registry) Normalize(sig model.Signal) (Normalized, bool) {
	s, ok := r.Lookup(sig.Key)
	if !ok {
		return Normalized{}, false
	}
	strength, ok := s.Normalize(sig)
	if !ok {
		return Normalized{}, false
	}
	return Normalized{Signal: sig, Strength: strength, Vectors: s.Vectors()}, true
}

// NormalizeAll normalizes a bag, dropping what it cannot interpret. When a
// key repeats, only its last occurrence is considered.
func (r *Registry) NormalizeAll(bag []model.Signal) []Normalized {
	last := make(map[string]int, len(bag))
	for i, sig := range bag {
		last[sig.Key] = i
	}
	out := make([]Normalized, 0, len(last))
	for i, sig := range bag {
		if last[sig.Key] != i {
			continue
		}
		if n, ok := r.Normalize(sig); ok {
			out = append(out, n)
		}
	}
	return out
}

// #endregion normalize
