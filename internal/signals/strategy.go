// Package signals maps raw analyzer signals onto [0,1] strengths and the
// quality vectors they inform.
package signals

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

// #region strategy

// Strategy normalizes one kind of signal value. ok is false when the value
// cannot be interpreted; the signal is then skipped.
type Strategy interface {
	Normalize(sig model.Signal) (strength float64, ok bool)
	Vectors() []model.VectorName
}

type targets []model.VectorName

func (t targets) Vectors() []model.VectorName { return slices.Clone(t) }

// #endregion strategy

// #region kinds

type unitStrategy struct{ targets }

// Unit accepts a number already in [0,1] and clamps it.
func Unit(vectors ...model.VectorName) Strategy { return unitStrategy{vectors} }

func (s unitStrategy) Normalize(sig model.Signal) (float64, bool) {
	v, ok := number(sig.Value)
	if !ok {
		return 0, false
	}
	return clamp(v), true
}

type rangeStrategy struct {
	targets
	min, max float64
	invert   bool
}

// Range rescales a number from [min,max] to [0,1]. With invert set, min maps to 1.
func Range(min, max float64, invert bool, vectors ...model.VectorName) Strategy {
	return rangeStrategy{targets: vectors, min: min, max: max, invert: invert}
}

func (s rangeStrategy) Normalize(sig model.Signal) (float64, bool) {
	v, ok := number(sig.Value)
	if !ok || s.max <= s.min {
		return 0, false
	}
	out := clamp((v - s.min) / (s.max - s.min))
	if s.invert {
		out = 1 - out
	}
	return out, true
}

type signedStrategy struct{ targets }

// Signed maps a number in [-1,1] to [0,1].
func Signed(vectors ...model.VectorName) Strategy { return signedStrategy{vectors} }

func (s signedStrategy) Normalize(sig model.Signal) (float64, bool) {
	v, ok := number(sig.Value)
	if !ok {
		return 0, false
	}
	return clamp((v + 1) / 2), true
}

type boolStrategy struct{ targets }

// Bool maps true to 1 and false to 0. "true"/"false" strings and numbers
// (non-zero is true) are accepted.
func Bool(vectors ...model.VectorName) Strategy { return boolStrategy{vectors} }

func (s boolStrategy) Normalize(sig model.Signal) (float64, bool) {
	switch v := sig.Value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		if b {
			return 1, true
		}
		return 0, true
	}
	if n, ok := number(sig.Value); ok {
		if n != 0 {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

type textStrategy struct {
	targets
	saturation int
}

// Text scores a string by token count, reaching 1 at saturation tokens.
// An empty string scores 0.
func Text(saturation int, vectors ...model.VectorName) Strategy {
	if saturation < 1 {
		saturation = 1
	}
	return textStrategy{targets: vectors, saturation: saturation}
}

func (s textStrategy) Normalize(sig model.Signal) (float64, bool) {
	str, ok := sig.Value.(string)
	if !ok {
		return 0, false
	}
	return clamp(float64(len(tokenize(str))) / float64(s.saturation)), true
}

type categoricalStrategy struct {
	targets
	table map[string]float64
}

// Categorical looks a string up in table (case-insensitive). Unknown
// categories are not ok.
func Categorical(table map[string]float64, vectors ...model.VectorName) Strategy {
	t := make(map[string]float64, len(table))
	for k, v := range table {
		t[strings.ToLower(k)] = clamp(v)
	}
	return categoricalStrategy{targets: vectors, table: t}
}

func (s categoricalStrategy) Normalize(sig model.Signal) (float64, bool) {
	str, ok := sig.Value.(string)
	if !ok {
		return 0, false
	}
	v, ok := s.table[strings.ToLower(strings.TrimSpace(str))]
	return v, ok
}

// #endregion kinds

// #region helpers

// number extracts a finite float from the value types JSON decoding and
// callers produce.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Tokenize splits text into lowercase whitespace-delimited tokens.
func Tokenize(text string) []string {
	return tokenize(text)
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// clamp restricts v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
