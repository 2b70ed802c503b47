// Package contribution records how each normalized signal fed the quality
// vectors and how well it agreed with its peers.
package contribution

import (
	"math"
	"sort"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/signals"
)

// #region track

// Track builds one contribution per signal, ordered by signal key. A signal's
// peers are the other signals sharing at least one vector with it; its peer
// agreement is the mean of 1-|s_i-s_j| over those peers, or 1.0 with none.
//
// Callers pass the output of signals.Registry.NormalizeAll, which already
// collapses repeated keys.
func Track(ns []signals.Normalized) []model.SignalContribution {
	if len(ns) == 0 {
		return nil
	}
	out := make([]model.SignalContribution, len(ns))
	for i, n := range ns {
		out[i] = model.SignalContribution{
			SignalKey:          n.Signal.Key,
			Strength:           n.Strength,
			ContributedVectors: append([]model.VectorName(nil), n.Vectors...),
			PeerAgreement:      peerAgreement(ns, i),
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SignalKey < out[j].SignalKey })
	return out
}

func peerAgreement(ns []signals.Normalized, i int) float64 {
	var sum float64
	var peers int
	for j := range ns {
		if j == i || !sharesVector(ns[i].Vectors, ns[j].Vectors) {
			continue
		}
		sum += 1 - math.Abs(ns[i].Strength-ns[j].Strength)
		peers++
	}
	if peers == 0 {
		return 1.0
	}
	return sum / float64(peers)
}

func sharesVector(a, b []model.VectorName) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// #endregion track
