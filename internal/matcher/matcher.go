// Package matcher decides which of the eligible drivers a ride is offered
// to, and in what order the engine falls back when a driver is lost to a
// concurrent assignment.
package matcher

import (
	"github.com/example/ride-dispatch/internal/geo"
)

// Policy orders candidates in the sequence they should be tried.
type Policy interface {
	Rank(cands []geo.Candidate) []geo.Candidate
}

// Nearest ranks by straight-line distance with the deterministic tie-break
// of geo.SortCandidates. It never mutates its input.
type Nearest struct {
	// MaxTries caps how many candidates are returned; zero means all.
	MaxTries int
}

func (n Nearest) Rank(cands []geo.Candidate) []geo.Candidate {
	out := make([]geo.Candidate, len(cands))
	copy(out, cands)
	geo.SortCandidates(out)
	if n.MaxTries > 0 && len(out) > n.MaxTries {
		out = out[:n.MaxTries]
	}
	return out
}
