package matcher

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
)

func TestChooseEarlierUpdateIfDistanceEqual(t *testing.T) {
	now := time.Now()
	cands := []geo.Candidate{
		{DriverID: "A", DistanceKm: 1.0, Updated: now},
		{DriverID: "B", DistanceKm: 1.0, Updated: now.Add(-time.Second)},
	}
	ranked := Nearest{}.Rank(cands)
	if len(ranked) == 0 {
		t.Fatal("no match")
	}
	if ranked[0].DriverID != "B" {
		t.Fatalf("expected B, got %s", ranked[0].DriverID)
	}
}

func TestChooseLowerIDOnFullTie(t *testing.T) {
	now := time.Now()
	cands := []geo.Candidate{
		{DriverID: "d2", DistanceKm: 1.0, Updated: now},
		{DriverID: "d1", DistanceKm: 1.0, Updated: now},
	}
	ranked := Nearest{}.Rank(cands)
	if ranked[0].DriverID != "d1" {
		t.Fatalf("expected d1, got %s", ranked[0].DriverID)
	}
}

func TestRankDoesNotMutateInput(t *testing.T) {
	cands := []geo.Candidate{
		{DriverID: "far", DistanceKm: 3},
		{DriverID: "near", DistanceKm: 1},
		{DriverID: "mid", DistanceKm: 2},
	}
	ranked := Nearest{MaxTries: 2}.Rank(cands)
	if len(ranked) != 2 || ranked[0].DriverID != "near" || ranked[1].DriverID != "mid" {
		t.Fatalf("unexpected ranking %+v", ranked)
	}
	if cands[0].DriverID != "far" {
		t.Fatalf("input reordered")
	}
}

func TestRankEmpty(t *testing.T) {
	ranked := Nearest{}.Rank(nil)
	if len(ranked) != 0 {
		t.Fatalf("expected no candidates, got %+v", ranked)
	}
}
