package fare

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	victoriaIsland = models.Coord{Lat: 6.4478, Lon: 3.4737}
	ikeja          = models.Coord{Lat: 6.5913, Lon: 3.3506}
)

func TestEstimateLagosTrip(t *testing.T) {
	q := Estimate(victoriaIsland, ikeja, models.DefaultTariff())
	// 1500 + 20.97km * 250 = 6741.4, nearest 50
	if q.Amount != 6750 {
		t.Fatalf("expected 6750, got %d", q.Amount)
	}
	if q.Commission != 1350 || q.DriverPayout != 5400 {
		t.Fatalf("unexpected split %+v", q)
	}
	if q.Currency != "NGN" {
		t.Fatalf("currency=%s", q.Currency)
	}
}

func TestEstimateZeroDistanceChargesFloor(t *testing.T) {
	q := Estimate(victoriaIsland, victoriaIsland, models.DefaultTariff())
	if q.Amount != 1750 {
		t.Fatalf("expected base + 1km = 1750, got %d", q.Amount)
	}
	if q.DistanceKm != MinDistanceKm {
		t.Fatalf("expected distance floor, got %f", q.DistanceKm)
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	tariff := models.DefaultTariff()
	first := Estimate(victoriaIsland, ikeja, tariff)
	for i := 0; i < 100; i++ {
		if got := Estimate(victoriaIsland, ikeja, tariff); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestAmountNeverBelowBase(t *testing.T) {
	cases := []models.Tariff{
		{BaseFare: 1510, PricePerUnit: 0, RoundingIncrement: 50},
		{BaseFare: 1500, PricePerUnit: 10, RoundingIncrement: 1000},
		{BaseFare: 99, PricePerUnit: 0, RoundingIncrement: 0},
		{BaseFare: 0, PricePerUnit: 0, RoundingIncrement: 50},
	}
	for _, tc := range cases {
		q := Quote(0, tc)
		if q.Amount < tc.BaseFare {
			t.Fatalf("tariff %+v: amount %d below base", tc, q.Amount)
		}
	}
}

func TestRoundTo(t *testing.T) {
	cases := []struct {
		v    float64
		inc  int64
		want int64
	}{
		{6741.4, 50, 6750},
		{5375, 50, 5400},
		{5374.9, 50, 5350},
		{1725, 50, 1750},
		{1724.4, 0, 1724},
		{1724.5, 0, 1725},
	}
	for _, tc := range cases {
		if got := RoundTo(tc.v, tc.inc); got != tc.want {
			t.Fatalf("RoundTo(%v,%d)=%d want %d", tc.v, tc.inc, got, tc.want)
		}
	}
}
