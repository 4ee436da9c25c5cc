// Package fare prices rides from a tariff and the straight-line trip
// distance. Everything here is pure and deterministic.
package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MinDistanceKm is charged even when pickup and destination coincide.
const MinDistanceKm = 1.0

// Estimate quotes a ride from pickup to destination under t.
func Estimate(pickup, destination models.Coord, t models.Tariff) models.FareQuote {
	return Quote(geo.Distance(pickup, destination), t)
}

// Quote prices a known distance. The amount never drops below the base fare.
func Quote(distanceKm float64, t models.Tariff) models.FareQuote {
	km := distanceKm
	if km < MinDistanceKm || math.IsNaN(km) {
		km = MinDistanceKm
	}
	charge := km * float64(t.PricePerUnit)
	amount := RoundTo(float64(t.BaseFare)+charge, t.RoundingIncrement)
	if amount < t.BaseFare {
		amount = ceilTo(float64(t.BaseFare), t.RoundingIncrement)
	}
	commission := int64(math.Round(float64(amount) * t.CommissionPct / 100))
	return models.FareQuote{
		Amount:         amount,
		Base:           t.BaseFare,
		DistanceCharge: int64(math.Round(charge)),
		DistanceKm:     math.Round(km*100) / 100,
		Commission:     commission,
		DriverPayout:   amount - commission,
		Currency:       t.Currency,
	}
}

// RoundTo rounds v half away from zero to the nearest multiple of inc.
// A non-positive increment rounds to the nearest whole unit.
func RoundTo(v float64, inc int64) int64 {
	if inc <= 0 {
		return int64(math.Round(v))
	}
	return int64(math.Round(v/float64(inc))) * inc
}

func ceilTo(v float64, inc int64) int64 {
	if inc <= 0 {
		return int64(math.Ceil(v))
	}
	return int64(math.Ceil(v/float64(inc))) * inc
}
