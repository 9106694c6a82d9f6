package fare

import (
	"math"

	"github.com/example/rideshare/internal/models"
)

// Schedule holds the fixed pricing constants. Amounts are minor units,
// percentages are whole percents.
type Schedule struct {
	BaseFare      int64
	RatePerKm     int64
	TaxPercent    int64
	DriverPercent int64
}

var Default = Schedule{
	BaseFare:      200,
	RatePerKm:     1,
	TaxPercent:    13,
	DriverPercent: 70,
}

// Compute prices a trip of the given driving distance with the default
// schedule.
func Compute(distanceMeters float64) models.FareBreakdown {
	return Default.Compute(distanceMeters)
}

// Compute is pure and deterministic. Every rounding step is half-up to the
// nearest minor unit.
func (s Schedule) Compute(distanceMeters float64) models.FareBreakdown {
	if distanceMeters < 0 || math.IsNaN(distanceMeters) {
		distanceMeters = 0
	}
	// km * rate * 100 == meters * rate / 10
	distanceFare := int64(math.Floor(distanceMeters*float64(s.RatePerKm)/10 + 0.5))
	subtotal := s.BaseFare + distanceFare
	tax := percentOf(subtotal, s.TaxPercent)
	total := subtotal + tax
	return models.FareBreakdown{
		BaseFare:      s.BaseFare,
		RatePerKm:     s.RatePerKm,
		DistanceFare:  distanceFare,
		Subtotal:      subtotal,
		TaxPercent:    s.TaxPercent,
		Tax:           tax,
		Total:         total,
		DriverPercent: s.DriverPercent,
		DriverPayout:  percentOf(total, s.DriverPercent),
	}
}

// percentOf rounds amount*pct/100 half-up in integer arithmetic so results
// like 1200*13% do not pick up float error.
func percentOf(amount, pct int64) int64 {
	return (amount*pct + 50) / 100
}
