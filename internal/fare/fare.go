// Package fare prices a booking from its distance and truck type.
package fare

import (
	"math"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// Config is injected so tariffs can change without touching the calculator.
// Amounts are whole currency units, the unit every Payment carries too.
type Config struct {
	RatePerKm     map[models.TruckType]int64
	MinimumFare   int64
	MaxDistanceKm float64
}

type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	rates := make(map[models.TruckType]int64, len(cfg.RatePerKm))
	for k, v := range cfg.RatePerKm {
		rates[k] = v
	}
	cfg.RatePerKm = rates
	return &Calculator{cfg: cfg}
}

// Compute returns max(minimumFare, rate[truckType]*distanceKm), rounded to a
// whole unit. It has no side effects.
func (c *Calculator) Compute(distanceKm float64, truckType models.TruckType, capacityTons float64) (int64, error) {
	const op = "fare.Compute"
	if math.IsNaN(distanceKm) || distanceKm <= 0 || distanceKm > c.cfg.MaxDistanceKm {
		return 0, apperr.New(apperr.DistanceOutOfRange, op, "distance %.3f km outside (0, %.1f]", distanceKm, c.cfg.MaxDistanceKm)
	}
	if !truckType.Valid() {
		return 0, apperr.New(apperr.InvalidFilters, op, "unknown truck type %q", truckType)
	}
	if capacityTons <= 0 {
		return 0, apperr.New(apperr.InvalidFilters, op, "capacity must be positive")
	}
	rate, ok := c.cfg.RatePerKm[truckType]
	if !ok || rate <= 0 {
		return 0, apperr.New(apperr.InvalidFilters, op, "no rate configured for %s", truckType)
	}
	amount := int64(math.Round(float64(rate) * distanceKm))
	if amount < c.cfg.MinimumFare {
		amount = c.cfg.MinimumFare
	}
	return amount, nil
}
