package fare

import (
	"testing"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

func testCalc() *Calculator {
	return NewCalculator(Config{
		RatePerKm: map[models.TruckType]int64{
			models.TruckMini:   40,
			models.TruckPickup: 50,
			models.TruckLorry:  70,
			models.TruckLarge:  90,
		},
		MinimumFare:   100,
		MaxDistanceKm: 500,
	})
}

func TestComputeRatePerKm(t *testing.T) {
	got, err := testCalc().Compute(10, models.TruckMini, 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != 400 {
		t.Fatalf("expected 400, got %d", got)
	}
}

func TestComputeMinimumFareFloor(t *testing.T) {
	got, err := testCalc().Compute(1, models.TruckPickup, 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != 100 {
		t.Fatalf("expected minimum fare 100, got %d", got)
	}
}

func TestComputeDeterministic(t *testing.T) {
	c := testCalc()
	for _, d := range []float64{0.5, 3.3, 17.25, 499.99} {
		for _, tt := range []models.TruckType{models.TruckMini, models.TruckPickup, models.TruckLorry, models.TruckLarge} {
			a, errA := c.Compute(d, tt, 2)
			b, errB := c.Compute(d, tt, 2)
			if errA != nil || errB != nil {
				t.Fatalf("unexpected errs: %v %v", errA, errB)
			}
			if a != b {
				t.Fatalf("non-deterministic fare for %v/%s: %d vs %d", d, tt, a, b)
			}
		}
	}
}

func TestComputeRejectsBadInput(t *testing.T) {
	c := testCalc()
	cases := []struct {
		name     string
		distance float64
		truck    models.TruckType
		capacity float64
		kind     apperr.Kind
	}{
		{"zero distance", 0, models.TruckMini, 1, apperr.DistanceOutOfRange},
		{"negative distance", -3, models.TruckMini, 1, apperr.DistanceOutOfRange},
		{"too far", 500.1, models.TruckMini, 1, apperr.DistanceOutOfRange},
		{"unknown truck", 10, models.TruckType("BUS"), 1, apperr.InvalidFilters},
		{"no capacity", 10, models.TruckLorry, 0, apperr.InvalidFilters},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Compute(tc.distance, tc.truck, tc.capacity)
			if !apperr.Is(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}
}

func TestConfigCopiedOnConstruction(t *testing.T) {
	rates := map[models.TruckType]int64{models.TruckMini: 40}
	c := NewCalculator(Config{RatePerKm: rates, MinimumFare: 100, MaxDistanceKm: 100})
	rates[models.TruckMini] = 1000
	got, _ := c.Compute(10, models.TruckMini, 1)
	if got != 400 {
		t.Fatalf("calculator should not observe later config mutation, got %d", got)
	}
}
