package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/geo"
	"github.com/example/truck-booking/internal/location"
	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/observability"
)

type Geo interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.Driver, error)
	Get(ctx context.Context, id string) (models.Driver, error)
}

type Filters struct {
	TruckType   models.TruckType `json:"truck_type,omitempty"`
	MinCapacity float64          `json:"min_capacity,omitempty"`
	RadiusKm    float64          `json:"radius_km"`
}

type Candidate struct {
	Driver     models.Driver `json:"driver"`
	DistanceKm float64       `json:"distance_km"`
	ETASeconds float64       `json:"eta_seconds"`
}

type Service struct {
	Geo             Geo
	DefaultSpeedMps float64
	TopN            int // 0 means unlimited
}

func (f Filters) validate(op string) error {
	if f.RadiusKm <= 0 {
		return apperr.New(apperr.InvalidFilters, op, "radius must be positive")
	}
	if f.MinCapacity < 0 {
		return apperr.New(apperr.InvalidFilters, op, "minimum capacity cannot be negative")
	}
	if f.TruckType != "" && !f.TruckType.Valid() {
		return apperr.New(apperr.InvalidFilters, op, "unknown truck type %q", f.TruckType)
	}
	return nil
}

// accepts applies the eligibility rules shared by search and re-validation.
func (f Filters) accepts(d models.Driver, distKm float64) bool {
	if !d.Matchable() {
		return false
	}
	if f.TruckType != "" && d.TruckType != f.TruckType {
		return false
	}
	if d.CapacityTons < f.MinCapacity {
		return false
	}
	return distKm <= f.RadiusKm
}

// FindDrivers returns eligible drivers ordered by distance, then rating,
// then completed trips. No eligible driver is an empty result, not an error.
func (s *Service) FindDrivers(ctx context.Context, pickup models.Coord, f Filters) ([]Candidate, error) {
	const op = "matcher.FindDrivers"
	if err := f.validate(op); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	drivers, err := s.Geo.Nearby(ctx, pickup.Lat, pickup.Lon, f.RadiusKm)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		dist := geo.DistanceKm(pickup, d.Loc)
		if !f.accepts(d, dist) {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist, ETASeconds: location.EstimateSeconds(dist, s.DefaultSpeedMps)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Driver.Rating != b.Driver.Rating {
			return a.Driver.Rating > b.Driver.Rating
		}
		if a.Driver.TotalTrips != b.Driver.TotalTrips {
			return a.Driver.TotalTrips > b.Driver.TotalTrips
		}
		return a.Driver.ID < b.Driver.ID
	})
	if s.TopN > 0 && len(out) > s.TopN {
		out = out[:s.TopN]
	}
	observability.MatchResults.Observe(float64(len(out)))
	return out, nil
}

// CheckMatchable re-reads one driver and applies the same rules as
// FindDrivers. It is called at booking time so a stale search result
// cannot book a driver who went offline meanwhile.
func (s *Service) CheckMatchable(ctx context.Context, driverID string, pickup models.Coord, f Filters) (models.Driver, error) {
	const op = "matcher.CheckMatchable"
	if err := f.validate(op); err != nil {
		return models.Driver{}, err
	}
	d, err := s.Geo.Get(ctx, driverID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return models.Driver{}, err
		}
		return models.Driver{}, apperr.Wrap(apperr.Internal, op, err)
	}
	dist := geo.DistanceKm(pickup, d.Loc)
	if !f.accepts(d, dist) {
		return models.Driver{}, apperr.New(apperr.InvalidTransition, op, "driver %s is not matchable (available=%t verified=%t truck=%s capacity=%.1f distance=%.2fkm)",
			d.ID, d.Available, d.Verified, d.TruckType, d.CapacityTons, dist)
	}
	return d, nil
}
