package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// Directory is the read model of drivers. Availability is owned elsewhere;
// callers only see snapshots.
type Directory interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.Driver, error)
	Get(ctx context.Context, id string) (models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Get(_ context.Context, id string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	if !ok {
		return models.Driver{}, apperr.New(apperr.NotFound, "geo.Get", "driver %s not found", id)
	}
	return d, nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, lat, lon, radiusKm float64) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Driver, 0, len(g.drivers))
	for _, d := range g.drivers {
		if DistanceKm(models.Coord{Lat: lat, Lon: lon}, d.Loc) > radiusKm {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
