package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmOneDegreeLatitude(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if math.Abs(d-111.195) > 0.01 {
		t.Fatalf("expected ~111.195km, got %f", d)
	}
}

func TestIndexNearbyRespectsRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 0, Lon: 0.01}})
	_ = idx.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 0, Lon: 1}})

	got, err := idx.Nearby(ctx, 0, 0, 5)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected only near driver, got %+v", got)
	}
}

func TestIndexGetMissing(t *testing.T) {
	_, err := NewIndex().Get(context.Background(), "ghost")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	d := models.Driver{ID: "d1", TruckType: models.TruckLorry, CapacityTons: 7.5, Available: true, Verified: true, Rating: 4.8, TotalTrips: 120}
	raw := MetaFields(d)
	m := make(map[string]string, len(raw))
	for k, v := range raw {
		m[k] = v.(string)
	}
	got := parseMeta("d1", m)
	if got.TruckType != d.TruckType || got.CapacityTons != 7.5 || !got.Matchable() || got.Rating != 4.8 || got.TotalTrips != 120 {
		t.Fatalf("meta lost fields: %+v", got)
	}
}
