package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/truck-booking/internal/models"
)

// fakeUpdater implements DirectoryUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastKey  string
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastKey, f.lastMeta = key, values
	return nil
}

func testDriver() models.Driver {
	return models.Driver{ID: "d1", Loc: models.Coord{Lat: 23.8, Lon: 90.4}, TruckType: models.TruckPickup,
		CapacityTons: 1.5, Available: true, Verified: true, Rating: 4.5}
}

func TestUpdateDirectoryWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	if err := updateDirectoryWithRetry(context.Background(), f, "drivers_geo", testDriver(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastKey != "driver:meta:d1" || f.lastMeta["truck_type"] != "PICKUP" || f.lastMeta["available"] != "true" {
		t.Fatalf("unexpected metadata write %s %v", f.lastKey, f.lastMeta)
	}
}

func TestUpdateDirectoryWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	if err := updateDirectoryWithRetry(context.Background(), f, "drivers_geo", testDriver(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateDirectoryWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateDirectoryWithRetry(ctx, f, "drivers_geo", testDriver(), 5, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	d, err := decodeSnapshot([]byte(`{"id":"d9","loc":{"lat":1,"lon":2},"truck_type":"LORRY","capacity_tons":5,"available":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "d9" || d.TruckType != models.TruckLorry || d.Updated.IsZero() {
		t.Fatalf("unexpected driver %+v", d)
	}
	for _, raw := range []string{
		`{"truck_type":"LORRY"}`,
		`{"id":"x","truck_type":"BOAT"}`,
		`{"id":"x","truck_type":"LORRY","loc":{"lat":91,"lon":0}}`,
		`not json`,
	} {
		if _, err := decodeSnapshot([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}
