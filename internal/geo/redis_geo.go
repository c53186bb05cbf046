package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// RedisGeo implements Directory using Redis GEO commands plus one hash of
// metadata per driver.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, key)
}

func NewRedisGeoFromClient(c redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
		p.HSet(ctx, MetaKey(d.ID), MetaFields(d))
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("driver meta %s: %w", g.Name, err)
		}
		d := parseMeta(g.Name, m)
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Driver, error) {
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Driver{}, fmt.Errorf("geo pos %s: %w", id, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Driver{}, apperr.New(apperr.NotFound, "geo.Get", "driver %s not found", id)
	}
	m, err := r.client.HGetAll(ctx, MetaKey(id)).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("driver meta %s: %w", id, err)
	}
	d := parseMeta(id, m)
	d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return d, nil
}

func (r *RedisGeo) Close() error { return r.client.Close() }

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash layout shared with the directory sync consumer.
func MetaFields(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"truck_type":    string(d.TruckType),
		"capacity_tons": strconv.FormatFloat(d.CapacityTons, 'f', -1, 64),
		"available":     strconv.FormatBool(d.Available),
		"verified":      strconv.FormatBool(d.Verified),
		"rating":        strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"total_trips":   strconv.Itoa(d.TotalTrips),
		"updated":       d.Updated.UTC().Format(time.RFC3339),
	}
}

func parseMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id, TruckType: models.TruckType(m["truck_type"])}
	d.CapacityTons, _ = strconv.ParseFloat(m["capacity_tons"], 64)
	d.Available = m["available"] == "true"
	d.Verified = m["verified"] == "true"
	d.Rating, _ = strconv.ParseFloat(m["rating"], 64)
	d.TotalTrips, _ = strconv.Atoi(m["total_trips"])
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}
