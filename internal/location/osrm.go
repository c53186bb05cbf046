package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/truck-booking/internal/geo"
	"github.com/example/truck-booking/internal/models"
)

// OSRMClient performs road-distance lookups against an OSRM HTTP server,
// falling back to straight-line distance when the server cannot answer.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	Cache    *Cache
	Logger   *slog.Logger
}

func NewOSRMClient(endpoint string, cache *Cache, logger *slog.Logger) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}, Cache: cache, Logger: logger}
}

func (o *OSRMClient) Distance(ctx context.Context, from, to models.Coord) (float64, error) {
	if o.Cache != nil {
		if v, ok := o.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	km, err := o.route(ctx, from, to)
	if err != nil {
		if o.Logger != nil {
			o.Logger.Warn("osrm route failed, using straight-line distance", "error", err)
		}
		return geo.DistanceKm(from, to), nil
	}
	if o.Cache != nil {
		o.Cache.Set(from, to, km)
	}
	return km, nil
}

func (o *OSRMClient) route(ctx context.Context, from, to models.Coord) (float64, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Distance / 1000, nil
}
