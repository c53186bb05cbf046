package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// NominatimClient geocodes free-text places through an OpenStreetMap
// Nominatim search endpoint.
type NominatimClient struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

func NewNominatimClient(endpoint string) *NominatimClient {
	return &NominatimClient{Endpoint: endpoint, UserAgent: "truck-booking/1.0", Client: &http.Client{Timeout: 3 * time.Second}}
}

func (n *NominatimClient) Resolve(ctx context.Context, query string) (models.Location, error) {
	q := url.Values{"q": {query}, "format": {"json"}, "limit": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return models.Location{}, err
	}
	req.Header.Set("User-Agent", n.UserAgent)
	resp, err := n.Client.Do(req)
	if err != nil {
		return models.Location{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Location{}, fmt.Errorf("nominatim status %d", resp.StatusCode)
	}
	var hits []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return models.Location{}, err
	}
	if len(hits) == 0 {
		return models.Location{}, apperr.New(apperr.NotFound, "location.Resolve", "no match for %q", query)
	}
	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return models.Location{}, fmt.Errorf("bad lat %q: %w", hits[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return models.Location{}, fmt.Errorf("bad lon %q: %w", hits[0].Lon, err)
	}
	return models.Location{Name: hits[0].DisplayName, Point: &models.Coord{Lat: lat, Lon: lon}}, nil
}
