package maps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/rideshare/internal/models"
)

// StaticGeocoder resolves addresses from a fixed table and falls back to
// parsing "lat,lng" literals. Used for local runs without a provider key.
type StaticGeocoder struct {
	Places map[string]models.Coord
}

func (s StaticGeocoder) Geocode(_ context.Context, address string) (models.Coord, error) {
	key := strings.ToLower(strings.TrimSpace(address))
	if c, ok := s.Places[key]; ok {
		return c, nil
	}
	if c, ok := ParseLatLng(key); ok {
		return c, nil
	}
	return models.Coord{}, fmt.Errorf("geocode %q: %w", address, ErrNotFound)
}

// ParseLatLng parses a "lat,lng" literal.
func ParseLatLng(v string) (models.Coord, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return models.Coord{}, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return models.Coord{}, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lng < -180 || lng > 180 {
		return models.Coord{}, false
	}
	return models.Coord{Lat: lat, Lng: lng}, true
}
