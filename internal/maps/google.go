package maps

import (
	"context"
	"fmt"

	gmaps "googlemaps.github.io/maps"

	"github.com/example/rideshare/internal/models"
)

// Google serves both geocoding and driving routes from the Google Maps
// Platform.
type Google struct {
	client *gmaps.Client
}

func NewGoogle(apiKey string) (*Google, error) {
	client, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Google{client: client}, nil
}

func (g *Google) Geocode(ctx context.Context, address string) (models.Coord, error) {
	res, err := g.client.Geocode(ctx, &gmaps.GeocodingRequest{Address: address})
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocode %q: %v: %w", address, err, ErrUnavailable)
	}
	if len(res) == 0 {
		return models.Coord{}, fmt.Errorf("geocode %q: %w", address, ErrNotFound)
	}
	loc := res[0].Geometry.Location
	return models.Coord{Lat: loc.Lat, Lng: loc.Lng}, nil
}

func (g *Google) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	routes, _, err := g.client.Directions(ctx, &gmaps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        gmaps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, fmt.Errorf("directions: %v: %w", err, ErrUnavailable)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("directions: no route: %w", ErrUnavailable)
	}
	leg := routes[0].Legs[0]
	return Route{DistanceMeters: float64(leg.Distance.Meters), Duration: leg.Duration}, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%f,%f", c.Lat, c.Lng)
}
