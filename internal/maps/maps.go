// Package maps wraps the navigation providers used by matching: address
// geocoding and driving routes. Provider failures are reported as
// ErrNotFound or ErrUnavailable and callers treat both as "no result".
package maps

import (
	"context"
	"errors"
	"time"

	"github.com/example/rideshare/internal/models"
)

var (
	ErrNotFound    = errors.New("maps: address not found")
	ErrUnavailable = errors.New("maps: route unavailable")
)

type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, error)
}

// Route is a single driving route between two points.
type Route struct {
	DistanceMeters float64
	Duration       time.Duration
}

// Minutes is the driving duration in fractional minutes.
func (r Route) Minutes() float64 { return r.Duration.Minutes() }

type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

type Navigator interface {
	Geocoder
	Router
}

type navigator struct {
	Geocoder
	Router
}

// Compose pairs a geocoder with a router.
func Compose(g Geocoder, r Router) Navigator {
	return navigator{Geocoder: g, Router: r}
}
