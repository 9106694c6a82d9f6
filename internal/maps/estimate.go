package maps

import (
	"context"
	"errors"
	"time"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
)

// StraightLine estimates routes as great-circle distance at a constant
// speed. It never fails and serves as the last-resort router.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) Route(_ context.Context, from, to models.Coord) (Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	return Route{DistanceMeters: d, Duration: time.Duration(d / speed * float64(time.Second))}, nil
}

type fallbackRouter struct {
	primary, secondary Router
}

// WithFallback answers from secondary whenever primary is unavailable.
func WithFallback(primary, secondary Router) Router {
	if primary == nil {
		return secondary
	}
	return fallbackRouter{primary: primary, secondary: secondary}
}

func (f fallbackRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := f.primary.Route(ctx, from, to)
	if err == nil {
		return r, nil
	}
	if ctx.Err() != nil {
		return Route{}, err
	}
	if errors.Is(err, ErrUnavailable) {
		observability.ProviderFailures.WithLabelValues("route").Inc()
	}
	return f.secondary.Route(ctx, from, to)
}
