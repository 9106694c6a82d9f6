// Package session holds the per-connection state machines: a driver
// offering rides and a rider negotiating one ride. Sessions talk to each
// other only through the event bus and the ride store.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/fare"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/maps"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrGeocode           = errors.New("session: pickup address did not geocode")
)

const DefaultSearchRadiusKm = 5

// Outbound delivers a message to the session's client.
type Outbound interface {
	Send(msgType string, data any) error
}

// LocationSink mirrors driver positions to an external stream.
type LocationSink interface {
	PublishLocation(ctx context.Context, driverID string, loc models.Coord) error
	PublishOffline(ctx context.Context, driverID string) error
}

// Settler posts a completed ride's fare to the parties' accounts.
type Settler interface {
	Settle(ctx context.Context, r *models.Ride) error
}

type Deps struct {
	Index      geo.Index
	Bus        events.Bus
	Rides      *ride.Service
	Profiles   storage.ProfileStore
	Rejections storage.RejectionStore
	Navigator  maps.Navigator
	Fare       fare.Schedule

	// Optional.
	Settler        Settler
	Locations      LocationSink
	SearchRadiusKm float64
	Logger         *slog.Logger
}

func (d *Deps) radius() float64 {
	if d.SearchRadiusKm > 0 {
		return d.SearchRadiusKm
	}
	return DefaultSearchRadiusKm
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) publishMovement(ctx context.Context) {
	if err := d.Bus.Publish(ctx, events.DriverMovement(), ""); err != nil {
		d.logger().Warn("publish driver movement failed", "error", err)
	}
}
