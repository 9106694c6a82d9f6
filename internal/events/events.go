package events

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
)

// Handler receives one published payload. Handlers of a single subscription
// run sequentially in publish order.
type Handler func(ctx context.Context, payload string)

// Bus is a topic based publish/subscribe fan-out. Publish is fire and
// forget: only subscribers registered at publish time may observe it.
type Bus interface {
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
}

var ErrClosed = errors.New("events: bus closed")

const driverMovementTopic = "driverLocationUpdate"

// DriverMovement is the global topic announcing that the set or positions
// of offering drivers changed.
func DriverMovement() string { return driverMovementTopic }

func RequestRide(driverID string) string { return "requestRide:" + driverID }
func ConfirmRide(rideID string) string   { return "confirmRide:" + rideID }
func CancelRide(rideID string) string    { return "cancelRide:" + rideID }
func StartRide(rideID string) string     { return "startRide:" + rideID }
func Dropoff(rideID string) string       { return "dropoff:" + rideID }

// RideAssigned carries the id of the driver that won the ride, so drivers
// still waiting on it can move on.
func RideAssigned(rideID string) string { return "rideAssigned:" + rideID }

// Cancel payloads name which side of the ride asked for the cancellation.
// A driver cancel also carries the driver's id, see CancelFromDriver.
const (
	CancelByRider  = "rider"
	CancelByDriver = "driver"
)

func CancelFromDriver(driverID string) string { return CancelByDriver + ":" + driverID }

// ParseCancel splits a cancel payload into its side and, for drivers, the
// sender id.
func ParseCancel(payload string) (by, driverID string) {
	by, driverID, _ = strings.Cut(payload, ":")
	return by, driverID
}

var subscriptionSeq atomic.Uint64

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	stop    func()
}

func newSubscription(topic string, h Handler) *Subscription {
	return &Subscription{id: subscriptionSeq.Add(1), topic: topic, handler: h}
}

func (s *Subscription) Topic() string { return s.topic }
func (s *Subscription) ID() uint64    { return s.id }
