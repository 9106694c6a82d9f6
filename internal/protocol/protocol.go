// Package protocol defines the realtime messages exchanged with drivers
// and riders. Every frame is a JSON envelope {"type": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/rideshare/internal/models"
)

var ErrMalformed = errors.New("protocol: malformed message")

// Client to core.
const (
	OfferRide      = "offerRide"
	DriverLocation = "driverLocation"
	FindRide       = "findRide"
	RequestRide    = "requestRide"
	RejectRide     = "rejectRide"
	ConfirmRide    = "confirmRide"
	StartRide      = "startRide"
	Dropoff        = "dropoff"
	CancelRide     = "cancelRide"
)

// Core to client. requestRide, confirmRide, driverLocation, startRide,
// dropoff and cancelRide reuse the names above.
const (
	NearbyRides    = "nearbyRides"
	InvalidAddress = "invalidAddress"
	Error          = "error"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RideRef struct {
	RideID string `json:"rideId"`
}

type DriverRef struct {
	DriverID string `json:"driverId"`
}

// RideOffer is what a driver sees for a directed ride request.
type RideOffer struct {
	Ride       models.RideSummary `json:"ride"`
	ETAMinutes int                `json:"etaMinutes"`
}

type AddressProblem struct {
	Address string `json:"address"`
}

type Cancelled struct {
	RideID string `json:"rideId"`
	By     string `json:"by,omitempty"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func Encode(msgType string, data any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Bind unmarshals the envelope data into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Coord binds a location payload and checks its range.
func (e Envelope) Coord() (models.Coord, error) {
	var c models.Coord
	if err := e.Bind(&c); err != nil {
		return c, err
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return c, fmt.Errorf("%w: coordinate out of range", ErrMalformed)
	}
	return c, nil
}

func (e Envelope) RideID() (string, error) {
	var ref RideRef
	if err := e.Bind(&ref); err != nil {
		return "", err
	}
	if ref.RideID == "" {
		return "", fmt.Errorf("%w: %s without rideId", ErrMalformed, e.Type)
	}
	return ref.RideID, nil
}

func (e Envelope) DriverID() (string, error) {
	var ref DriverRef
	if err := e.Bind(&ref); err != nil {
		return "", err
	}
	if ref.DriverID == "" {
		return "", fmt.Errorf("%w: %s without driverId", ErrMalformed, e.Type)
	}
	return ref.DriverID, nil
}
