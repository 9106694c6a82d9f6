// Package ride owns the ride record lifecycle: creation, the transition
// authority of each party and the compare-and-set that makes the first
// confirmation win.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/rideshare/internal/maps"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/storage"
)

var (
	ErrInvalidState    = errors.New("ride: invalid state transition")
	ErrInvalidRequest  = errors.New("ride: invalid request")
	ErrActiveRide      = errors.New("ride: rider already has an active ride")
	ErrNegativeBalance = errors.New("ride: account balance is negative")
)

// AddressError reports an address that did not geocode.
type AddressError struct {
	Field   string
	Address string
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid %s address %q: %v", e.Field, e.Address, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

type Actor string

const (
	ActorRider  Actor = "rider"
	ActorDriver Actor = "driver"
)

type edge struct{ from, to models.RideState }

var authority = map[Actor]map[edge]bool{
	ActorRider: {
		{models.RideSearching, models.RidePickingUp}: true,
		{models.RideSearching, models.RideCancelled}: true,
		{models.RidePickingUp, models.RideCancelled}: true,
	},
	ActorDriver: {
		{models.RidePickingUp, models.RideStarted}:   true,
		{models.RidePickingUp, models.RideCancelled}: true,
		{models.RideStarted, models.RideCompleted}:   true,
	},
}

// Allowed reports whether actor may move a ride from one state to another.
func Allowed(actor Actor, from, to models.RideState) bool {
	return from.CanTransitionTo(to) && authority[actor][edge{from, to}]
}

// ValidID reports whether id is a well formed ride id.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

type Service struct {
	Rides      storage.RideStore
	Rejections storage.RejectionStore
	Profiles   storage.ProfileStore
	Accounts   storage.AccountStore
	Geocoder   maps.Geocoder
	Logger     *slog.Logger
	Now        func() time.Time
}

type CreateRequest struct {
	PickupAddress    string               `json:"pickupAddress"`
	DropoffAddress   string               `json:"dropoffAddress"`
	Passengers       int                  `json:"passengers"`
	PreferredVehicle []models.VehicleType `json:"preferredVehicle,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Create opens a ride in Searching for riderID. Both addresses must geocode,
// the rider must have no other active ride and a non-negative balance.
func (s *Service) Create(ctx context.Context, riderID string, req CreateRequest) (*models.Ride, error) {
	req.PickupAddress = strings.TrimSpace(req.PickupAddress)
	req.DropoffAddress = strings.TrimSpace(req.DropoffAddress)
	if req.PickupAddress == "" {
		return nil, fmt.Errorf("pickup address is required: %w", ErrInvalidRequest)
	}
	if req.DropoffAddress == "" {
		return nil, fmt.Errorf("dropoff address is required: %w", ErrInvalidRequest)
	}
	if req.Passengers < 0 {
		return nil, fmt.Errorf("passengers must not be negative: %w", ErrInvalidRequest)
	}
	if req.Passengers == 0 {
		req.Passengers = 1
	}

	if _, err := s.Geocoder.Geocode(ctx, req.PickupAddress); err != nil {
		return nil, &AddressError{Field: "pickup", Address: req.PickupAddress, Err: err}
	}
	if _, err := s.Geocoder.Geocode(ctx, req.DropoffAddress); err != nil {
		return nil, &AddressError{Field: "dropoff", Address: req.DropoffAddress, Err: err}
	}

	profile, err := s.Profiles.GetProfile(ctx, riderID)
	if err != nil {
		return nil, fmt.Errorf("rider profile: %w", err)
	}
	active, err := s.Rides.HasActiveRide(ctx, riderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRide
	}
	balance, err := s.Accounts.Balance(ctx, riderID)
	if err != nil {
		return nil, err
	}
	if balance < 0 {
		return nil, ErrNegativeBalance
	}

	preferred := req.PreferredVehicle
	if preferred == nil {
		preferred = profile.PreferredVehicle
	}
	now := s.now()
	r := &models.Ride{
		ID:               uuid.NewString(),
		PickupAddress:    req.PickupAddress,
		DropoffAddress:   req.DropoffAddress,
		Passengers:       req.Passengers,
		PreferredVehicle: append([]models.VehicleType{}, preferred...),
		CreatedBy:        riderID,
		State:            models.RideSearching,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Rides.CreateRide(ctx, r); err != nil {
		if errors.Is(err, storage.ErrActiveRide) {
			return nil, ErrActiveRide
		}
		return nil, err
	}
	s.logger().Info("ride created", "ride_id", r.ID, "rider_id", riderID, "passengers", r.Passengers)
	return r, nil
}

// Get loads a ride; malformed ids are reported as not found.
func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("ride %q: %w", id, storage.ErrNotFound)
	}
	return s.Rides.GetRide(ctx, id)
}

func (s *Service) List(ctx context.Context, uid string) ([]*models.Ride, error) {
	return s.Rides.ListRidesByUser(ctx, uid)
}

// Transition applies one authorised state change as a compare-and-set.
// A lost race or an unauthorised edge yields ErrInvalidState.
func (s *Service) Transition(ctx context.Context, actor Actor, id string, from, to models.RideState, change storage.Change) error {
	if !Allowed(actor, from, to) {
		return fmt.Errorf("%s may not move ride %s from %s to %s: %w", actor, id, from, to, ErrInvalidState)
	}
	ok, err := s.Rides.TransitionRide(ctx, id, from, to, change)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ride %s is no longer %s: %w", id, from, ErrInvalidState)
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	if from == models.RideSearching && s.Rejections != nil {
		if err := s.Rejections.ClearRejections(ctx, id); err != nil {
			s.logger().Warn("clear rejections failed", "ride_id", id, "error", err)
		}
	}
	return nil
}

// Confirm assigns driverID to a Searching ride. Only the first caller wins;
// everyone else gets ErrInvalidState and the record is left untouched.
func (s *Service) Confirm(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("confirm without driver: %w", ErrInvalidRequest)
	}
	err := s.Transition(ctx, ActorRider, rideID, models.RideSearching, models.RidePickingUp, storage.Change{DriverID: driverID})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			observability.ConfirmConflicts.Inc()
		}
		return nil, err
	}
	observability.MatchesTotal.Inc()
	return s.Rides.GetRide(ctx, rideID)
}

// Cancel moves a Searching or PickingUp ride to Cancelled on behalf of its
// rider. A confirmation landing in between is retried once from PickingUp.
func (s *Service) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	for attempt := 0; attempt < 2; attempt++ {
		r, err := s.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		err = s.Transition(ctx, ActorRider, rideID, r.State, models.RideCancelled, storage.Change{})
		if err == nil {
			return s.Rides.GetRide(ctx, rideID)
		}
		if !errors.Is(err, ErrInvalidState) || r.State != models.RideSearching {
			return nil, err
		}
	}
	return nil, fmt.Errorf("ride %s kept changing: %w", rideID, ErrInvalidState)
}

// Withdraw cancels a PickingUp ride on behalf of its assigned driver. Any
// other driver gets ErrInvalidState and the ride is left alone.
func (s *Service) Withdraw(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("withdraw without driver: %w", ErrInvalidRequest)
	}
	err := s.Transition(ctx, ActorDriver, rideID, models.RidePickingUp, models.RideCancelled, storage.Change{ExpectDriver: driverID})
	if err != nil {
		return nil, err
	}
	return s.Rides.GetRide(ctx, rideID)
}

// Start moves PickingUp to Started for the assigned driver only.
func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	err := s.Transition(ctx, ActorDriver, rideID, models.RidePickingUp, models.RideStarted, storage.Change{ExpectDriver: driverID})
	if err != nil {
		return nil, err
	}
	return s.Rides.GetRide(ctx, rideID)
}

// Complete freezes the fare onto a Started ride and marks it Completed.
func (s *Service) Complete(ctx context.Context, rideID, driverID string, fare models.FareBreakdown) (*models.Ride, error) {
	err := s.Transition(ctx, ActorDriver, rideID, models.RideStarted, models.RideCompleted, storage.Change{ExpectDriver: driverID, Fare: &fare})
	if err != nil {
		return nil, err
	}
	observability.FareTotalMinor.Add(float64(fare.Total))
	return s.Rides.GetRide(ctx, rideID)
}

// Summary renders a ride for clients, resolving party names.
func (s *Service) Summary(ctx context.Context, r *models.Ride) models.RideSummary {
	out := models.RideSummary{
		ID:               r.ID,
		PickupAddress:    r.PickupAddress,
		DropoffAddress:   r.DropoffAddress,
		Passengers:       r.Passengers,
		PreferredVehicle: r.PreferredVehicle,
		State:            r.State,
		Payment:          r.Fare,
	}
	ids := []string{r.CreatedBy}
	if r.DriverID != "" {
		ids = append(ids, r.DriverID)
	}
	profiles, err := s.Profiles.GetProfiles(ctx, ids)
	if err != nil {
		s.logger().Warn("profile lookup failed", "ride_id", r.ID, "error", err)
	}
	if p, ok := profiles[r.CreatedBy]; ok {
		out.CreatedBy.Name = p.Name
	}
	if r.DriverID != "" {
		out.Driver = &models.PartyName{}
		if p, ok := profiles[r.DriverID]; ok {
			out.Driver.Name = p.Name
		}
	}
	return out
}
