package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/protocol"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/storage"
)

type RiderState int

const (
	RiderUnbound RiderState = iota
	RiderSearching
	RiderPickingUp
	RiderStarted
	RiderFinished
	RiderClosed
)

func (s RiderState) String() string {
	switch s {
	case RiderUnbound:
		return "Unbound"
	case RiderSearching:
		return "Searching"
	case RiderPickingUp:
		return "PickingUp"
	case RiderStarted:
		return "Started"
	case RiderFinished:
		return "Finished"
	case RiderClosed:
		return "Closed"
	}
	return fmt.Sprintf("RiderState(%d)", int(s))
}

type riderEvent string

const (
	searchEvent    riderEvent = "search"
	followEvent    riderEvent = "follow pickup"
	rejoinEvent    riderEvent = "follow trip"
	confirmedEvent riderEvent = "confirmed"
	startedEvent   riderEvent = "started"
	droppedEvent   riderEvent = "dropped off"
	cancelledEvent riderEvent = "cancelled"
	closeRiderEv   riderEvent = "close"
)

var riderTransitions = map[RiderState]map[riderEvent]RiderState{
	RiderUnbound: {
		searchEvent:  RiderSearching,
		followEvent:  RiderPickingUp,
		rejoinEvent:  RiderStarted,
		closeRiderEv: RiderClosed,
	},
	RiderSearching: {
		confirmedEvent: RiderPickingUp,
		cancelledEvent: RiderFinished,
		closeRiderEv:   RiderClosed,
	},
	RiderPickingUp: {
		startedEvent:   RiderStarted,
		cancelledEvent: RiderFinished,
		closeRiderEv:   RiderClosed,
	},
	RiderStarted: {
		droppedEvent: RiderFinished,
		closeRiderEv: RiderClosed,
	},
	RiderFinished: {
		closeRiderEv: RiderClosed,
	},
}

// bindEvents maps the stored ride state to the event that binds a session.
var bindEvents = map[models.RideState]riderEvent{
	models.RideSearching: searchEvent,
	models.RidePickingUp: followEvent,
	models.RideStarted:   rejoinEvent,
}

// RiderSession is one rider connection bound to one of the rider's rides.
type RiderSession struct {
	id   string
	deps *Deps
	out  Outbound
	subs *events.Registry
	log  *slog.Logger

	mu       sync.Mutex
	state    RiderState
	ride     *models.Ride
	pickup   models.Coord
	inflight sync.WaitGroup

	// matchMu orders confirmations against driver withdrawals. withdrawn
	// holds drivers that took back a confirmation while the ride searched.
	matchMu   sync.Mutex
	withdrawn map[string]bool
}

func NewRiderSession(id string, deps *Deps, out Outbound) *RiderSession {
	observability.SessionsActive.WithLabelValues("rider").Inc()
	return &RiderSession{
		id:   id,
		deps: deps,
		out:  out,
		subs: events.NewRegistry(deps.Bus),
		log:  deps.logger().With("rider_id", id),
	}
}

func (s *RiderSession) State() RiderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ride returns a copy of the bound ride as last seen by the session.
func (s *RiderSession) Ride() *models.Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ride.Clone()
}

// fireLocked is the only place the rider state changes. r, when given,
// replaces the session's view of the ride.
func (s *RiderSession) fireLocked(ev riderEvent, r *models.Ride) (RiderState, error) {
	next, ok := riderTransitions[s.state][ev]
	if !ok {
		return s.state, fmt.Errorf("%w: rider cannot %s while %s", ErrInvalidTransition, ev, s.state)
	}
	prev := s.state
	s.state = next
	if r != nil {
		s.ride = r
	}
	s.log.Debug("rider transition", "event", string(ev), "from", prev.String(), "to", next.String())
	return prev, nil
}

func (s *RiderSession) fire(ev riderEvent, r *models.Ride) (RiderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(ev, r)
}

func (s *RiderSession) snapshot() (RiderState, *models.Ride, models.Coord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.ride, s.pickup
}

func (s *RiderSession) guard(h events.Handler) events.Handler {
	return func(ctx context.Context, payload string) {
		s.mu.Lock()
		if s.state == RiderClosed {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		defer s.inflight.Done()
		h(ctx, payload)
	}
}

func (s *RiderSession) send(msgType string, data any) {
	if err := s.out.Send(msgType, data); err != nil {
		s.log.Warn("send to rider failed", "type", msgType, "error", err)
	}
}

// Start binds the session to rideID. A missing, malformed or foreign ride
// is reported as storage.ErrNotFound. A pickup that does not geocode is
// reported to the client and leaves the session unbound.
func (s *RiderSession) Start(ctx context.Context, rideID string) error {
	if st := s.State(); st != RiderUnbound {
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, st)
	}
	if !ride.ValidID(rideID) {
		return fmt.Errorf("ride %q: %w", rideID, storage.ErrNotFound)
	}
	r, err := s.deps.Rides.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.CreatedBy != s.id {
		return fmt.Errorf("ride %s for rider %s: %w", rideID, s.id, storage.ErrNotFound)
	}
	ev, ok := bindEvents[r.State]
	if !ok {
		return fmt.Errorf("ride %s is %s: %w", rideID, r.State, ride.ErrInvalidState)
	}

	var pickup models.Coord
	if r.State == models.RideSearching {
		pickup, err = s.deps.Navigator.Geocode(ctx, r.PickupAddress)
		if err != nil {
			observability.ProviderFailures.WithLabelValues("geocode").Inc()
			s.send(protocol.InvalidAddress, protocol.AddressProblem{Address: r.PickupAddress})
			return fmt.Errorf("%w: %v", ErrGeocode, err)
		}
	}

	s.mu.Lock()
	if _, err := s.fireLocked(ev, r); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pickup = pickup
	s.mu.Unlock()

	subs := []struct {
		topic string
		h     events.Handler
	}{
		{events.DriverMovement(), s.onMovement},
		{events.ConfirmRide(rideID), s.onConfirm},
		{events.CancelRide(rideID), s.onCancel},
		{events.StartRide(rideID), s.onStart},
		{events.Dropoff(rideID), s.onDropoff},
	}
	for _, sub := range subs {
		if err := s.subs.Subscribe(ctx, sub.topic, s.guard(sub.h)); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
	}
	s.log.Info("rider session bound", "ride_id", rideID, "ride_state", string(r.State))

	if r.State == models.RideSearching {
		s.refresh(ctx)
	} else {
		s.sendDriverLocation(ctx)
	}
	return nil
}

func (s *RiderSession) onMovement(ctx context.Context, _ string) {
	switch s.State() {
	case RiderSearching:
		s.refresh(ctx)
	case RiderPickingUp, RiderStarted:
		s.sendDriverLocation(ctx)
	}
}

func (s *RiderSession) refresh(ctx context.Context) {
	drivers, err := s.FindNearbyDrivers(ctx)
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			s.log.Warn("nearby drivers failed", "error", err)
		}
		return
	}
	s.send(protocol.NearbyRides, drivers)
}

type candidate struct {
	pos     models.DriverPosition
	profile *models.Profile
}

// FindNearbyDrivers lists the drivers within the search radius who can
// carry the ride and have not rejected it, nearest first. Wait times come
// from the router; a failed lookup reports zero.
func (s *RiderSession) FindNearbyDrivers(ctx context.Context) ([]models.NearbyDriver, error) {
	st, r, pickup := s.snapshot()
	if st != RiderSearching {
		return nil, fmt.Errorf("%w: nearby drivers while %s", ErrInvalidTransition, st)
	}
	start := time.Now()
	defer func() { observability.NearbyQueryLatency.Observe(time.Since(start).Seconds()) }()

	positions, err := s.deps.Index.QueryRadius(ctx, pickup, s.deps.radius())
	if err != nil {
		return nil, fmt.Errorf("query radius: %w", err)
	}
	drivers := []models.NearbyDriver{}
	if len(positions) == 0 {
		observability.EligibleDrivers.Observe(0)
		return drivers, nil
	}
	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.DriverID
	}
	profiles, err := s.deps.Profiles.GetProfiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load driver profiles: %w", err)
	}

	var eligible []candidate
	for _, p := range positions {
		prof, ok := profiles[p.DriverID]
		if !ok || !r.Accepts(prof.Vehicle) {
			continue
		}
		rejected, err := s.deps.Rejections.IsRejected(ctx, r.ID, p.DriverID)
		if err != nil {
			return nil, fmt.Errorf("check rejection: %w", err)
		}
		if rejected {
			continue
		}
		eligible = append(eligible, candidate{pos: p, profile: prof})
	}

	drivers = make([]models.NearbyDriver, len(eligible))
	var g errgroup.Group
	g.SetLimit(8)
	for i, c := range eligible {
		i, c := i, c
		g.Go(func() error {
			wait := 0
			route, err := s.deps.Navigator.Route(ctx, c.pos.Loc, pickup)
			if err == nil {
				wait = int(math.Round(route.Minutes()))
			} else {
				observability.ProviderFailures.WithLabelValues("route").Inc()
			}
			drivers[i] = models.NearbyDriver{
				ID:              c.pos.DriverID,
				Name:            c.profile.Name,
				Car:             c.profile.Vehicle.Descriptor(),
				Type:            c.profile.Vehicle.Type,
				WaitTimeMinutes: wait,
			}
			return nil
		})
	}
	_ = g.Wait()
	observability.EligibleDrivers.Observe(float64(len(drivers)))
	return drivers, nil
}

// RequestRide sends the ride to one driver. It does not wait for an answer.
func (s *RiderSession) RequestRide(ctx context.Context, driverID string) error {
	st, r, _ := s.snapshot()
	if st != RiderSearching {
		return fmt.Errorf("%w: request ride while %s", ErrInvalidTransition, st)
	}
	if err := s.deps.Bus.Publish(ctx, events.RequestRide(driverID), r.ID); err != nil {
		return fmt.Errorf("publish ride request: %w", err)
	}
	observability.RideRequests.Inc()
	return nil
}

func (s *RiderSession) onConfirm(ctx context.Context, driverID string) {
	s.matchMu.Lock()
	defer s.matchMu.Unlock()
	st, r, _ := s.snapshot()
	if st != RiderSearching {
		return
	}
	if s.withdrawn[driverID] {
		s.log.Debug("confirmation from withdrawn driver ignored", "ride_id", r.ID, "driver_id", driverID)
		return
	}
	confirmed, err := s.deps.Rides.Confirm(ctx, r.ID, driverID)
	if err != nil {
		if errors.Is(err, ride.ErrInvalidState) {
			s.log.Debug("late confirmation ignored", "ride_id", r.ID, "driver_id", driverID)
		} else {
			s.log.Warn("confirmation failed", "ride_id", r.ID, "driver_id", driverID, "error", err)
		}
		return
	}
	if err := s.deps.Bus.Publish(ctx, events.RideAssigned(r.ID), driverID); err != nil {
		s.log.Warn("publish assignment failed", "ride_id", r.ID, "error", err)
	}
	if _, err := s.fire(confirmedEvent, confirmed); err != nil {
		s.log.Debug("confirmation after session moved on", "ride_id", r.ID, "error", err)
		return
	}
	s.log.Info("ride matched", "ride_id", r.ID, "driver_id", driverID)
	s.send(protocol.ConfirmRide, s.deps.Rides.Summary(ctx, confirmed))
	s.sendDriverLocation(ctx)
}

func (s *RiderSession) onStart(ctx context.Context, _ string) {
	s.mirror(ctx, models.RideStarted, startedEvent, protocol.StartRide)
}

func (s *RiderSession) onDropoff(ctx context.Context, _ string) {
	if s.mirror(ctx, models.RideCompleted, droppedEvent, protocol.Dropoff) {
		s.finish()
	}
}

// mirror reloads the ride and, when it reached want, advances the session
// and forwards the ride to the client.
func (s *RiderSession) mirror(ctx context.Context, want models.RideState, ev riderEvent, msgType string) bool {
	_, r, _ := s.snapshot()
	fresh, err := s.deps.Rides.Get(ctx, r.ID)
	if err != nil {
		s.log.Warn("reload ride failed", "ride_id", r.ID, "error", err)
		return false
	}
	if fresh.State != want {
		return false
	}
	if _, err := s.fire(ev, fresh); err != nil {
		return false
	}
	s.send(msgType, s.deps.Rides.Summary(ctx, fresh))
	return true
}

// onCancel mirrors a cancellation of the bound ride. A driver withdrawal
// only counts when it comes from the assigned driver; one from a driver
// still waiting on a Searching ride just keeps that driver out.
func (s *RiderSession) onCancel(ctx context.Context, payload string) {
	by, driverID := events.ParseCancel(payload)
	s.matchMu.Lock()
	defer s.matchMu.Unlock()
	st, r, _ := s.snapshot()
	if st != RiderSearching && st != RiderPickingUp {
		return
	}
	fresh, err := s.deps.Rides.Get(ctx, r.ID)
	if err != nil {
		s.log.Warn("reload ride failed", "ride_id", r.ID, "error", err)
		return
	}
	if by == events.CancelByDriver && driverID != "" {
		switch {
		case fresh.State == models.RideSearching:
			if s.withdrawn == nil {
				s.withdrawn = make(map[string]bool)
			}
			s.withdrawn[driverID] = true
			return
		case fresh.State == models.RidePickingUp && fresh.DriverID == driverID:
			// the withdrawal crossed this session's confirmation
			if fresh, err = s.deps.Rides.Withdraw(ctx, r.ID, driverID); err != nil {
				s.log.Warn("driver withdrawal not applied", "ride_id", r.ID, "driver_id", driverID, "error", err)
				return
			}
		}
	}
	if fresh.State != models.RideCancelled {
		return
	}
	if _, err := s.fire(cancelledEvent, fresh); err != nil {
		return
	}
	s.log.Info("ride cancelled", "ride_id", r.ID, "by", by)
	s.send(protocol.CancelRide, protocol.Cancelled{RideID: r.ID, By: by})
	s.finish()
}

// CancelRide cancels the bound ride while Searching or PickingUp and tells
// the assigned driver, if any.
func (s *RiderSession) CancelRide(ctx context.Context) error {
	st, r, _ := s.snapshot()
	if st != RiderSearching && st != RiderPickingUp {
		return fmt.Errorf("%w: cancel while %s", ErrInvalidTransition, st)
	}
	cancelled, err := s.deps.Rides.Cancel(ctx, r.ID)
	if err != nil {
		return err
	}
	if _, err := s.fire(cancelledEvent, cancelled); err != nil {
		s.log.Debug("cancel after session moved on", "ride_id", r.ID, "error", err)
	}
	if err := s.deps.Bus.Publish(ctx, events.CancelRide(r.ID), events.CancelByRider); err != nil {
		s.log.Warn("publish cancellation failed", "ride_id", r.ID, "error", err)
	}
	s.log.Info("ride cancelled", "ride_id", r.ID, "by", events.CancelByRider)
	s.send(protocol.CancelRide, protocol.Cancelled{RideID: r.ID, By: events.CancelByRider})
	s.finish()
	return nil
}

// finish stops following driver movement once the ride is over.
func (s *RiderSession) finish() {
	if err := s.subs.Unsubscribe(events.DriverMovement()); err != nil {
		s.log.Warn("unsubscribe movement failed", "error", err)
	}
}

func (s *RiderSession) sendDriverLocation(ctx context.Context) {
	_, r, _ := s.snapshot()
	if r == nil || r.DriverID == "" {
		return
	}
	loc, ok, err := s.deps.Index.Position(ctx, r.DriverID)
	if err != nil || !ok {
		return
	}
	s.send(protocol.DriverLocation, loc)
}

// Close drops every subscription. The ride itself is not touched.
func (s *RiderSession) Close(_ context.Context) error {
	prev, err := s.fire(closeRiderEv, nil)
	if err != nil {
		return nil
	}
	err = s.subs.Close()
	s.inflight.Wait()
	observability.SessionsActive.WithLabelValues("rider").Dec()
	s.log.Info("rider disconnected", "state", prev.String())
	return err
}
