package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/fare"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/protocol"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/storage"
)

type DriverState int

const (
	DriverIdle DriverState = iota
	DriverOffering
	DriverNegotiating
	DriverCommitted
	DriverDisconnected
)

func (s DriverState) String() string {
	switch s {
	case DriverIdle:
		return "Idle"
	case DriverOffering:
		return "Offering"
	case DriverNegotiating:
		return "Negotiating"
	case DriverCommitted:
		return "Committed"
	case DriverDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("DriverState(%d)", int(s))
}

type driverEvent string

const (
	offerEvent    driverEvent = "offer"
	locateEvent   driverEvent = "locate"
	offeredEvent  driverEvent = "receive offer"
	rejectEvent   driverEvent = "reject"
	confirmEvent  driverEvent = "confirm"
	startEvent    driverEvent = "start"
	dropoffEvent  driverEvent = "drop off"
	releaseEvent  driverEvent = "release"
	closeDriverEv driverEvent = "close"
)

var driverTransitions = map[DriverState]map[driverEvent]DriverState{
	DriverIdle: {
		offerEvent:    DriverOffering,
		closeDriverEv: DriverDisconnected,
	},
	DriverOffering: {
		offerEvent:    DriverOffering,
		locateEvent:   DriverOffering,
		offeredEvent:  DriverOffering,
		rejectEvent:   DriverOffering,
		confirmEvent:  DriverNegotiating,
		closeDriverEv: DriverDisconnected,
	},
	DriverNegotiating: {
		locateEvent:   DriverNegotiating,
		rejectEvent:   DriverNegotiating,
		startEvent:    DriverCommitted,
		releaseEvent:  DriverOffering,
		closeDriverEv: DriverDisconnected,
	},
	DriverCommitted: {
		locateEvent:   DriverCommitted,
		dropoffEvent:  DriverOffering,
		closeDriverEv: DriverDisconnected,
	},
}

// rideBound events only apply to the ride the session currently holds.
var rideBound = map[driverEvent]bool{startEvent: true, dropoffEvent: true, releaseEvent: true}

// DriverSession is one connected driver. Client operations are expected
// to be called sequentially; bus handlers run concurrently with them.
type DriverSession struct {
	id   string
	deps *Deps
	out  Outbound
	subs *events.Registry
	log  *slog.Logger

	mu       sync.Mutex
	state    DriverState
	rideID   string
	inflight sync.WaitGroup
	// withdrawn rides cannot be confirmed again; their rider session
	// ignores further confirmations from this driver.
	withdrawn map[string]bool
}

func NewDriverSession(id string, deps *Deps, out Outbound) *DriverSession {
	observability.SessionsActive.WithLabelValues("driver").Inc()
	return &DriverSession{
		id:   id,
		deps: deps,
		out:  out,
		subs: events.NewRegistry(deps.Bus),
		log:  deps.logger().With("driver_id", id),
	}
}

func (s *DriverSession) ID() string { return s.id }

func (s *DriverSession) State() DriverState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RideID is the ride being negotiated or driven, if any.
func (s *DriverSession) RideID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rideID
}

func (s *DriverSession) next(ev driverEvent, rideID string) (DriverState, error) {
	next, ok := driverTransitions[s.state][ev]
	if !ok {
		return s.state, fmt.Errorf("%w: driver cannot %s while %s", ErrInvalidTransition, ev, s.state)
	}
	if rideBound[ev] && rideID != s.rideID {
		return s.state, fmt.Errorf("%w: driver does not hold ride %s", ErrInvalidTransition, rideID)
	}
	return next, nil
}

// fireLocked is the only place the driver state changes.
func (s *DriverSession) fireLocked(ev driverEvent, rideID string) (DriverState, error) {
	next, err := s.next(ev, rideID)
	if err != nil {
		return s.state, err
	}
	prev := s.state
	s.state = next
	switch {
	case ev == confirmEvent:
		s.rideID = rideID
	case next == DriverOffering || next == DriverDisconnected:
		s.rideID = ""
	}
	s.log.Debug("driver transition", "event", string(ev), "from", prev.String(), "to", next.String())
	return prev, nil
}

func (s *DriverSession) fire(ev driverEvent, rideID string) (DriverState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(ev, rideID)
}

func (s *DriverSession) can(ev driverEvent, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.next(ev, rideID)
	return err
}

// guard drops bus deliveries after Close and lets Close wait for the ones
// already running.
func (s *DriverSession) guard(h events.Handler) events.Handler {
	return func(ctx context.Context, payload string) {
		s.mu.Lock()
		if s.state == DriverDisconnected {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		defer s.inflight.Done()
		h(ctx, payload)
	}
}

func (s *DriverSession) send(msgType string, data any) {
	if err := s.out.Send(msgType, data); err != nil {
		s.log.Warn("send to driver failed", "type", msgType, "error", err)
	}
}

// StartOffering puts the driver on the map and listens for ride requests.
// Repeating it while Offering only reports the new position.
func (s *DriverSession) StartOffering(ctx context.Context, loc models.Coord) error {
	if err := s.can(offerEvent, ""); err != nil {
		return err
	}
	topic := events.RequestRide(s.id)
	if !s.subs.Subscribed(topic) {
		if err := s.subs.Subscribe(ctx, topic, s.guard(s.onRideRequest)); err != nil {
			return fmt.Errorf("subscribe ride requests: %w", err)
		}
	}
	prev, err := s.fire(offerEvent, "")
	if err != nil {
		return err
	}
	if prev == DriverIdle {
		observability.DriversOnline.Inc()
		s.log.Info("driver offering", "lat", loc.Lat, "lng", loc.Lng)
	}
	return s.locate(ctx, loc)
}

// ReportLocation moves the driver while Offering, Negotiating or Committed.
func (s *DriverSession) ReportLocation(ctx context.Context, loc models.Coord) error {
	if _, err := s.fire(locateEvent, ""); err != nil {
		return err
	}
	return s.locate(ctx, loc)
}

func (s *DriverSession) locate(ctx context.Context, loc models.Coord) error {
	if err := s.deps.Index.Upsert(ctx, s.id, loc); err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	s.deps.publishMovement(ctx)
	if s.deps.Locations != nil {
		if err := s.deps.Locations.PublishLocation(ctx, s.id, loc); err != nil {
			s.log.Warn("mirror location failed", "error", err)
		}
	}
	return nil
}

func (s *DriverSession) onRideRequest(ctx context.Context, rideID string) {
	if err := s.can(offeredEvent, ""); err != nil {
		s.log.Debug("ride request ignored", "ride_id", rideID, "state", s.State().String())
		return
	}
	r, err := s.deps.Rides.Get(ctx, rideID)
	if err != nil {
		s.log.Warn("requested ride not loaded", "ride_id", rideID, "error", err)
		return
	}
	if r.State != models.RideSearching {
		return
	}
	pickup, err := s.deps.Navigator.Geocode(ctx, r.PickupAddress)
	if err != nil {
		observability.ProviderFailures.WithLabelValues("geocode").Inc()
		s.log.Warn("pickup did not geocode", "ride_id", rideID, "error", err)
		return
	}
	eta := 0
	if pos, ok, err := s.deps.Index.Position(ctx, s.id); err == nil && ok {
		route, err := s.deps.Navigator.Route(ctx, pos, pickup)
		if err == nil {
			eta = int(math.Round(route.Minutes()))
		} else {
			observability.ProviderFailures.WithLabelValues("route").Inc()
		}
	}
	s.send(protocol.RequestRide, protocol.RideOffer{Ride: s.deps.Rides.Summary(ctx, r), ETAMinutes: eta})
}

// RejectRide keeps this driver out of the ride's nearby list from now on.
func (s *DriverSession) RejectRide(ctx context.Context, rideID string) error {
	if err := s.can(rejectEvent, ""); err != nil {
		return err
	}
	if err := s.deps.Rejections.AddRejection(ctx, rideID, s.id); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	observability.RideRejections.Inc()
	s.deps.publishMovement(ctx)
	return nil
}

// ConfirmRide offers to take rideID. The rider session decides the winner
// and announces it; a driver that loses, or whose ride is cancelled, is
// released back to Offering.
func (s *DriverSession) ConfirmRide(ctx context.Context, rideID string) error {
	if s.hasWithdrawn(rideID) {
		return fmt.Errorf("%w: driver withdrew from ride %s", ErrInvalidTransition, rideID)
	}
	if _, err := s.fire(confirmEvent, rideID); err != nil {
		return err
	}
	if err := s.watch(ctx, rideID); err != nil {
		s.release(rideID)
		return fmt.Errorf("subscribe ride updates: %w", err)
	}
	// an assignment announced before watch returned was missed
	r, err := s.deps.Rides.Get(ctx, rideID)
	if err != nil {
		s.release(rideID)
		return err
	}
	if r.State != models.RideSearching {
		s.release(rideID)
		return fmt.Errorf("ride %s is %s: %w", rideID, r.State, ride.ErrInvalidState)
	}
	if err := s.deps.Bus.Publish(ctx, events.ConfirmRide(rideID), s.id); err != nil {
		s.release(rideID)
		return fmt.Errorf("publish confirmation: %w", err)
	}
	s.log.Info("ride confirmed by driver", "ride_id", rideID)
	return nil
}

func (s *DriverSession) hasWithdrawn(rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withdrawn[rideID]
}

func (s *DriverSession) markWithdrawn(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withdrawn == nil {
		s.withdrawn = make(map[string]bool)
	}
	s.withdrawn[rideID] = true
}

// watch follows cancellations and the assignment of rideID.
func (s *DriverSession) watch(ctx context.Context, rideID string) error {
	if err := s.subs.Subscribe(ctx, events.CancelRide(rideID), s.guard(s.onCancel(rideID))); err != nil {
		return err
	}
	if err := s.subs.Subscribe(ctx, events.RideAssigned(rideID), s.guard(s.onAssigned(rideID))); err != nil {
		s.unwatch(rideID)
		return err
	}
	return nil
}

func (s *DriverSession) unwatch(rideID string) {
	for _, topic := range []string{events.CancelRide(rideID), events.RideAssigned(rideID)} {
		if err := s.subs.Unsubscribe(topic); err != nil {
			s.log.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// release drops the held ride and returns to Offering.
func (s *DriverSession) release(rideID string) bool {
	if _, err := s.fire(releaseEvent, rideID); err != nil {
		return false
	}
	s.unwatch(rideID)
	return true
}

func (s *DriverSession) onAssigned(rideID string) events.Handler {
	return func(_ context.Context, winner string) {
		if winner == s.id {
			s.log.Info("ride assigned", "ride_id", rideID)
			return
		}
		if s.release(rideID) {
			s.log.Info("ride assigned to another driver", "ride_id", rideID, "winner", winner)
			s.send(protocol.CancelRide, protocol.Cancelled{RideID: rideID})
		}
	}
}

// onCancel releases the session once the ride is no longer open to this
// driver. Its own cancellation echo and withdrawals by other drivers from a
// ride still searching leave it alone.
func (s *DriverSession) onCancel(rideID string) events.Handler {
	return func(ctx context.Context, payload string) {
		by, sender := events.ParseCancel(payload)
		if by == events.CancelByDriver && sender == s.id {
			return
		}
		r, err := s.deps.Rides.Get(ctx, rideID)
		if err == nil && (r.State == models.RideSearching || (r.State.Active() && r.DriverID == s.id)) {
			return
		}
		if s.release(rideID) {
			s.log.Info("ride cancelled", "ride_id", rideID, "by", by)
			s.send(protocol.CancelRide, protocol.Cancelled{RideID: rideID, By: by})
		}
	}
}

// StartRide begins the trip. A ride that is no longer assigned to this
// driver releases the session back to Offering.
func (s *DriverSession) StartRide(ctx context.Context, rideID string) error {
	if err := s.can(startEvent, rideID); err != nil {
		return err
	}
	r, err := s.deps.Rides.Start(ctx, rideID, s.id)
	if err != nil {
		if errors.Is(err, ride.ErrInvalidState) || errors.Is(err, storage.ErrNotFound) {
			if s.release(rideID) {
				s.send(protocol.CancelRide, protocol.Cancelled{RideID: rideID})
			}
		}
		return err
	}
	if _, err := s.fire(startEvent, rideID); err != nil {
		s.log.Error("ride started but session moved on", "ride_id", rideID, "error", err)
	}
	if err := s.deps.Bus.Publish(ctx, events.StartRide(rideID), s.id); err != nil {
		s.log.Warn("publish start failed", "ride_id", rideID, "error", err)
	}
	s.send(protocol.StartRide, s.deps.Rides.Summary(ctx, r))
	return nil
}

func (s *DriverSession) fareSchedule() fare.Schedule {
	if s.deps.Fare == (fare.Schedule{}) {
		return fare.Default
	}
	return s.deps.Fare
}

// CompleteDropoff prices the trip on its driving distance, freezes the
// fare on the ride, settles it and returns the driver to Offering.
func (s *DriverSession) CompleteDropoff(ctx context.Context, rideID string) (models.FareBreakdown, error) {
	if err := s.can(dropoffEvent, rideID); err != nil {
		return models.FareBreakdown{}, err
	}
	r, err := s.deps.Rides.Get(ctx, rideID)
	if err != nil {
		return models.FareBreakdown{}, err
	}
	pickup, err := s.deps.Navigator.Geocode(ctx, r.PickupAddress)
	if err != nil {
		return models.FareBreakdown{}, fmt.Errorf("geocode pickup: %w", err)
	}
	dropoff, err := s.deps.Navigator.Geocode(ctx, r.DropoffAddress)
	if err != nil {
		return models.FareBreakdown{}, fmt.Errorf("geocode dropoff: %w", err)
	}
	route, err := s.deps.Navigator.Route(ctx, pickup, dropoff)
	if err != nil {
		return models.FareBreakdown{}, fmt.Errorf("trip distance: %w", err)
	}
	f := s.fareSchedule().Compute(route.DistanceMeters)

	r, err = s.deps.Rides.Complete(ctx, rideID, s.id, f)
	if err != nil {
		return models.FareBreakdown{}, err
	}
	if s.deps.Settler != nil {
		if err := s.deps.Settler.Settle(ctx, r); err != nil {
			s.log.Error("settlement failed", "ride_id", rideID, "error", err)
		}
	}
	if _, err := s.fire(dropoffEvent, rideID); err != nil {
		s.log.Error("ride completed but session moved on", "ride_id", rideID, "error", err)
	}
	s.unwatch(rideID)
	if err := s.deps.Bus.Publish(ctx, events.Dropoff(rideID), s.id); err != nil {
		s.log.Warn("publish dropoff failed", "ride_id", rideID, "error", err)
	}
	s.log.Info("ride completed", "ride_id", rideID, "distance_m", route.DistanceMeters, "total", f.Total)
	s.send(protocol.Dropoff, s.deps.Rides.Summary(ctx, r))
	return f, nil
}

// CancelRide withdraws this driver from rideID before the trip starts. A
// ride already assigned to the driver is cancelled; a confirmation still
// pending is withdrawn so the rider will not accept it. Either way the rider
// session is told who withdrew.
func (s *DriverSession) CancelRide(ctx context.Context, rideID string) error {
	if err := s.can(releaseEvent, rideID); err != nil {
		return fmt.Errorf("%w: driver cannot cancel ride %s while %s", ErrInvalidTransition, rideID, s.State())
	}
	r, err := s.deps.Rides.Get(ctx, rideID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	notify := false
	switch {
	case err != nil:
	case r.State == models.RidePickingUp && r.DriverID == s.id:
		if _, err := s.deps.Rides.Withdraw(ctx, rideID, s.id); err != nil && !errors.Is(err, ride.ErrInvalidState) {
			return err
		}
		notify = true
	case r.State == models.RideSearching:
		s.markWithdrawn(rideID)
		notify = true
	}
	if !s.release(rideID) {
		return fmt.Errorf("%w: driver cannot cancel ride %s while %s", ErrInvalidTransition, rideID, s.State())
	}
	if notify {
		if err := s.deps.Bus.Publish(ctx, events.CancelRide(rideID), events.CancelFromDriver(s.id)); err != nil {
			s.log.Warn("publish cancellation failed", "ride_id", rideID, "error", err)
		}
	}
	s.log.Info("ride cancelled by driver", "ride_id", rideID)
	s.send(protocol.CancelRide, protocol.Cancelled{RideID: rideID, By: events.CancelByDriver})
	return nil
}

// Close takes the driver off the map and drops every subscription. A ride
// in negotiation is left as is.
func (s *DriverSession) Close(ctx context.Context) error {
	prev, err := s.fire(closeDriverEv, "")
	if err != nil {
		return nil
	}
	var errs []error
	if prev != DriverIdle {
		observability.DriversOnline.Dec()
		if err := s.deps.Index.Remove(ctx, s.id); err != nil {
			errs = append(errs, fmt.Errorf("remove position: %w", err))
		}
		s.deps.publishMovement(ctx)
		if s.deps.Locations != nil {
			if err := s.deps.Locations.PublishOffline(ctx, s.id); err != nil {
				s.log.Warn("mirror offline failed", "error", err)
			}
		}
	}
	errs = append(errs, s.subs.Close())
	s.inflight.Wait()
	observability.SessionsActive.WithLabelValues("driver").Dec()
	s.log.Info("driver disconnected", "state", prev.String())
	return errors.Join(errs...)
}
