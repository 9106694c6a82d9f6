package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/fare"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/protocol"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/storage"
)

func TestFullRideNegotiation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1, drec := f.driver(t, "d1", sedan(4), near(0.005))
	r := f.createRide(t, "rider", 2)
	s, rrec := f.rider(t, "rider", r.ID)

	rrec.waitFor(t, protocol.NearbyRides, func(data any) bool {
		return sameIDs(ids(data.([]models.NearbyDriver)), "d1")
	})

	if err := s.RequestRide(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	offer := drec.waitFor(t, protocol.RequestRide, nil).Data.(protocol.RideOffer)
	if offer.Ride.ID != r.ID || offer.Ride.CreatedBy.Name != "Rider rider" || offer.ETAMinutes != 1 {
		t.Fatalf("unexpected offer %+v", offer)
	}

	if err := d1.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if d1.State() != DriverNegotiating {
		t.Fatalf("driver %s after confirm", d1.State())
	}
	confirmed := rrec.waitFor(t, protocol.ConfirmRide, nil).Data.(models.RideSummary)
	if confirmed.State != models.RidePickingUp || confirmed.Driver == nil || confirmed.Driver.Name != "Driver d1" {
		t.Fatalf("unexpected confirmation %+v", confirmed)
	}
	waitState(t, s.State, RiderPickingUp)

	if err := d1.StartRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if d1.State() != DriverCommitted {
		t.Fatalf("driver %s after start", d1.State())
	}
	rrec.waitFor(t, protocol.StartRide, nil)
	waitState(t, s.State, RiderStarted)

	got, err := d1.CompleteDropoff(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := fare.Default.Compute(geo.Haversine(unionStation.Lat, unionStation.Lng, cnTower.Lat, cnTower.Lng))
	if got != want {
		t.Fatalf("fare %+v, want %+v", got, want)
	}
	if d1.State() != DriverOffering || d1.RideID() != "" {
		t.Fatalf("driver %s holding %q after dropoff", d1.State(), d1.RideID())
	}
	done := rrec.waitFor(t, protocol.Dropoff, nil).Data.(models.RideSummary)
	if done.State != models.RideCompleted || done.Payment == nil || done.Payment.Total != want.Total {
		t.Fatalf("unexpected dropoff %+v", done)
	}
	waitState(t, s.State, RiderFinished)

	stored, _ := f.rides.Get(ctx, r.ID)
	if stored.State != models.RideCompleted || stored.DriverID != "d1" || stored.Fare == nil {
		t.Fatalf("unexpected stored ride %+v", stored)
	}
	f.settler.mu.Lock()
	settled := len(f.settler.rides)
	f.settler.mu.Unlock()
	if settled != 1 {
		t.Fatalf("expected one settlement, got %d", settled)
	}
	if f.bus.Subscribers(events.CancelRide(r.ID)) != 1 || f.bus.Subscribers(events.RideAssigned(r.ID)) != 0 {
		t.Fatalf("driver kept its ride subscriptions after dropoff")
	}
}

func TestConcurrentConfirmationsSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const n = 8
	drivers := make([]*DriverSession, n)
	recs := make([]*recorder, n)
	for i := range drivers {
		drivers[i], recs[i] = f.driver(t, fmt.Sprintf("d%d", i), sedan(4), near(0.001*float64(i+1)))
	}
	r := f.createRide(t, "rider", 1)
	_, rrec := f.rider(t, "rider", r.ID)

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d *DriverSession) {
			defer wg.Done()
			errs[i] = d.ConfirmRide(ctx, r.ID)
		}(i, d)
	}
	wg.Wait()

	rrec.waitFor(t, protocol.ConfirmRide, nil)
	time.Sleep(100 * time.Millisecond)
	if c := rrec.count(protocol.ConfirmRide); c != 1 {
		t.Fatalf("rider saw %d confirmations", c)
	}
	stored, _ := f.rides.Get(ctx, r.ID)
	if stored.State != models.RidePickingUp || stored.DriverID == "" {
		t.Fatalf("unexpected ride %+v", stored)
	}

	// losers are released without having to try StartRide
	for i, d := range drivers {
		if d.ID() == stored.DriverID {
			if errs[i] != nil || d.State() != DriverNegotiating {
				t.Fatalf("winner %s: %v in %s", d.ID(), errs[i], d.State())
			}
			continue
		}
		switch {
		case errs[i] == nil:
			recs[i].waitFor(t, protocol.CancelRide, nil)
		case !errors.Is(errs[i], ride.ErrInvalidState):
			t.Fatalf("loser %s: %v", d.ID(), errs[i])
		}
		waitState(t, d.State, DriverOffering)
		if d.RideID() != "" {
			t.Fatalf("loser %s still holds %q", d.ID(), d.RideID())
		}
	}
	// only the winner still follows the assignment
	waitState(t, func() int { return f.bus.Subscribers(events.RideAssigned(r.ID)) }, 1)
	for _, d := range drivers {
		if d.ID() == stored.DriverID {
			if err := d.StartRide(ctx, r.ID); err != nil {
				t.Fatalf("winner could not start: %v", err)
			}
		}
	}
}

func TestLosingDriverIsReleasedOnAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1, rec1 := f.driver(t, "d1", sedan(4), near(0.002))
	d2, rec2 := f.driver(t, "d2", sedan(4), near(0.003))
	r := f.createRide(t, "rider", 1)
	other := f.createRide(t, "other", 1)

	// both confirm while the ride is still searching
	if err := d1.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if err := d2.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rides.Confirm(ctx, r.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	_ = f.bus.Publish(ctx, events.RideAssigned(r.ID), "d1")

	m := rec2.waitFor(t, protocol.CancelRide, nil)
	if m.Data.(protocol.Cancelled).RideID != r.ID {
		t.Fatalf("unexpected release payload %+v", m.Data)
	}
	waitState(t, d2.State, DriverOffering)
	if d1.State() != DriverNegotiating || rec1.count(protocol.CancelRide) != 0 {
		t.Fatalf("winner disturbed by the assignment: %s", d1.State())
	}

	// the loser takes new work straight away
	_ = f.bus.Publish(ctx, events.RequestRide("d2"), other.ID)
	offer := rec2.waitFor(t, protocol.RequestRide, nil).Data.(protocol.RideOffer)
	if offer.Ride.ID != other.ID {
		t.Fatalf("unexpected offer %+v", offer)
	}
	if err := d2.ConfirmRide(ctx, other.ID); err != nil {
		t.Fatalf("loser could not confirm another ride: %v", err)
	}
}

func TestConfirmOfAssignedRideIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d2, _ := f.driver(t, "d2", sedan(4), near(0.003))
	r := f.createRide(t, "rider", 1)
	if _, err := f.rides.Confirm(ctx, r.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := d2.ConfirmRide(ctx, r.ID); !errors.Is(err, ride.ErrInvalidState) {
		t.Fatalf("confirmed an assigned ride: %v", err)
	}
	if d2.State() != DriverOffering {
		t.Fatalf("driver %s after refused confirm", d2.State())
	}
	if f.bus.Subscribers(events.CancelRide(r.ID)) != 0 || f.bus.Subscribers(events.RideAssigned(r.ID)) != 0 {
		t.Fatalf("refused confirm left subscriptions")
	}
}

func TestLosingDriverCancelLeavesWinnerAssigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1, rec1 := f.driver(t, "d1", sedan(4), near(0.002))
	d2, _ := f.driver(t, "d2", sedan(4), near(0.003))
	r := f.createRide(t, "rider", 1)

	// d2 confirms before any rider session listens, so its offer is never decided
	if err := d2.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	s, rrec := f.rider(t, "rider", r.ID)
	if err := d1.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	rrec.waitFor(t, protocol.ConfirmRide, nil)

	_ = d2.CancelRide(ctx, r.ID)
	// cancellations naming a driver that is not assigned
	_ = f.bus.Publish(ctx, events.CancelRide(r.ID), events.CancelFromDriver("d2"))
	_ = f.bus.Publish(ctx, events.CancelRide(r.ID), events.CancelByDriver)
	time.Sleep(100 * time.Millisecond)

	stored, _ := f.rides.Get(ctx, r.ID)
	if stored.State != models.RidePickingUp || stored.DriverID != "d1" {
		t.Fatalf("losing driver changed the ride: %+v", stored)
	}
	if s.State() != RiderPickingUp || rrec.count(protocol.CancelRide) != 0 {
		t.Fatalf("rider %s after foreign cancel", s.State())
	}
	if d1.State() != DriverNegotiating || rec1.count(protocol.CancelRide) != 0 {
		t.Fatalf("winner %s after foreign cancel", d1.State())
	}
	waitState(t, d2.State, DriverOffering)
	if err := d1.StartRide(ctx, r.ID); err != nil {
		t.Fatalf("winner could not start: %v", err)
	}
	waitState(t, s.State, RiderStarted)
}

func TestCancelOfRideAssignedElsewhereStaysLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d2, rec2 := f.driver(t, "d2", sedan(4), near(0.003))
	r := f.createRide(t, "rider", 1)
	if err := d2.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rides.Confirm(ctx, r.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	published := make(chan string, 4)
	sub, err := f.bus.Subscribe(ctx, events.CancelRide(r.ID), func(_ context.Context, p string) { published <- p })
	if err != nil {
		t.Fatal(err)
	}
	defer f.bus.Unsubscribe(sub)

	if err := d2.CancelRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if d2.State() != DriverOffering {
		t.Fatalf("driver %s after cancel", d2.State())
	}
	rec2.waitFor(t, protocol.CancelRide, nil)
	select {
	case p := <-published:
		t.Fatalf("cancel of another driver's ride was broadcast: %q", p)
	case <-time.After(50 * time.Millisecond):
	}
	stored, _ := f.rides.Get(ctx, r.ID)
	if stored.State != models.RidePickingUp || stored.DriverID != "d1" {
		t.Fatalf("ride changed by a driver it is not assigned to: %+v", stored)
	}
}

func TestRiderCancelWhilePickingUpReleasesDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1, drec := f.driver(t, "d1", sedan(4), near(0.005))
	r := f.createRide(t, "rider", 1)
	s, rrec := f.rider(t, "rider", r.ID)

	if err := d1.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	rrec.waitFor(t, protocol.ConfirmRide, nil)

	if err := s.CancelRide(ctx); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.rides.Get(ctx, r.ID)
	if stored.State != models.RideCancelled || stored.DriverID != "" {
		t.Fatalf("unexpected ride %+v", stored)
	}
	drec.waitFor(t, protocol.CancelRide, nil)
	waitState(t, d1.State, DriverOffering)

	// The driver negotiates again without any reset.
	if err := d1.StartOffering(ctx, near(0.004)); err != nil {
		t.Fatalf("start offering after cancel: %v", err)
	}
	next := f.createRide(t, "rider", 1)
	if err := d1.ConfirmRide(ctx, next.ID); err != nil {
		t.Fatalf("confirm next ride: %v", err)
	}
}

func TestAssignedDriverCancelCancelsRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1, _ := f.driver(t, "d1", sedan(4), near(0.005))
	r := f.createRide(t, "rider", 1)
	s, rrec := f.rider(t, "rider", r.ID)

	_ = d1.ConfirmRide(ctx, r.ID)
	rrec.waitFor(t, protocol.ConfirmRide, nil)

	if err := d1.CancelRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if d1.State() != DriverOffering {
		t.Fatalf("driver %s after cancel", d1.State())
	}
	m := rrec.waitFor(t, protocol.CancelRide, nil)
	if m.Data.(protocol.Cancelled).By != events.CancelByDriver {
		t.Fatalf("unexpected cancel payload %+v", m.Data)
	}
	waitState(t, s.State, RiderFinished)
	stored, _ := f.rides.Get(ctx, r.ID)
	if stored.State != models.RideCancelled {
		t.Fatalf("ride %s after driver cancel", stored.State)
	}
}

func TestAssignedDriverCancelWithoutRiderSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1, _ := f.driver(t, "d1", sedan(4), near(0.005))
	r := f.createRide(t, "rider", 1)
	s, rrec := f.rider(t, "rider", r.ID)

	if err := d1.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	rrec.waitFor(t, protocol.ConfirmRide, nil)
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d1.CancelRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.rides.Get(ctx, r.ID)
	if stored.State != models.RideCancelled || stored.DriverID != "" {
		t.Fatalf("ride not cancelled with the rider offline: %+v", stored)
	}
	if d1.State() != DriverOffering {
		t.Fatalf("driver %s after cancel", d1.State())
	}
}

func TestDriverTransitionTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := NewDriverSession("d1", f.deps, newRecorder())

	if err := d.ReportLocation(ctx, unionStation); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("locate while idle: %v", err)
	}
	r := f.createRide(t, "rider", 1)
	if err := d.ConfirmRide(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirm while idle: %v", err)
	}
	if err := d.StartOffering(ctx, unionStation); err != nil {
		t.Fatal(err)
	}
	if err := d.StartOffering(ctx, near(0.001)); err != nil {
		t.Fatalf("repeated offering: %v", err)
	}
	if f.bus.Subscribers(events.RequestRide("d1")) != 1 {
		t.Fatalf("repeated offering subscribed twice")
	}
	if err := d.StartRide(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start while offering: %v", err)
	}
	if err := d.ConfirmRide(ctx, "r1"); !errors.Is(err, storage.ErrNotFound) || d.State() != DriverOffering {
		t.Fatalf("confirm of an unknown ride: %v in %s", err, d.State())
	}
	if err := d.ConfirmRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if err := d.StartOffering(ctx, unionStation); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("offering while negotiating: %v", err)
	}
	if err := d.ConfirmRide(ctx, "r2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second confirm: %v", err)
	}
	if _, err := d.CompleteDropoff(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("dropoff while negotiating: %v", err)
	}
	if err := d.CancelRide(ctx, "r2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel of a ride not held: %v", err)
	}

	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if d.State() != DriverDisconnected {
		t.Fatalf("state %s after close", d.State())
	}
	if _, ok, _ := f.index.Position(ctx, "d1"); ok {
		t.Fatalf("driver still indexed after close")
	}
	if f.bus.Subscribers(events.RequestRide("d1")) != 0 || f.bus.Subscribers(events.CancelRide(r.ID)) != 0 || f.bus.Subscribers(events.RideAssigned(r.ID)) != 0 {
		t.Fatalf("subscriptions left after close")
	}
	if err := d.StartOffering(ctx, unionStation); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("offering after close: %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRideRequestIgnoredUnlessOffering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1, drec := f.driver(t, "d1", sedan(4), near(0.005))
	first := f.createRide(t, "rider", 1)
	second := f.createRide(t, "other", 1)

	_ = d1.ConfirmRide(ctx, first.ID)
	_ = f.bus.Publish(ctx, events.RequestRide("d1"), second.ID)
	time.Sleep(50 * time.Millisecond)
	if c := drec.count(protocol.RequestRide); c != 0 {
		t.Fatalf("negotiating driver was offered a ride: %d offers", c)
	}

	_ = d1.CancelRide(ctx, first.ID)
	_ = f.bus.Publish(ctx, events.RequestRide("d1"), second.ID)
	offer := drec.waitFor(t, protocol.RequestRide, nil).Data.(protocol.RideOffer)
	if offer.Ride.ID != second.ID {
		t.Fatalf("unexpected offer %+v", offer)
	}
	if err := d1.ConfirmRide(ctx, first.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirmed a ride the driver withdrew from: %v", err)
	}
}
