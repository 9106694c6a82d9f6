package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/fare"
	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/maps"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/storage"
)

var (
	unionStation = models.Coord{Lat: 43.6453, Lng: -79.3806}
	cnTower      = models.Coord{Lat: 43.6426, Lng: -79.3871}
)

type sent struct {
	Type string
	Data any
}

// recorder is an Outbound that keeps every message for later assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []sent
	ch   chan sent
}

func newRecorder() *recorder { return &recorder{ch: make(chan sent, 1024)} }

func (r *recorder) Send(msgType string, data any) error {
	m := sent{Type: msgType, Data: data}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	select {
	case r.ch <- m:
	default:
	}
	return nil
}

func (r *recorder) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

// waitFor returns the next message of msgType that satisfies ok.
func (r *recorder) waitFor(t *testing.T, msgType string, ok func(any) bool) sent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-r.ch:
			if m.Type == msgType && (ok == nil || ok(m.Data)) {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

type recordingSettler struct {
	mu    sync.Mutex
	rides []*models.Ride
}

func (s *recordingSettler) Settle(_ context.Context, r *models.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides = append(s.rides, r)
	return nil
}

type fixture struct {
	deps    *Deps
	store   *storage.MemoryStore
	index   *geo.MemoryIndex
	bus     *events.MemoryBus
	rides   *ride.Service
	settler *recordingSettler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewMemoryBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	store := storage.NewMemoryStore()
	index := geo.NewMemoryIndex()
	nav := maps.Compose(maps.StaticGeocoder{Places: map[string]models.Coord{
		"union station": unionStation,
		"cn tower":      cnTower,
	}}, maps.StraightLine{SpeedMps: 10})
	rides := &ride.Service{Rides: store, Rejections: store, Profiles: store, Accounts: store, Geocoder: nav}
	settler := &recordingSettler{}
	return &fixture{
		deps: &Deps{
			Index:      index,
			Bus:        bus,
			Rides:      rides,
			Profiles:   store,
			Rejections: store,
			Navigator:  nav,
			Fare:       fare.Default,
			Settler:    settler,
		},
		store:   store,
		index:   index,
		bus:     bus,
		rides:   rides,
		settler: settler,
	}
}

func (f *fixture) createRide(t *testing.T, riderID string, passengers int, preferred ...models.VehicleType) *models.Ride {
	t.Helper()
	ctx := context.Background()
	_ = f.store.SaveProfile(ctx, &models.Profile{UID: riderID, Name: "Rider " + riderID})
	r, err := f.rides.Create(ctx, riderID, ride.CreateRequest{
		PickupAddress:    "Union Station",
		DropoffAddress:   "CN Tower",
		Passengers:       passengers,
		PreferredVehicle: preferred,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func (f *fixture) driver(t *testing.T, id string, v *models.Vehicle, loc models.Coord) (*DriverSession, *recorder) {
	t.Helper()
	_ = f.store.SaveProfile(context.Background(), &models.Profile{UID: id, Name: "Driver " + id, Vehicle: v})
	rec := newRecorder()
	d := NewDriverSession(id, f.deps, rec)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	if err := d.StartOffering(context.Background(), loc); err != nil {
		t.Fatalf("start offering %s: %v", id, err)
	}
	return d, rec
}

func (f *fixture) rider(t *testing.T, riderID, rideID string) (*RiderSession, *recorder) {
	t.Helper()
	rec := newRecorder()
	s := NewRiderSession(riderID, f.deps, rec)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	if err := s.Start(context.Background(), rideID); err != nil {
		t.Fatalf("start rider session: %v", err)
	}
	return s, rec
}

func sedan(capacity int) *models.Vehicle {
	return &models.Vehicle{Make: "Honda", Model: "Civic", Year: 2020, Capacity: capacity, Type: models.VehicleSedan}
}

func suv(capacity int) *models.Vehicle {
	return &models.Vehicle{Make: "Toyota", Model: "Highlander", Year: 2022, Capacity: capacity, Type: models.VehicleSUV}
}

func near(dLat float64) models.Coord {
	return models.Coord{Lat: unionStation.Lat + dLat, Lng: unionStation.Lng}
}

func ids(drivers []models.NearbyDriver) []string {
	out := make([]string, len(drivers))
	for i, d := range drivers {
		out[i] = d.ID
	}
	return out
}

func sameIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func waitState[S comparable](t *testing.T, get func() S, want S) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state stuck at %v, want %v", get(), want)
}
