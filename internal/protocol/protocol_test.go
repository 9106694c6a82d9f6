package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/example/rideshare/internal/models"
)

func TestEncodeEnvelope(t *testing.T) {
	b, err := Encode(NearbyRides, []models.NearbyDriver{{ID: "d1", Car: "2020 Honda Civic", WaitTimeMinutes: 4}})
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	if !strings.HasPrefix(got, `{"type":"nearbyRides","data":[`) || !strings.Contains(got, `"waitTimeMinutes":4`) {
		t.Fatalf("unexpected frame %s", got)
	}
	b, _ = Encode(CancelRide, nil)
	if string(b) != `{"type":"cancelRide"}` {
		t.Fatalf("unexpected empty frame %s", b)
	}
}

func TestDecodeClientMessages(t *testing.T) {
	env, err := Decode([]byte(`{"type":"offerRide","data":{"lat":43.65,"lng":-79.38}}`))
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.Coord()
	if err != nil || c.Lat != 43.65 || c.Lng != -79.38 {
		t.Fatalf("coord %+v %v", c, err)
	}

	env, _ = Decode([]byte(`{"type":"confirmRide","data":{"rideId":"r1"}}`))
	if id, err := env.RideID(); err != nil || id != "r1" {
		t.Fatalf("ride id %q %v", id, err)
	}

	env, _ = Decode([]byte(`{"type":"requestRide","data":{"driverId":"d1"}}`))
	if id, err := env.DriverID(); err != nil || id != "d1" {
		t.Fatalf("driver id %q %v", id, err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`nope`, `{"data":{}}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
	env, _ := Decode([]byte(`{"type":"driverLocation","data":{"lat":200,"lng":0}}`))
	if _, err := env.Coord(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("out of range coordinate accepted: %v", err)
	}
	env, _ = Decode([]byte(`{"type":"startRide","data":{}}`))
	if _, err := env.RideID(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("empty ride id accepted: %v", err)
	}
	env, _ = Decode([]byte(`{"type":"startRide"}`))
	if _, err := env.RideID(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("missing data accepted: %v", err)
	}
}
