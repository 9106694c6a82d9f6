package ingest

import (
	"errors"
	"testing"
)

func TestDecodeValidEvents(t *testing.T) {
	ev, err := Decode([]byte(`{"driver_id":"d1","loc":{"lat":43.6,"lng":-79.4},"online":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.DriverID != "d1" || !ev.Online || ev.Loc.Lat != 43.6 {
		t.Fatalf("unexpected event %+v", ev)
	}
	off, err := Decode([]byte(`{"driver_id":"d1","online":false}`))
	if err != nil || off.Online {
		t.Fatalf("offline event: %+v %v", off, err)
	}
}

func TestDecodeRejectsBadEvents(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"loc":{"lat":1,"lng":2},"online":true}`,
		`{"driver_id":"d1","loc":{"lat":91,"lng":2},"online":true}`,
	} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("%s: expected ErrInvalidEvent, got %v", raw, err)
		}
	}
}
