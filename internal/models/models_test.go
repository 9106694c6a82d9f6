package models

import "testing"

func TestRideStateGraphIsMonotonic(t *testing.T) {
	allowed := map[[2]RideState]bool{
		{RideSearching, RidePickingUp}: true,
		{RideSearching, RideCancelled}: true,
		{RidePickingUp, RideStarted}:   true,
		{RidePickingUp, RideCancelled}: true,
		{RideStarted, RideCompleted}:   true,
	}
	all := []RideState{RideSearching, RidePickingUp, RideStarted, RideCompleted, RideCancelled}
	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			if got != allowed[[2]RideState{from, to}] {
				t.Fatalf("%s -> %s: got %v", from, to, got)
			}
		}
	}
	if !RideCompleted.Terminal() || !RideCancelled.Terminal() || RideStarted.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}

func TestRideAcceptsVehicle(t *testing.T) {
	r := &Ride{Passengers: 3}
	if r.Accepts(nil) {
		t.Fatalf("nil vehicle accepted")
	}
	if r.Accepts(&Vehicle{Capacity: 2, Type: VehicleSedan}) {
		t.Fatalf("under capacity vehicle accepted")
	}
	if !r.Accepts(&Vehicle{Capacity: 4, Type: VehicleSedan}) {
		t.Fatalf("no preference should accept any type")
	}
	r.PreferredVehicle = []VehicleType{VehicleSUV, VehicleVan}
	if r.Accepts(&Vehicle{Capacity: 4, Type: VehicleSedan}) {
		t.Fatalf("sedan accepted despite preference")
	}
	if !r.Accepts(&Vehicle{Capacity: 6, Type: VehicleVan}) {
		t.Fatalf("van rejected")
	}
}

func TestRideCloneIsDeep(t *testing.T) {
	r := &Ride{ID: "x", PreferredVehicle: []VehicleType{VehicleSUV}, Fare: &FareBreakdown{Total: 10}}
	c := r.Clone()
	c.PreferredVehicle[0] = VehicleVan
	c.Fare.Total = 99
	if r.PreferredVehicle[0] != VehicleSUV || r.Fare.Total != 10 {
		t.Fatalf("clone shares memory with original")
	}
}
