package models

type RideState string

const (
	RideSearching RideState = "Searching"
	RidePickingUp RideState = "PickingUp"
	RideStarted   RideState = "Started"
	RideCompleted RideState = "Completed"
	RideCancelled RideState = "Cancelled"
)

var rideTransitions = map[RideState][]RideState{
	RideSearching: {RidePickingUp, RideCancelled},
	RidePickingUp: {RideStarted, RideCancelled},
	RideStarted:   {RideCompleted},
}

// CanTransitionTo reports whether next directly follows s in the ride
// lifecycle. No transition skips a state and terminal states have no exits.
func (s RideState) CanTransitionTo(next RideState) bool {
	for _, t := range rideTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s RideState) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Active rides block their creator from requesting another one.
func (s RideState) Active() bool {
	return s == RideSearching || s == RidePickingUp || s == RideStarted
}

// HasDriver reports whether a ride in state s must carry an assigned driver.
func (s RideState) HasDriver() bool {
	return s == RidePickingUp || s == RideStarted || s == RideCompleted
}

func (s RideState) Valid() bool {
	switch s {
	case RideSearching, RidePickingUp, RideStarted, RideCompleted, RideCancelled:
		return true
	}
	return false
}
