package storage

import (
	"context"
	"errors"

	"github.com/example/rideshare/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrActiveRide is returned by CreateRide when the creator already has a
	// ride in Searching, PickingUp or Started.
	ErrActiveRide = errors.New("storage: rider already has an active ride")
)

// Change carries the fields a ride transition writes alongside the state.
type Change struct {
	// DriverID assigns the driver. Ignored when the target state carries no
	// driver; those transitions always clear it.
	DriverID string
	Fare     *models.FareBreakdown
	// ExpectDriver, when set, makes the transition conditional on the ride
	// already being assigned to that driver.
	ExpectDriver string
}

// RideStore persists ride records. TransitionRide is the atomic
// compare-and-set on the state field: it reports false, without error,
// when the stored state is not from (or ExpectDriver does not match).
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByUser(ctx context.Context, uid string) ([]*models.Ride, error)
	HasActiveRide(ctx context.Context, riderID string) (bool, error)
	TransitionRide(ctx context.Context, id string, from, to models.RideState, change Change) (bool, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, uid string) (*models.Profile, error)
	// GetProfiles returns the profiles that exist; missing uids are absent
	// from the map.
	GetProfiles(ctx context.Context, uids []string) (map[string]*models.Profile, error)
	SaveProfile(ctx context.Context, p *models.Profile) error
}

type AccountStore interface {
	Balance(ctx context.Context, uid string) (int64, error)
	// Adjust adds delta to the balance, creating the account if needed, and
	// returns the new balance.
	Adjust(ctx context.Context, uid string, delta int64) (int64, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, uid string) ([]*models.Transaction, error)
	SetPaymentID(ctx context.Context, id, paymentID string) error
	// MarkPaid flips an unpaid transaction to paid exactly once.
	MarkPaid(ctx context.Context, id string) (bool, error)
}

// RejectionStore holds, per ride, the drivers who declined its offer.
type RejectionStore interface {
	AddRejection(ctx context.Context, rideID, driverID string) error
	IsRejected(ctx context.Context, rideID, driverID string) (bool, error)
	ClearRejections(ctx context.Context, rideID string) error
}

func applyChange(r *models.Ride, to models.RideState, change Change) {
	r.State = to
	if !to.HasDriver() {
		r.DriverID = ""
	} else if change.DriverID != "" {
		r.DriverID = change.DriverID
	}
	if change.Fare != nil {
		f := *change.Fare
		r.Fare = &f
	}
}
