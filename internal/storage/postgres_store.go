package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/rideshare/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements every store interface except RejectionStore on
// top of PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

const rideColumns = `id, pickup_address, dropoff_address, passengers, preferred_vehicle, created_by, driver_id, state, fare, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	fare, err := encodeFare(r.Fare)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.PickupAddress, r.DropoffAddress, r.Passengers, pq.Array(vehicleStrings(r.PreferredVehicle)),
		r.CreatedBy, nullString(r.DriverID), string(r.State), fare, r.CreatedAt, r.UpdatedAt)
	if activeRideConflict(err) {
		return ErrActiveRide
	}
	return err
}

const activeRideIndex = "rides_one_active_per_rider"

// activeRideConflict reports whether err is the unique violation raised when
// a rider opens a second active ride.
func activeRideConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeRideIndex
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRidesByUser(ctx context.Context, uid string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE created_by = $1 OR driver_id = $1 ORDER BY created_at DESC`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasActiveRide(ctx context.Context, riderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE created_by = $1
			  AND state IN ('Searching', 'PickingUp', 'Started')
		)`, riderID).Scan(&exists)
	return exists, err
}

// TransitionRide is a conditional UPDATE: only the caller whose WHERE clause
// still matches the stored state changes the row.
func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from, to models.RideState, change Change) (bool, error) {
	fare, err := encodeFare(change.Fare)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides
		SET state = $1,
		    driver_id = CASE WHEN $1 IN ('PickingUp', 'Started', 'Completed') THEN COALESCE($2, driver_id) ELSE NULL END,
		    fare = COALESCE($3, fare),
		    updated_at = $4
		WHERE id = $5 AND state = $6 AND ($7 = '' OR driver_id = $7)`,
		string(to), nullString(change.DriverID), fare, time.Now(), id, string(from), change.ExpectDriver)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// distinguish a lost race from a missing ride
	if _, err := p.GetRide(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r         models.Ride
		preferred []string
		driverID  sql.NullString
		state     string
		fare      []byte
	)
	err := s.Scan(&r.ID, &r.PickupAddress, &r.DropoffAddress, &r.Passengers, pq.Array(&preferred),
		&r.CreatedBy, &driverID, &state, &fare, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.State = models.RideState(state)
	r.DriverID = driverID.String
	r.PreferredVehicle = vehicleTypes(preferred)
	if len(fare) > 0 {
		var f models.FareBreakdown
		if err := json.Unmarshal(fare, &f); err != nil {
			return nil, fmt.Errorf("decode fare for ride %s: %w", r.ID, err)
		}
		r.Fare = &f
	}
	return &r, nil
}

// encodeFare renders the fare as JSON text; a nil fare becomes SQL NULL.
func encodeFare(f *models.FareBreakdown) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func vehicleStrings(v []models.VehicleType) []string {
	out := make([]string, len(v))
	for i, t := range v {
		out[i] = string(t)
	}
	return out
}

func vehicleTypes(v []string) []models.VehicleType {
	out := make([]models.VehicleType, len(v))
	for i, t := range v {
		out[i] = models.VehicleType(t)
	}
	return out
}
