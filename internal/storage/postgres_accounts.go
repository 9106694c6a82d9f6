package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/example/rideshare/internal/models"
)

func (p *PostgresStore) GetProfile(ctx context.Context, uid string) (*models.Profile, error) {
	row := p.db.QueryRowContext(ctx, `SELECT uid, name, preferred_vehicle, vehicle FROM profiles WHERE uid = $1`, uid)
	pr, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pr, err
}

func (p *PostgresStore) GetProfiles(ctx context.Context, uids []string) (map[string]*models.Profile, error) {
	out := make(map[string]*models.Profile, len(uids))
	if len(uids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT uid, name, preferred_vehicle, vehicle FROM profiles WHERE uid = ANY($1)`, pq.Array(uids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		pr, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out[pr.UID] = pr
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveProfile(ctx context.Context, pr *models.Profile) error {
	var vehicle sql.NullString
	if pr.Vehicle != nil {
		b, err := json.Marshal(pr.Vehicle)
		if err != nil {
			return err
		}
		vehicle = sql.NullString{String: string(b), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (uid, name, preferred_vehicle, vehicle) VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid) DO UPDATE SET name = EXCLUDED.name, preferred_vehicle = EXCLUDED.preferred_vehicle, vehicle = EXCLUDED.vehicle`,
		pr.UID, pr.Name, pq.Array(vehicleStrings(pr.PreferredVehicle)), vehicle)
	return err
}

func scanProfile(s scanner) (*models.Profile, error) {
	var (
		pr        models.Profile
		preferred []string
		vehicle   []byte
	)
	if err := s.Scan(&pr.UID, &pr.Name, pq.Array(&preferred), &vehicle); err != nil {
		return nil, err
	}
	pr.PreferredVehicle = vehicleTypes(preferred)
	if len(vehicle) > 0 {
		var v models.Vehicle
		if err := json.Unmarshal(vehicle, &v); err != nil {
			return nil, err
		}
		pr.Vehicle = &v
	}
	return &pr, nil
}

func (p *PostgresStore) Balance(ctx context.Context, uid string) (int64, error) {
	var amount int64
	err := p.db.QueryRowContext(ctx, `SELECT amount FROM accounts WHERE user_id = $1`, uid).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (p *PostgresStore) Adjust(ctx context.Context, uid string, delta int64) (int64, error) {
	var amount int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, amount) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET amount = accounts.amount + EXCLUDED.amount
		RETURNING amount`, uid, delta).Scan(&amount)
	return amount, err
}

const transactionColumns = `id, created_at, user_id, amount, type, ride_id, payment_id, payment_status`

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.CreatedAt, t.UserID, t.Amount, string(t.Type), nullString(t.RideID), nullString(t.PaymentID), nullString(string(t.PaymentStatus)))
	return err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, uid string) ([]*models.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetPaymentID(ctx context.Context, id, paymentID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET payment_id = $1 WHERE id = $2`, paymentID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET payment_status = 'Paid' WHERE id = $1 AND payment_status IS DISTINCT FROM 'Paid'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanTransaction(s scanner) (*models.Transaction, error) {
	var (
		t                       models.Transaction
		typ                     string
		rideID, paymentID, stat sql.NullString
	)
	if err := s.Scan(&t.ID, &t.CreatedAt, &t.UserID, &t.Amount, &typ, &rideID, &paymentID, &stat); err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(typ)
	t.RideID = rideID.String
	t.PaymentID = paymentID.String
	t.PaymentStatus = models.PaymentStatus(stat.String)
	return &t, nil
}
