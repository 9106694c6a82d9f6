// Package payments keeps the account ledger: fares are settled between
// rider and driver at drop-off, and a negative balance is cleared with a
// card payment.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/storage"
)

var (
	ErrNoOutstandingBalance = errors.New("payments: no outstanding negative balance")
	ErrNotPayment           = errors.New("payments: transaction is not a card payment")
	ErrNoFare               = errors.New("payments: ride has no fare")
)

type Ledger struct {
	Accounts     storage.AccountStore
	Transactions storage.TransactionStore
	Processor    Processor
	Currency     string
	Logger       *slog.Logger
	Now          func() time.Time
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Settle debits the rider the fare total and credits the driver the payout.
func (l *Ledger) Settle(ctx context.Context, r *models.Ride) error {
	if r.Fare == nil {
		return fmt.Errorf("settle ride %s: %w", r.ID, ErrNoFare)
	}
	if err := l.post(ctx, r.CreatedBy, r.ID, models.TransactionDebit, r.Fare.Total); err != nil {
		return fmt.Errorf("debit rider: %w", err)
	}
	if err := l.post(ctx, r.DriverID, r.ID, models.TransactionCredit, r.Fare.DriverPayout); err != nil {
		return fmt.Errorf("credit driver: %w", err)
	}
	l.logger().Info("ride settled", "ride_id", r.ID, "total", r.Fare.Total, "payout", r.Fare.DriverPayout)
	return nil
}

func (l *Ledger) post(ctx context.Context, uid, rideID string, typ models.TransactionType, amount int64) error {
	delta := amount
	if typ == models.TransactionDebit {
		delta = -amount
	}
	if _, err := l.Accounts.Adjust(ctx, uid, delta); err != nil {
		return err
	}
	return l.Transactions.CreateTransaction(ctx, &models.Transaction{
		ID:        uuid.NewString(),
		CreatedAt: l.now(),
		UserID:    uid,
		Amount:    amount,
		Type:      typ,
		RideID:    rideID,
	})
}

func (l *Ledger) Account(ctx context.Context, uid string) (models.Account, error) {
	amount, err := l.Accounts.Balance(ctx, uid)
	if err != nil {
		return models.Account{}, err
	}
	return models.Account{UserID: uid, Amount: amount}, nil
}

// List returns the user's ledger, hiding card payments that never completed.
func (l *Ledger) List(ctx context.Context, uid string) ([]*models.Transaction, error) {
	all, err := l.Transactions.ListTransactions(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.PaymentStatus == models.PaymentUnpaid {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ClearBalance opens an unpaid credit for the outstanding debt and a
// matching payment intent. The balance moves only once Refresh sees the
// payment succeed.
func (l *Ledger) ClearBalance(ctx context.Context, uid string) (*models.Transaction, Intent, error) {
	if l.Processor == nil {
		return nil, Intent{}, ErrDisabled
	}
	balance, err := l.Accounts.Balance(ctx, uid)
	if err != nil {
		return nil, Intent{}, err
	}
	if balance >= 0 {
		return nil, Intent{}, ErrNoOutstandingBalance
	}
	t := &models.Transaction{
		ID:            uuid.NewString(),
		CreatedAt:     l.now(),
		UserID:        uid,
		Amount:        -balance,
		Type:          models.TransactionCredit,
		PaymentStatus: models.PaymentUnpaid,
	}
	if err := l.Transactions.CreateTransaction(ctx, t); err != nil {
		return nil, Intent{}, err
	}
	intent, err := l.Processor.CreateIntent(ctx, t.Amount, l.Currency, map[string]string{"transaction_id": t.ID, "user_id": uid})
	if err != nil {
		return nil, Intent{}, fmt.Errorf("create payment intent: %w", err)
	}
	if err := l.Transactions.SetPaymentID(ctx, t.ID, intent.ID); err != nil {
		return nil, Intent{}, err
	}
	t.PaymentID = intent.ID
	return t, intent, nil
}

// Refresh reconciles an unpaid card payment with the processor. The
// account is credited exactly once, by whichever refresh flips it to paid.
func (l *Ledger) Refresh(ctx context.Context, uid, txID string) (*models.Transaction, error) {
	t, err := l.Transactions.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.UserID != uid {
		return nil, fmt.Errorf("transaction %s: %w", txID, storage.ErrNotFound)
	}
	if t.PaymentID == "" {
		return nil, ErrNotPayment
	}
	if t.PaymentStatus == models.PaymentPaid || l.Processor == nil {
		return t, nil
	}
	intent, err := l.Processor.GetIntent(ctx, t.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	if intent.Status != IntentSucceeded {
		return t, nil
	}
	flipped, err := l.Transactions.MarkPaid(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if flipped {
		if _, err := l.Accounts.Adjust(ctx, uid, t.Amount); err != nil {
			return nil, err
		}
		l.logger().Info("balance payment received", "user_id", uid, "transaction_id", t.ID, "amount", t.Amount)
	}
	t.PaymentStatus = models.PaymentPaid
	return t, nil
}
