package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/storage"
)

type fakeProcessor struct {
	mu      sync.Mutex
	status  IntentStatus
	created []int64
}

func (f *fakeProcessor) CreateIntent(_ context.Context, amount int64, _ string, _ map[string]string) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, amount)
	return Intent{ID: "pi_1", ClientSecret: "secret", Status: IntentPending}, nil
}

func (f *fakeProcessor) GetIntent(_ context.Context, id string) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Intent{ID: id, Status: f.status}, nil
}

func (f *fakeProcessor) CancelIntent(context.Context, string) error { return nil }

func newLedger() (*Ledger, *storage.MemoryStore, *fakeProcessor) {
	st := storage.NewMemoryStore()
	p := &fakeProcessor{status: IntentPending}
	return &Ledger{Accounts: st, Transactions: st, Processor: p, Currency: "cad"}, st, p
}

func TestSettleMovesFareBetweenParties(t *testing.T) {
	ctx := context.Background()
	l, st, _ := newLedger()
	r := &models.Ride{ID: "r1", CreatedBy: "rider", DriverID: "d1", Fare: &models.FareBreakdown{Total: 1356, DriverPayout: 949}}
	if err := l.Settle(ctx, r); err != nil {
		t.Fatal(err)
	}
	if b, _ := st.Balance(ctx, "rider"); b != -1356 {
		t.Fatalf("rider balance %d", b)
	}
	if b, _ := st.Balance(ctx, "d1"); b != 949 {
		t.Fatalf("driver balance %d", b)
	}
	txs, _ := l.List(ctx, "rider")
	if len(txs) != 1 || txs[0].Type != models.TransactionDebit || txs[0].RideID != "r1" {
		t.Fatalf("unexpected rider ledger %+v", txs)
	}
}

func TestSettleRequiresFare(t *testing.T) {
	l, _, _ := newLedger()
	if err := l.Settle(context.Background(), &models.Ride{ID: "r1"}); !errors.Is(err, ErrNoFare) {
		t.Fatalf("expected ErrNoFare, got %v", err)
	}
}

func TestClearBalanceFlow(t *testing.T) {
	ctx := context.Background()
	l, st, p := newLedger()

	if _, _, err := l.ClearBalance(ctx, "rider"); !errors.Is(err, ErrNoOutstandingBalance) {
		t.Fatalf("expected no outstanding balance, got %v", err)
	}

	_, _ = st.Adjust(ctx, "rider", -700)
	tx, intent, err := l.ClearBalance(ctx, "rider")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Amount != 700 || tx.PaymentID != intent.ID || p.created[0] != 700 {
		t.Fatalf("unexpected payment %+v %+v", tx, intent)
	}
	if txs, _ := l.List(ctx, "rider"); len(txs) != 0 {
		t.Fatalf("unpaid payment listed: %+v", txs)
	}

	got, err := l.Refresh(ctx, "rider", tx.ID)
	if err != nil || got.PaymentStatus != models.PaymentUnpaid {
		t.Fatalf("pending payment marked paid: %+v %v", got, err)
	}

	p.status = IntentSucceeded
	for i := 0; i < 3; i++ {
		got, err = l.Refresh(ctx, "rider", tx.ID)
		if err != nil || got.PaymentStatus != models.PaymentPaid {
			t.Fatalf("refresh %d: %+v %v", i, got, err)
		}
	}
	if b, _ := st.Balance(ctx, "rider"); b != 0 {
		t.Fatalf("balance credited more than once: %d", b)
	}
}

func TestRefreshChecksOwnership(t *testing.T) {
	ctx := context.Background()
	l, st, _ := newLedger()
	_, _ = st.Adjust(ctx, "rider", -100)
	tx, _, _ := l.ClearBalance(ctx, "rider")
	if _, err := l.Refresh(ctx, "someone-else", tx.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClearBalanceWithoutProcessor(t *testing.T) {
	l, _, _ := newLedger()
	l.Processor = nil
	if _, _, err := l.ClearBalance(context.Background(), "rider"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
