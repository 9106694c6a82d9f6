package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/rideshare/internal/models"
)

// MemoryStore keeps every record in process. It implements all store
// interfaces and is the default when no database is configured.
type MemoryStore struct {
	mu           sync.RWMutex
	rides        map[string]*models.Ride
	profiles     map[string]*models.Profile
	accounts     map[string]int64
	transactions map[string]*models.Transaction
	rejections   map[string]map[string]struct{}
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:        make(map[string]*models.Ride),
		profiles:     make(map[string]*models.Profile),
		accounts:     make(map[string]int64),
		transactions: make(map[string]*models.Transaction),
		rejections:   make(map[string]map[string]struct{}),
		now:          time.Now,
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.State.Active() && m.hasActiveLocked(r.CreatedBy) {
		return ErrActiveRide
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRidesByUser(_ context.Context, uid string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.CreatedBy == uid || r.DriverID == uid {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) HasActiveRide(_ context.Context, riderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasActiveLocked(riderID), nil
}

func (m *MemoryStore) hasActiveLocked(riderID string) bool {
	for _, r := range m.rides {
		if r.CreatedBy == riderID && r.State.Active() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, from, to models.RideState, change Change) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.State != from {
		return false, nil
	}
	if change.ExpectDriver != "" && r.DriverID != change.ExpectDriver {
		return false, nil
	}
	applyChange(r, to, change)
	r.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) GetProfile(_ context.Context, uid string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (m *MemoryStore) GetProfiles(_ context.Context, uids []string) (map[string]*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Profile, len(uids))
	for _, uid := range uids {
		if p, ok := m.profiles[uid]; ok {
			out[uid] = cloneProfile(p)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, p *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UID] = cloneProfile(p)
	return nil
}

func cloneProfile(p *models.Profile) *models.Profile {
	c := *p
	c.PreferredVehicle = append([]models.VehicleType(nil), p.PreferredVehicle...)
	if p.Vehicle != nil {
		v := *p.Vehicle
		c.Vehicle = &v
	}
	return &c
}

func (m *MemoryStore) Balance(_ context.Context, uid string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[uid], nil
}

func (m *MemoryStore) Adjust(_ context.Context, uid string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[uid] += delta
	return m.accounts[uid], nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.transactions[t.ID] = &c
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, uid string) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Transaction
	for _, t := range m.transactions {
		if t.UserID == uid {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetPaymentID(_ context.Context, id, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	t.PaymentID = paymentID
	return nil
}

func (m *MemoryStore) MarkPaid(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.PaymentStatus == models.PaymentPaid {
		return false, nil
	}
	t.PaymentStatus = models.PaymentPaid
	return true, nil
}

func (m *MemoryStore) AddRejection(_ context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rejections[rideID]
	if !ok {
		set = make(map[string]struct{})
		m.rejections[rideID] = set
	}
	set[driverID] = struct{}{}
	return nil
}

func (m *MemoryStore) IsRejected(_ context.Context, rideID, driverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rejections[rideID][driverID]
	return ok, nil
}

func (m *MemoryStore) ClearRejections(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejections, rideID)
	return nil
}
