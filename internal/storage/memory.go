package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/models"
)

// The memory stores back tests and zero-config local runs. Their
// compare-and-set semantics match the Postgres implementations exactly.

type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]*models.RideRequest)}
}

func (m *MemoryRequestStore) Create(ctx context.Context, req *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.RequestID]; ok {
		return ErrDuplicate
	}
	cp := *req
	m.requests[req.RequestID] = &cp
	return nil
}

func (m *MemoryRequestStore) GetByID(ctx context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRequestStore) UpdateStatus(ctx context.Context, id string, expected, next models.RequestStatus, assign *models.Assignment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != expected {
		return false, nil
	}
	r.Status = next
	if assign != nil {
		r.DriverID = assign.DriverID
		r.DriverName = assign.DriverName
		r.DriverPlate = assign.DriverPlate
	}
	return true, nil
}

type MemoryDriverStore struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func NewMemoryDriverStore() *MemoryDriverStore {
	return &MemoryDriverStore{drivers: make(map[string]*models.Driver)}
}

func (m *MemoryDriverStore) Create(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.drivers {
		if strings.EqualFold(existing.Email, d.Email) {
			return ErrDuplicate
		}
	}
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryDriverStore) GetByID(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDriverStore) GetByEmail(ctx context.Context, email string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if strings.EqualFold(d.Email, email) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryDriverStore) Update(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryDriverStore) SetOnline(ctx context.Context, id string, online bool, handleToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Online = online
	d.ConnectionID = ""
	if online {
		d.ConnectionID = handleToken
	}
	return nil
}

func (m *MemoryDriverStore) ListOnlineByStand(ctx context.Context, standID string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.TaxiStandID == standID && d.Online {
			out = append(out, *d)
		}
	}
	return out, nil
}

type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.User)}
}

func (m *MemoryUserStore) Create(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrDuplicate
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryUserStore) Update(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

type MemoryCardStore struct {
	mu    sync.RWMutex
	cards map[string]*models.Card // keyed by upper-cased card code
	txns  []models.Transaction
}

func NewMemoryCardStore() *MemoryCardStore {
	return &MemoryCardStore{cards: make(map[string]*models.Card)}
}

func (m *MemoryCardStore) Create(ctx context.Context, c *models.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToUpper(c.CardCode)
	if _, ok := m.cards[key]; ok {
		return ErrDuplicate
	}
	cp := *c
	m.cards[key] = &cp
	return nil
}

func (m *MemoryCardStore) GetByCode(ctx context.Context, code string) (*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryCardStore) ListByUser(ctx context.Context, userID string) ([]models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Card
	for _, c := range m.cards {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryCardStore) Delete(ctx context.Context, cardID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.cards {
		if c.ID == cardID && c.UserID == userID {
			delete(m.cards, key)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryCardStore) Adjust(ctx context.Context, code string, delta int64, kind string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Balance+delta < 0 {
		return nil, ErrInsufficient
	}
	txn := models.Transaction{
		ID:         uuid.NewString(),
		CardID:     c.ID,
		Amount:     delta,
		Kind:       kind,
		OldBalance: c.Balance,
		NewBalance: c.Balance + delta,
		CreatedAt:  time.Now().UTC(),
	}
	c.Balance = txn.NewBalance
	m.txns = append(m.txns, txn)
	return &txn, nil
}
