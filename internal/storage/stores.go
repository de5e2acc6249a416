package storage

import (
	"context"
	"errors"

	"github.com/example/taxi-dispatch/internal/models"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrDuplicate    = errors.New("storage: already exists")
	ErrInsufficient = errors.New("storage: insufficient balance")
)

// RequestStore persists taxi requests. It is the system of record for a
// request once dispatch completes; the engine owns the request while a
// dispatch is open.
type RequestStore interface {
	Create(ctx context.Context, req *models.RideRequest) error
	GetByID(ctx context.Context, id string) (*models.RideRequest, error)
	// UpdateStatus applies a compare-and-set on the request's status: the
	// transition and optional driver assignment are written only if the
	// current status equals expected. The bool reports whether it applied.
	UpdateStatus(ctx context.Context, id string, expected, next models.RequestStatus, assign *models.Assignment) (bool, error)
}

// DriverStore reads and updates durable driver records. The online flag
// written here mirrors the connection registry for durability and audit;
// the registry remains the availability source of truth.
type DriverStore interface {
	Create(ctx context.Context, d *models.Driver) error
	GetByID(ctx context.Context, id string) (*models.Driver, error)
	GetByEmail(ctx context.Context, email string) (*models.Driver, error)
	Update(ctx context.Context, d *models.Driver) error
	SetOnline(ctx context.Context, id string, online bool, handleToken string) error
	ListOnlineByStand(ctx context.Context, standID string) ([]models.Driver, error)
}

// UserStore holds passenger accounts.
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, u *models.User) error
}

// CardStore holds prepaid cards and their balance movements.
type CardStore interface {
	Create(ctx context.Context, c *models.Card) error
	GetByCode(ctx context.Context, code string) (*models.Card, error)
	ListByUser(ctx context.Context, userID string) ([]models.Card, error)
	Delete(ctx context.Context, cardID, userID string) error
	// Adjust applies delta to the card balance as a single conditional
	// update: a debit that would drive the balance negative fails with
	// ErrInsufficient and leaves the balance untouched.
	Adjust(ctx context.Context, code string, delta int64, kind string) (*models.Transaction, error)
}
