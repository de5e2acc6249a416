package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RequestStatus is the lifecycle state of a taxi request. Pending is the only
// non-terminal state: once a request leaves Pending it never transitions again.
type RequestStatus string

const (
	StatusPending  RequestStatus = "Pending"
	StatusAccepted RequestStatus = "Accepted"
	StatusRejected RequestStatus = "Rejected"
)

// Terminal reports whether no further status transition is permitted.
func (s RequestStatus) Terminal() bool { return s != StatusPending }

type RideRequest struct {
	RequestID     string        `json:"request_id"`
	UserID        string        `json:"user_id"`
	TaxiStandID   string        `json:"taxi_stand_id"`
	From          Coord         `json:"from"`
	To            Coord         `json:"to"`
	EstimatedFare float64       `json:"estimated_fare"`
	RequestTime   time.Time     `json:"request_time"`
	Status        RequestStatus `json:"status"`

	// Denormalized onto the request when accepted so notification payloads
	// do not need a second lookup.
	DriverID    string `json:"driver_id,omitempty"`
	DriverName  string `json:"driver_name,omitempty"`
	DriverPlate string `json:"driver_plate,omitempty"`
}

// Assignment carries the driver fields attached to a request on accept.
type Assignment struct {
	DriverID    string
	DriverName  string
	DriverPlate string
}

type Driver struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	PasswordHash  string `json:"-"`
	TaxiStandID   string `json:"taxi_stand_id"`
	TaxiStandName string `json:"taxi_stand_name"`
	DriverName    string `json:"driver_name"`
	VehiclePlate  string `json:"vehicle_plate"`

	// ConnectionID is the durable mirror of the live handle token; the
	// connection registry owns the authoritative in-memory binding.
	ConnectionID string `json:"-"`
	Online       bool   `json:"online"`

	Verified         bool   `json:"verified"`
	VerificationCode string `json:"-"`
}

type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	PasswordHash     string `json:"-"`
	FullName         string `json:"full_name"`
	PhoneNumber      string `json:"phone_number,omitempty"`
	Verified         bool   `json:"verified"`
	VerificationCode string `json:"-"`
}

// Card is a prepaid travel card. Balance is in minor currency units.
type Card struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	CardCode string    `json:"card_code"`
	Nickname string    `json:"nickname,omitempty"`
	Balance  int64     `json:"balance"`
	AddedAt  time.Time `json:"added_at"`
}

// Transaction records a single balance movement on a card.
type Transaction struct {
	ID         string    `json:"id"`
	CardID     string    `json:"card_id"`
	Amount     int64     `json:"amount"` // negative for charges
	Kind       string    `json:"kind"`   // topup, charge
	OldBalance int64     `json:"old_balance"`
	NewBalance int64     `json:"new_balance"`
	CreatedAt  time.Time `json:"created_at"`
}
