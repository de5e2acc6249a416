package dispatch

import "github.com/example/taxi-dispatch/internal/models"

// One tagged record per outbound event; the event name is the tag clients
// switch on, the struct is the full payload shape.

// DriverRegistered confirms a successful register to the calling driver.
type DriverRegistered struct {
	Message    string `json:"message"`
	DriverName string `json:"driver_name"`
}

func (DriverRegistered) EventName() string { return "DriverRegistered" }

// NewTaxiRequest offers a pending request to one eligible driver.
type NewTaxiRequest struct {
	Request models.RideRequest `json:"request"`
}

func (NewTaxiRequest) EventName() string { return "NewTaxiRequest" }

// TaxiAccepted announces the winning driver to all connected parties.
type TaxiAccepted struct {
	RequestID  string `json:"request_id"`
	DriverName string `json:"driver_name"`
	Plate      string `json:"plate"`
	Message    string `json:"message"`
}

func (TaxiAccepted) EventName() string { return "TaxiAccepted" }

// RequestClosed tells a driver who received the original offer that the
// request is no longer claimable, so it can retract its local view.
type RequestClosed struct {
	RequestID string `json:"request_id"`
}

func (RequestClosed) EventName() string { return "RequestClosed" }

// TaxiRejected announces a rejected request to all connected parties.
type TaxiRejected struct {
	RequestID string `json:"request_id"`
}

func (TaxiRejected) EventName() string { return "TaxiRejected" }
