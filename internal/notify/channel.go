package notify

// Event is a tagged notification record. Each event type carries its own
// payload shape; EventName is the wire tag clients switch on.
type Event interface {
	EventName() string
}

// Handle addresses one logical recipient of pushed events. Send must never
// block on a slow recipient; a send to a closed or superseded handle fails.
type Handle interface {
	ID() string
	Send(ev Event) error
	Close() error
}

// Channel is the push mechanism the dispatch engine emits through. Delivery
// is best-effort: failures are logged and dropped, never retried.
type Channel interface {
	// SendTo delivers one event to one recipient.
	SendTo(h Handle, ev Event)
	// SendToAll delivers one event to every currently connected party,
	// regardless of role.
	SendToAll(ev Event)
}

// envelope is the wire form of an event.
type envelope struct {
	Event string `json:"event"`
	Data  Event  `json:"data"`
}
