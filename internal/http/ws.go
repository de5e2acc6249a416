package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/taxi-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the inbound action envelope carried over a websocket.
// Fields beyond Action are populated per action.
type clientMessage struct {
	Action string `json:"action"`

	DriverID  string `json:"driver_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	UserID        string       `json:"user_id,omitempty"`
	TaxiStandID   string       `json:"taxi_stand_id,omitempty"`
	From          models.Coord `json:"from,omitempty"`
	To            models.Coord `json:"to,omitempty"`
	EstimatedFare float64      `json:"estimated_fare,omitempty"`
}

// handleDriverWS carries the driver side of the dispatch protocol:
// register, accept, reject inbound; offers and outcomes outbound. The
// connection drop is the implicit disconnect event.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	handle := s.Broadcaster.Attach(conn)
	defer func() {
		s.Engine.HandleDisconnect(context.Background(), handle)
		_ = handle.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("bad driver message", "handle", handle.ID(), "error", err)
			continue
		}
		ctx := r.Context()
		switch msg.Action {
		case "register":
			err = s.Engine.RegisterDriver(ctx, msg.DriverID, handle)
		case "accept":
			err = s.Engine.Accept(ctx, msg.RequestID, msg.DriverID)
		case "reject":
			err = s.Engine.Reject(ctx, msg.RequestID, msg.DriverID)
		default:
			s.logger.Warn("unknown driver action", "action", msg.Action, "handle", handle.ID())
			continue
		}
		if err != nil {
			s.logger.Error("driver action failed", "action", msg.Action, "handle", handle.ID(), "error", err)
		}
	}
}

// handleUserWS attaches a passenger to the broadcast audience and accepts
// taxi requests. Passengers receive TaxiAccepted / TaxiRejected through the
// broadcast channel.
func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	handle := s.Broadcaster.Attach(conn)
	defer handle.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("bad user message", "handle", handle.ID(), "error", err)
			continue
		}
		if msg.Action != "requestTaxi" {
			s.logger.Warn("unknown user action", "action", msg.Action, "handle", handle.ID())
			continue
		}
		req := &models.RideRequest{
			UserID:        msg.UserID,
			TaxiStandID:   msg.TaxiStandID,
			From:          msg.From,
			To:            msg.To,
			EstimatedFare: msg.EstimatedFare,
		}
		if err := s.Engine.Submit(r.Context(), req); err != nil {
			s.logger.Error("submit failed", "handle", handle.ID(), "error", err)
		}
	}
}
