package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/notify"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Journal receives dispatch state changes for audit; publishing is
// best-effort and never blocks a dispatch decision.
type Journal interface {
	Publish(ctx context.Context, ev ingest.JournalEvent) error
}

// Engine resolves the dispatch protocol: which drivers see a request, and
// who wins when several claim it at once. Races are settled by a per-request
// compare-and-set on status (first writer wins); losers observe a no-op and
// are told via RequestClosed.
type Engine struct {
	logger   *slog.Logger
	registry *Registry
	requests storage.RequestStore
	drivers  storage.DriverStore
	channel  notify.Channel
	journal  Journal // optional

	mu      sync.Mutex
	offered map[string][]string // requestID -> drivers sent the original offer
}

func NewEngine(registry *Registry, requests storage.RequestStore, drivers storage.DriverStore, channel notify.Channel, journal Journal, logger *slog.Logger) *Engine {
	return &Engine{
		logger:   logger,
		registry: registry,
		requests: requests,
		drivers:  drivers,
		channel:  channel,
		journal:  journal,
		offered:  make(map[string][]string),
	}
}

// RegisterDriver binds the driver's connection and confirms to the caller.
// An unknown driver ID is a no-op, mirroring the not-found taxonomy: no
// binding, no notification.
func (e *Engine) RegisterDriver(ctx context.Context, driverID string, h notify.Handle) error {
	driver, err := e.drivers.GetByID(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("register for unknown driver", "driver_id", driverID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load driver: %w", err)
	}

	e.registry.Register(ctx, driver, h)
	e.channel.SendTo(h, DriverRegistered{Message: "registered online", DriverName: driver.DriverName})
	e.journalEvent(ctx, ingest.JournalEvent{Kind: ingest.KindDriverOnline, DriverID: driver.ID, TaxiStandID: driver.TaxiStandID})
	return nil
}

// Submit persists the request as Pending and fans the offer out to every
// driver online at the request's stand at this moment. An empty eligible set
// leaves the request Pending with zero notifications.
func (e *Engine) Submit(ctx context.Context, req *models.RideRequest) error {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.RequestTime.IsZero() {
		req.RequestTime = time.Now().UTC()
	}
	req.Status = models.StatusPending

	if err := e.requests.Create(ctx, req); err != nil {
		return fmt.Errorf("persist request: %w", err)
	}
	observability.RequestsSubmitted.Inc()
	e.journalEvent(ctx, ingest.JournalEvent{Kind: ingest.KindRequestCreated, RequestID: req.RequestID, TaxiStandID: req.TaxiStandID})

	eligible := e.registry.ConnectedDrivers(req.TaxiStandID)
	if len(eligible) == 0 {
		e.logger.Info("no drivers reachable for request", "request_id", req.RequestID, "stand_id", req.TaxiStandID)
		return nil
	}

	targets := make([]notify.Handle, 0, len(eligible))
	sent := make([]string, 0, len(eligible))
	for _, driverID := range eligible {
		h, ok := e.registry.HandleFor(driverID)
		if !ok {
			continue // went offline between snapshot and send
		}
		targets = append(targets, h)
		sent = append(sent, driverID)
	}

	// Record the offered set before any offer goes out: a driver can accept
	// in direct response to the offer, and that accept must already see its
	// peers so their RequestClosed is not lost.
	e.mu.Lock()
	e.offered[req.RequestID] = sent
	e.mu.Unlock()

	offer := NewTaxiRequest{Request: *req}
	for _, h := range targets {
		e.channel.SendTo(h, offer)
		observability.OffersSent.Inc()
	}

	e.logger.Info("request dispatched", "request_id", req.RequestID, "stand_id", req.TaxiStandID, "drivers", len(sent))
	return nil
}

// Accept is the race-critical claim. The status CAS is the sole arbiter:
// exactly one concurrent claimant transitions Pending->Accepted, everyone
// else lands on a silent no-op. Success-implying notifications go out only
// after the CAS reports true.
func (e *Engine) Accept(ctx context.Context, requestID, driverID string) error {
	driver, err := e.drivers.GetByID(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("accept from unknown driver", "request_id", requestID, "driver_id", driverID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load driver: %w", err)
	}

	assign := &models.Assignment{
		DriverID:    driver.ID,
		DriverName:  driver.DriverName,
		DriverPlate: driver.VehiclePlate,
	}
	won, err := e.requests.UpdateStatus(ctx, requestID, models.StatusPending, models.StatusAccepted, assign)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("accept for unknown request", "request_id", requestID, "driver_id", driverID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("accept cas: %w", err)
	}
	if !won {
		// Already claimed or declined; expected under racing.
		observability.AcceptsTotal.WithLabelValues("stale").Inc()
		e.logger.Info("stale accept", "request_id", requestID, "driver_id", driverID)
		return nil
	}
	observability.AcceptsTotal.WithLabelValues("won").Inc()
	e.journalEvent(ctx, ingest.JournalEvent{Kind: ingest.KindRequestAccepted, RequestID: requestID, DriverID: driver.ID, TaxiStandID: driver.TaxiStandID})

	e.channel.SendToAll(TaxiAccepted{
		RequestID:  requestID,
		DriverName: driver.DriverName,
		Plate:      driver.VehiclePlate,
		Message:    "driver on the way",
	})

	// Retract the offer from everyone else who received it and is still
	// online; a driver who dropped off never got a handle to send to.
	e.mu.Lock()
	sent := e.offered[requestID]
	delete(e.offered, requestID)
	e.mu.Unlock()
	closed := RequestClosed{RequestID: requestID}
	for _, other := range sent {
		if other == driver.ID {
			continue
		}
		if h, ok := e.registry.HandleFor(other); ok {
			e.channel.SendTo(h, closed)
		}
	}

	e.logger.Info("request accepted", "request_id", requestID, "driver_id", driver.ID)
	return nil
}

// Reject transitions Pending->Rejected under the same CAS discipline. It
// does not emit RequestClosed to the rejecting driver's peers; the rejection
// only affects the rejecting driver's own view of the offer.
func (e *Engine) Reject(ctx context.Context, requestID, driverID string) error {
	if _, err := e.drivers.GetByID(ctx, driverID); errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("reject from unknown driver", "request_id", requestID, "driver_id", driverID)
		return nil
	} else if err != nil {
		return fmt.Errorf("load driver: %w", err)
	}

	applied, err := e.requests.UpdateStatus(ctx, requestID, models.StatusPending, models.StatusRejected, nil)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("reject for unknown request", "request_id", requestID, "driver_id", driverID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reject cas: %w", err)
	}
	if !applied {
		e.logger.Info("stale reject", "request_id", requestID, "driver_id", driverID)
		return nil
	}
	observability.RejectsTotal.Inc()
	e.journalEvent(ctx, ingest.JournalEvent{Kind: ingest.KindRequestRejected, RequestID: requestID, DriverID: driverID})

	e.mu.Lock()
	delete(e.offered, requestID)
	e.mu.Unlock()

	e.channel.SendToAll(TaxiRejected{RequestID: requestID})
	e.logger.Info("request rejected", "request_id", requestID, "driver_id", driverID)
	return nil
}

// HandleDisconnect unbinds the driver behind a dropped connection. In-flight
// requests are untouched: a request already offered to the driver is neither
// retried nor reassigned.
func (e *Engine) HandleDisconnect(ctx context.Context, h notify.Handle) {
	driverID, standID, ok := e.registry.Unregister(ctx, h)
	if !ok {
		return
	}
	e.journalEvent(ctx, ingest.JournalEvent{Kind: ingest.KindDriverOffline, DriverID: driverID, TaxiStandID: standID})
	e.logger.Info("driver disconnected", "driver_id", driverID)
}

func (e *Engine) journalEvent(ctx context.Context, ev ingest.JournalEvent) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Publish(ctx, ev); err != nil {
		e.logger.Warn("journal publish failed", "kind", ev.Kind, "error", err)
	}
}
