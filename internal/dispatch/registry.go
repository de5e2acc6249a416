package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/notify"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

type binding struct {
	handle  notify.Handle
	standID string
}

// Registry is the single source of truth for which drivers are reachable
// right now. It maps a driver to at most one live handle; registering from a
// new connection supersedes (and invalidates) the previous one.
//
// One mutex guards both maps: calls for the same driver serialize, calls for
// different drivers only contend on the map operation itself.
type Registry struct {
	logger  *slog.Logger
	drivers storage.DriverStore

	mu       sync.Mutex
	byDriver map[string]binding // driverID -> live binding
	byHandle map[string]string  // handle ID -> driverID
}

func NewRegistry(drivers storage.DriverStore, logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		drivers:  drivers,
		byDriver: make(map[string]binding),
		byHandle: make(map[string]string),
	}
}

// Register binds the driver to handle and marks it online. A prior handle
// for the same driver is closed before the new one is installed, so nothing
// addressed to the stale handle is ever delivered. Registering the same
// handle again is a no-op.
func (r *Registry) Register(ctx context.Context, driver *models.Driver, h notify.Handle) {
	r.mu.Lock()
	old, had := r.byDriver[driver.ID]
	if had && old.handle.ID() == h.ID() {
		r.mu.Unlock()
		return
	}
	if had {
		delete(r.byHandle, old.handle.ID())
	}
	r.byDriver[driver.ID] = binding{handle: h, standID: driver.TaxiStandID}
	r.byHandle[h.ID()] = driver.ID
	r.mu.Unlock()

	if had {
		// Invalidate outside the lock; Close never blocks on the peer.
		_ = old.handle.Close()
	} else {
		observability.DriversOnline.Inc()
	}

	// The registry is the availability source of truth; a persist failure
	// is logged, never rolled back.
	if err := r.drivers.SetOnline(ctx, driver.ID, true, h.ID()); err != nil {
		r.logger.Warn("persist online flag failed", "driver_id", driver.ID, "error", err)
	}
}

// Unregister removes the binding and marks the driver offline, but only if
// the handle still matches the current binding. A late disconnect of a
// superseded handle is a no-op: it must not clobber the newer registration.
func (r *Registry) Unregister(ctx context.Context, h notify.Handle) (driverID, standID string, ok bool) {
	r.mu.Lock()
	driverID, ok = r.byHandle[h.ID()]
	if !ok {
		r.mu.Unlock()
		return "", "", false
	}
	standID = r.byDriver[driverID].standID
	delete(r.byHandle, h.ID())
	delete(r.byDriver, driverID)
	r.mu.Unlock()

	observability.DriversOnline.Dec()
	if err := r.drivers.SetOnline(ctx, driverID, false, ""); err != nil {
		r.logger.Warn("persist offline flag failed", "driver_id", driverID, "error", err)
	}
	return driverID, standID, true
}

// ConnectedDrivers returns the driver IDs online at a stand. Snapshot
// semantics: the set reflects registry state at call time only.
func (r *Registry) ConnectedDrivers(standID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byDriver))
	for id, b := range r.byDriver {
		if b.standID == standID {
			out = append(out, id)
		}
	}
	return out
}

// HandleFor returns the current live handle for a driver, if any.
func (r *Registry) HandleFor(driverID string) (notify.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byDriver[driverID]
	if !ok {
		return nil, false
	}
	return b.handle, true
}
