package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/notify"
	"github.com/example/taxi-dispatch/internal/storage"
)

type fakeHandle struct {
	id string

	mu     sync.Mutex
	events []notify.Event
	closed bool
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Send(ev notify.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) recorded() []notify.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]notify.Event, len(h.events))
	copy(out, h.events)
	return out
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seedDriver(t *testing.T, store storage.DriverStore, id, standID string) *models.Driver {
	t.Helper()
	d := &models.Driver{
		ID:           id,
		Email:        id + "@example.test",
		TaxiStandID:  standID,
		DriverName:   "Driver " + id,
		VehiclePlate: "34 ABC " + id,
		Verified:     true,
	}
	if err := store.Create(context.Background(), d); err != nil {
		t.Fatalf("seed driver %s: %v", id, err)
	}
	return d
}

func TestRegisterThenUnregisterLeavesDriverOffline(t *testing.T) {
	ctx := context.Background()
	drivers := storage.NewMemoryDriverStore()
	reg := NewRegistry(drivers, testLogger())
	d := seedDriver(t, drivers, "d1", "stand-001")
	h := &fakeHandle{id: "h1"}

	reg.Register(ctx, d, h)
	if got := reg.ConnectedDrivers("stand-001"); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("expected d1 connected, got %v", got)
	}
	stored, _ := drivers.GetByID(ctx, "d1")
	if !stored.Online || stored.ConnectionID != "h1" {
		t.Fatalf("expected durable online mirror, got online=%v conn=%q", stored.Online, stored.ConnectionID)
	}

	if _, _, ok := reg.Unregister(ctx, h); !ok {
		t.Fatal("expected unregister to apply")
	}
	if got := reg.ConnectedDrivers("stand-001"); len(got) != 0 {
		t.Fatalf("expected no connected drivers, got %v", got)
	}
	stored, _ = drivers.GetByID(ctx, "d1")
	if stored.Online {
		t.Fatal("expected driver offline after unregister")
	}
}

func TestLateDisconnectOfSupersededHandleIsNoop(t *testing.T) {
	ctx := context.Background()
	drivers := storage.NewMemoryDriverStore()
	reg := NewRegistry(drivers, testLogger())
	d := seedDriver(t, drivers, "d1", "stand-001")
	h1 := &fakeHandle{id: "h1"}
	h2 := &fakeHandle{id: "h2"}

	reg.Register(ctx, d, h1)
	reg.Register(ctx, d, h2)

	if !h1.isClosed() {
		t.Fatal("expected superseded handle to be invalidated")
	}
	if _, _, ok := reg.Unregister(ctx, h1); ok {
		t.Fatal("expected late disconnect of h1 to be a no-op")
	}

	if got := reg.ConnectedDrivers("stand-001"); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("expected d1 still connected via h2, got %v", got)
	}
	current, ok := reg.HandleFor("d1")
	if !ok || current.ID() != "h2" {
		t.Fatalf("expected binding to h2, got %v", current)
	}
	stored, _ := drivers.GetByID(ctx, "d1")
	if !stored.Online {
		t.Fatal("expected driver to remain online")
	}
}

func TestRegisterSameHandleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	drivers := storage.NewMemoryDriverStore()
	reg := NewRegistry(drivers, testLogger())
	d := seedDriver(t, drivers, "d1", "stand-001")
	h := &fakeHandle{id: "h1"}

	reg.Register(ctx, d, h)
	reg.Register(ctx, d, h)

	if h.isClosed() {
		t.Fatal("re-registering the same handle must not invalidate it")
	}
	if got := reg.ConnectedDrivers("stand-001"); len(got) != 1 {
		t.Fatalf("expected one binding, got %v", got)
	}
}

func TestConnectedDriversScopedToStand(t *testing.T) {
	ctx := context.Background()
	drivers := storage.NewMemoryDriverStore()
	reg := NewRegistry(drivers, testLogger())
	a := seedDriver(t, drivers, "a", "stand-001")
	b := seedDriver(t, drivers, "b", "stand-001")
	c := seedDriver(t, drivers, "c", "stand-002")

	reg.Register(ctx, a, &fakeHandle{id: "ha"})
	reg.Register(ctx, b, &fakeHandle{id: "hb"})
	reg.Register(ctx, c, &fakeHandle{id: "hc"})

	got := reg.ConnectedDrivers("stand-001")
	if len(got) != 2 {
		t.Fatalf("expected 2 drivers at stand-001, got %v", got)
	}
	for _, id := range got {
		if id == "c" {
			t.Fatal("driver from another stand leaked into snapshot")
		}
	}
}

func TestConcurrentRegisterUnregisterDistinctDrivers(t *testing.T) {
	ctx := context.Background()
	drivers := storage.NewMemoryDriverStore()
	reg := NewRegistry(drivers, testLogger())

	const n = 32
	for i := 0; i < n; i++ {
		seedDriver(t, drivers, fmt.Sprintf("d%02d", i), "stand-001")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("d%02d", i)
			d, _ := drivers.GetByID(ctx, id)
			h := &fakeHandle{id: "h-" + id}
			reg.Register(ctx, d, h)
			if i%2 == 0 {
				reg.Unregister(ctx, h)
			}
		}(i)
	}
	wg.Wait()

	if got := len(reg.ConnectedDrivers("stand-001")); got != n/2 {
		t.Fatalf("expected %d drivers connected, got %d", n/2, got)
	}
}
