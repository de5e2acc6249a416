package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/notify"
	"github.com/example/taxi-dispatch/internal/storage"
)

type fakeChannel struct {
	mu         sync.Mutex
	broadcasts []notify.Event
}

func (c *fakeChannel) SendTo(h notify.Handle, ev notify.Event) {
	if h != nil {
		_ = h.Send(ev)
	}
}

func (c *fakeChannel) SendToAll(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, ev)
}

func (c *fakeChannel) allBroadcasts() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Event, len(c.broadcasts))
	copy(out, c.broadcasts)
	return out
}

type testRig struct {
	engine   *Engine
	registry *Registry
	requests *storage.MemoryRequestStore
	drivers  *storage.MemoryDriverStore
	channel  *fakeChannel
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	drivers := storage.NewMemoryDriverStore()
	requests := storage.NewMemoryRequestStore()
	channel := &fakeChannel{}
	registry := NewRegistry(drivers, testLogger())
	engine := NewEngine(registry, requests, drivers, channel, nil, testLogger())
	return &testRig{engine: engine, registry: registry, requests: requests, drivers: drivers, channel: channel}
}

func (r *testRig) connect(t *testing.T, driverID, standID string) *fakeHandle {
	t.Helper()
	seedDriver(t, r.drivers, driverID, standID)
	h := &fakeHandle{id: "h-" + driverID}
	if err := r.engine.RegisterDriver(context.Background(), driverID, h); err != nil {
		t.Fatalf("register %s: %v", driverID, err)
	}
	return h
}

func (r *testRig) submit(t *testing.T, standID string) *models.RideRequest {
	t.Helper()
	req := &models.RideRequest{
		UserID:        "u1",
		TaxiStandID:   standID,
		From:          models.Coord{Lat: 41.01, Lng: 28.97},
		To:            models.Coord{Lat: 41.04, Lng: 29.00},
		EstimatedFare: 180,
	}
	if err := r.engine.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

func countEvents(events []notify.Event, name string) int {
	n := 0
	for _, ev := range events {
		if ev.EventName() == name {
			n++
		}
	}
	return n
}

func TestRegisterDriverConfirmsToCaller(t *testing.T) {
	rig := newTestRig(t)
	h := rig.connect(t, "d1", "stand-001")

	events := h.recorded()
	if countEvents(events, "DriverRegistered") != 1 {
		t.Fatalf("expected one DriverRegistered, got %v", events)
	}
}

func TestRegisterUnknownDriverIsNoop(t *testing.T) {
	rig := newTestRig(t)
	h := &fakeHandle{id: "h-ghost"}
	if err := rig.engine.RegisterDriver(context.Background(), "ghost", h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.recorded()) != 0 {
		t.Fatal("unknown driver must not receive a confirmation")
	}
	if got := rig.registry.ConnectedDrivers("stand-001"); len(got) != 0 {
		t.Fatalf("unknown driver must not be bound, got %v", got)
	}
}

func TestSubmitWithNoDriversLeavesRequestPending(t *testing.T) {
	rig := newTestRig(t)
	req := rig.submit(t, "stand-001")

	stored, err := rig.requests.GetByID(context.Background(), req.RequestID)
	if err != nil {
		t.Fatalf("request not persisted: %v", err)
	}
	if stored.Status != models.StatusPending {
		t.Fatalf("expected Pending, got %s", stored.Status)
	}
	if got := rig.channel.allBroadcasts(); len(got) != 0 {
		t.Fatalf("expected zero notifications, got %v", got)
	}
}

func TestSubmitOffersOnlyToDriversAtStand(t *testing.T) {
	rig := newTestRig(t)
	ha := rig.connect(t, "a", "stand-001")
	hb := rig.connect(t, "b", "stand-001")
	hc := rig.connect(t, "c", "stand-002")

	rig.submit(t, "stand-001")

	if countEvents(ha.recorded(), "NewTaxiRequest") != 1 {
		t.Fatal("driver a should receive the offer")
	}
	if countEvents(hb.recorded(), "NewTaxiRequest") != 1 {
		t.Fatal("driver b should receive the offer")
	}
	if countEvents(hc.recorded(), "NewTaxiRequest") != 0 {
		t.Fatal("driver at another stand must not receive the offer")
	}
}

func TestAcceptBroadcastsAndClosesOtherOffers(t *testing.T) {
	rig := newTestRig(t)
	ha := rig.connect(t, "a", "stand-001")
	hb := rig.connect(t, "b", "stand-001")
	req := rig.submit(t, "stand-001")
	ctx := context.Background()

	if err := rig.engine.Accept(ctx, req.RequestID, "a"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	stored, _ := rig.requests.GetByID(ctx, req.RequestID)
	if stored.Status != models.StatusAccepted || stored.DriverID != "a" {
		t.Fatalf("expected Accepted by a, got %s/%s", stored.Status, stored.DriverID)
	}
	if stored.DriverName == "" || stored.DriverPlate == "" {
		t.Fatal("expected denormalized driver fields on accepted request")
	}

	broadcasts := rig.channel.allBroadcasts()
	if countEvents(broadcasts, "TaxiAccepted") != 1 {
		t.Fatalf("expected one TaxiAccepted broadcast, got %v", broadcasts)
	}
	if countEvents(hb.recorded(), "RequestClosed") != 1 {
		t.Fatalf("driver b should receive exactly one RequestClosed, got %v", hb.recorded())
	}
	if countEvents(ha.recorded(), "RequestClosed") != 0 {
		t.Fatal("the accepting driver must not receive RequestClosed")
	}

	// A late accept by the loser is a silent no-op.
	if err := rig.engine.Accept(ctx, req.RequestID, "b"); err != nil {
		t.Fatalf("stale accept: %v", err)
	}
	stored, _ = rig.requests.GetByID(ctx, req.RequestID)
	if stored.DriverID != "a" {
		t.Fatalf("stale accept must not reassign, got %s", stored.DriverID)
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	rig := newTestRig(t)
	const n = 16
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = string(rune('a' + i))
		rig.connect(t, ids[i], "stand-001")
	}
	req := rig.submit(t, "stand-001")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			if err := rig.engine.Accept(ctx, req.RequestID, driverID); err != nil {
				t.Errorf("accept %s: %v", driverID, err)
			}
		}(id)
	}
	wg.Wait()

	stored, _ := rig.requests.GetByID(ctx, req.RequestID)
	if stored.Status != models.StatusAccepted {
		t.Fatalf("expected Accepted, got %s", stored.Status)
	}
	if stored.DriverID == "" {
		t.Fatal("expected exactly one winner attached")
	}
	if got := countEvents(rig.channel.allBroadcasts(), "TaxiAccepted"); got != 1 {
		t.Fatalf("expected exactly one TaxiAccepted broadcast, got %d", got)
	}
}

// acceptingChannel answers the first offer it delivers with a synchronous
// accept, the way a driver replying before Submit has returned would.
type acceptingChannel struct {
	fakeChannel
	engine   *Engine
	driverID string
	once     sync.Once
}

func (c *acceptingChannel) SendTo(h notify.Handle, ev notify.Event) {
	c.fakeChannel.SendTo(h, ev)
	if offer, ok := ev.(NewTaxiRequest); ok {
		c.once.Do(func() {
			if err := c.engine.Accept(context.Background(), offer.Request.RequestID, c.driverID); err != nil {
				panic(err)
			}
		})
	}
}

func TestAcceptArrivingDuringFanOutStillClosesPeerOffers(t *testing.T) {
	ctx := context.Background()
	drivers := storage.NewMemoryDriverStore()
	requests := storage.NewMemoryRequestStore()
	registry := NewRegistry(drivers, testLogger())
	channel := &acceptingChannel{driverID: "a"}
	engine := NewEngine(registry, requests, drivers, channel, nil, testLogger())
	channel.engine = engine

	seedDriver(t, drivers, "a", "stand-001")
	seedDriver(t, drivers, "b", "stand-001")
	ha := &fakeHandle{id: "h-a"}
	hb := &fakeHandle{id: "h-b"}
	if err := engine.RegisterDriver(ctx, "a", ha); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := engine.RegisterDriver(ctx, "b", hb); err != nil {
		t.Fatalf("register b: %v", err)
	}

	req := &models.RideRequest{UserID: "u1", TaxiStandID: "stand-001", EstimatedFare: 90}
	if err := engine.Submit(ctx, req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	stored, _ := requests.GetByID(ctx, req.RequestID)
	if stored.Status != models.StatusAccepted || stored.DriverID != "a" {
		t.Fatalf("expected Accepted by a, got %s/%s", stored.Status, stored.DriverID)
	}
	if countEvents(hb.recorded(), "RequestClosed") != 1 {
		t.Fatalf("driver b should receive exactly one RequestClosed, got %v", hb.recorded())
	}
	if countEvents(ha.recorded(), "RequestClosed") != 0 {
		t.Fatal("the accepting driver must not receive RequestClosed")
	}

	engine.mu.Lock()
	leaked := len(engine.offered)
	engine.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("offered bookkeeping leaked %d entries for a settled request", leaked)
	}
}

func TestRejectFromUnknownDriverIsNoop(t *testing.T) {
	rig := newTestRig(t)
	rig.connect(t, "a", "stand-001")
	req := rig.submit(t, "stand-001")
	ctx := context.Background()

	if err := rig.engine.Reject(ctx, req.RequestID, "ghost"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := rig.requests.GetByID(ctx, req.RequestID)
	if stored.Status != models.StatusPending {
		t.Fatalf("unknown driver must not settle the request, got %s", stored.Status)
	}
	if got := countEvents(rig.channel.allBroadcasts(), "TaxiRejected"); got != 0 {
		t.Fatalf("unknown driver must not broadcast, got %d", got)
	}
}

func TestRejectOnlyAppliesWhilePending(t *testing.T) {
	rig := newTestRig(t)
	rig.connect(t, "a", "stand-001")
	req := rig.submit(t, "stand-001")
	ctx := context.Background()

	if err := rig.engine.Accept(ctx, req.RequestID, "a"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := rig.engine.Reject(ctx, req.RequestID, "a"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	stored, _ := rig.requests.GetByID(ctx, req.RequestID)
	if stored.Status != models.StatusAccepted || stored.DriverID != "a" {
		t.Fatalf("reject after accept must be a no-op, got %s/%s", stored.Status, stored.DriverID)
	}
	if got := countEvents(rig.channel.allBroadcasts(), "TaxiRejected"); got != 0 {
		t.Fatalf("stale reject must not broadcast, got %d", got)
	}
}

func TestRejectBroadcastsButDoesNotCloseOffers(t *testing.T) {
	rig := newTestRig(t)
	rig.connect(t, "a", "stand-001")
	hb := rig.connect(t, "b", "stand-001")
	req := rig.submit(t, "stand-001")
	ctx := context.Background()

	if err := rig.engine.Reject(ctx, req.RequestID, "a"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	stored, _ := rig.requests.GetByID(ctx, req.RequestID)
	if stored.Status != models.StatusRejected {
		t.Fatalf("expected Rejected, got %s", stored.Status)
	}
	if got := countEvents(rig.channel.allBroadcasts(), "TaxiRejected"); got != 1 {
		t.Fatalf("expected one TaxiRejected broadcast, got %d", got)
	}
	if countEvents(hb.recorded(), "RequestClosed") != 0 {
		t.Fatal("reject must not retract the offer from peers")
	}
}

func TestDisconnectDuringDispatchSkipsOfflineDriver(t *testing.T) {
	rig := newTestRig(t)
	ha := rig.connect(t, "a", "stand-001")
	hb := rig.connect(t, "b", "stand-001")
	req := rig.submit(t, "stand-001")
	ctx := context.Background()

	// b drops before a claims the request; b must not be sent a stale
	// RequestClosed through a dead binding.
	rig.engine.HandleDisconnect(ctx, hb)
	offersBefore := len(hb.recorded())

	if err := rig.engine.Accept(ctx, req.RequestID, "a"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(hb.recorded()) != offersBefore {
		t.Fatal("disconnected driver must not receive further sends")
	}
	if countEvents(ha.recorded(), "RequestClosed") != 0 {
		t.Fatal("the accepting driver must not receive RequestClosed")
	}
}

func TestDisconnectLeavesInFlightRequestUntouched(t *testing.T) {
	rig := newTestRig(t)
	ha := rig.connect(t, "a", "stand-001")
	req := rig.submit(t, "stand-001")
	ctx := context.Background()

	rig.engine.HandleDisconnect(ctx, ha)

	stored, _ := rig.requests.GetByID(ctx, req.RequestID)
	if stored.Status != models.StatusPending {
		t.Fatalf("disconnect must not alter request state, got %s", stored.Status)
	}
}
