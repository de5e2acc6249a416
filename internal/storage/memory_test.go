package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/taxi-dispatch/internal/models"
)

func TestRequestStoreUpdateStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	req := &models.RideRequest{RequestID: "r1", UserID: "u1", TaxiStandID: "stand-001", Status: models.StatusPending}
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := store.UpdateStatus(ctx, "r1", models.StatusPending, models.StatusAccepted, &models.Assignment{DriverID: "d1", DriverName: "D", DriverPlate: "34 X 1"})
	if err != nil || !ok {
		t.Fatalf("expected first transition to apply, ok=%v err=%v", ok, err)
	}

	ok, err = store.UpdateStatus(ctx, "r1", models.StatusPending, models.StatusRejected, nil)
	if err != nil {
		t.Fatalf("stale transition errored: %v", err)
	}
	if ok {
		t.Fatal("stale transition must not apply")
	}

	stored, _ := store.GetByID(ctx, "r1")
	if stored.Status != models.StatusAccepted || stored.DriverID != "d1" {
		t.Fatalf("expected Accepted by d1, got %s/%s", stored.Status, stored.DriverID)
	}
}

func TestRequestStoreUpdateStatusUnknownID(t *testing.T) {
	store := NewMemoryRequestStore()
	_, err := store.UpdateStatus(context.Background(), "missing", models.StatusPending, models.StatusAccepted, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestStoreConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	if err := store.Create(ctx, &models.RideRequest{RequestID: "r1", Status: models.StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			ok, err := store.UpdateStatus(ctx, "r1", models.StatusPending, models.StatusAccepted, &models.Assignment{DriverID: id})
			if err != nil {
				t.Errorf("cas: %v", err)
				return
			}
			if ok {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	stored, _ := store.GetByID(ctx, "r1")
	if stored.DriverID != winners[0] {
		t.Fatalf("stored driver %q does not match winner %q", stored.DriverID, winners[0])
	}
}

func TestRequestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRequestStore()
	if err := store.Create(ctx, &models.RideRequest{RequestID: "r1", Status: models.StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := store.GetByID(ctx, "r1")
	got.Status = models.StatusRejected

	again, _ := store.GetByID(ctx, "r1")
	if again.Status != models.StatusPending {
		t.Fatal("mutating a returned request leaked into the store")
	}
}

func TestDriverStoreEmailLookupIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDriverStore()
	if err := store.Create(ctx, &models.Driver{ID: "d1", Email: "Driver@Example.test"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.GetByEmail(ctx, "driver@example.TEST"); err != nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
	err := store.Create(ctx, &models.Driver{ID: "d2", Email: "DRIVER@example.test"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same email, got %v", err)
	}
}

func TestDriverStoreSetOnlineTracksHandleToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDriverStore()
	if err := store.Create(ctx, &models.Driver{ID: "d1", Email: "d1@example.test", TaxiStandID: "stand-001"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.SetOnline(ctx, "d1", true, "h1"); err != nil {
		t.Fatalf("set online: %v", err)
	}
	online, _ := store.ListOnlineByStand(ctx, "stand-001")
	if len(online) != 1 || online[0].ConnectionID != "h1" {
		t.Fatalf("expected d1 online with handle h1, got %v", online)
	}

	if err := store.SetOnline(ctx, "d1", false, ""); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	online, _ = store.ListOnlineByStand(ctx, "stand-001")
	if len(online) != 0 {
		t.Fatalf("expected no online drivers, got %v", online)
	}
	d, _ := store.GetByID(ctx, "d1")
	if d.ConnectionID != "" {
		t.Fatal("expected connection id cleared when offline")
	}
}

func TestCardStoreAdjustRefusesOverdraw(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCardStore()
	if err := store.Create(ctx, &models.Card{ID: "c1", UserID: "u1", CardCode: "abc-123", Balance: 100}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Adjust(ctx, "ABC-123", -150, "charge"); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}

	txn, err := store.Adjust(ctx, "abc-123", -100, "charge")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if txn.OldBalance != 100 || txn.NewBalance != 0 {
		t.Fatalf("expected 100 -> 0, got %d -> %d", txn.OldBalance, txn.NewBalance)
	}

	card, _ := store.GetByCode(ctx, "abc-123")
	if card.Balance != 0 {
		t.Fatalf("expected zero balance, got %d", card.Balance)
	}
}

func TestCardStoreDeleteScopedToOwner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCardStore()
	if err := store.Create(ctx, &models.Card{ID: "c1", UserID: "u1", CardCode: "abc-123"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Delete(ctx, "c1", "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong owner, got %v", err)
	}
	if err := store.Delete(ctx, "c1", "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetByCode(ctx, "abc-123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected card gone, got %v", err)
	}
}
