package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var (
	ErrCardNotFound = errors.New("payments: card not found")
	// ErrInsufficientBalance carries no amounts; callers fetch the card for
	// the shortage breakdown.
	ErrInsufficientBalance = errors.New("payments: insufficient balance")
)

const currency = "try"

// Wallet handles prepaid card bookkeeping: card registry, balance queries,
// fare charges and gateway-backed top-ups.
type Wallet struct {
	logger  *slog.Logger
	cards   storage.CardStore
	gateway Gateway // optional; nil disables gateway top-ups
}

func NewWallet(cards storage.CardStore, gateway Gateway, logger *slog.Logger) *Wallet {
	return &Wallet{logger: logger, cards: cards, gateway: gateway}
}

func (w *Wallet) AddCard(ctx context.Context, userID, cardCode, nickname string) (*models.Card, error) {
	card := &models.Card{
		ID:       uuid.NewString(),
		UserID:   userID,
		CardCode: cardCode,
		Nickname: nickname,
		AddedAt:  time.Now().UTC(),
	}
	if err := w.cards.Create(ctx, card); err != nil {
		return nil, err
	}
	return card, nil
}

func (w *Wallet) Cards(ctx context.Context, userID string) ([]models.Card, error) {
	return w.cards.ListByUser(ctx, userID)
}

func (w *Wallet) RemoveCard(ctx context.Context, cardID, userID string) error {
	return w.cards.Delete(ctx, cardID, userID)
}

func (w *Wallet) Balance(ctx context.Context, cardCode string) (*models.Card, error) {
	card, err := w.cards.GetByCode(ctx, cardCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCardNotFound
	}
	return card, err
}

// Charge debits a fare from the card. The store applies the debit as a
// single conditional update, so two concurrent charges can never overdraw.
func (w *Wallet) Charge(ctx context.Context, cardCode string, amount int64) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("payments: charge amount must be positive, got %d", amount)
	}
	txn, err := w.cards.Adjust(ctx, cardCode, -amount, "charge")
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrCardNotFound
	case errors.Is(err, storage.ErrInsufficient):
		return nil, ErrInsufficientBalance
	case err != nil:
		return nil, err
	}
	w.logger.Info("card charged", "card_code", cardCode, "amount", amount, "new_balance", txn.NewBalance)
	return txn, nil
}

// TopUp credits the card after collecting the amount through the payment
// gateway: hold, credit the wallet, then capture. A failed credit releases
// the hold.
func (w *Wallet) TopUp(ctx context.Context, cardCode string, amount int64, customerID string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("payments: top-up amount must be positive, got %d", amount)
	}

	var intentID string
	if w.gateway != nil {
		id, err := w.gateway.Hold(ctx, amount, currency, customerID)
		if err != nil {
			return nil, fmt.Errorf("gateway hold: %w", err)
		}
		intentID = id
	}

	txn, err := w.cards.Adjust(ctx, cardCode, amount, "topup")
	if err != nil {
		if w.gateway != nil {
			if cancelErr := w.gateway.Cancel(ctx, intentID); cancelErr != nil {
				w.logger.Error("gateway cancel failed after credit failure", "intent_id", intentID, "error", cancelErr)
			}
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}

	if w.gateway != nil {
		if err := w.gateway.Capture(ctx, intentID); err != nil {
			// The wallet credit stands; capture is retried out of band.
			w.logger.Error("gateway capture failed", "intent_id", intentID, "error", err)
		}
	}
	w.logger.Info("card topped up", "card_code", cardCode, "amount", amount, "new_balance", txn.NewBalance)
	return txn, nil
}
