// Package ledger derives client balances from settlement history.
//
// The CurrentDebt of a client's latest settlement is the balance. The
// Client.CachedDebt column mirrors it for cheap reads and is rewritten, with
// its timestamp bumped, in the same transaction as every settlement change.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/calculator"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/cycle"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/observe"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// Ledger records settlements and answers balance queries.
type Ledger struct {
	store    storage.Store
	outbox   *outbox.Outbox
	clock    clock.Clock
	observer observe.MutationObserver
	logger   *slog.Logger
}

// New creates a Ledger. A nil observer is replaced by observe.Nop.
func New(store storage.Store, ob *outbox.Outbox, clk clock.Clock, observer observe.MutationObserver) *Ledger {
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Ledger{
		store:    store,
		outbox:   ob,
		clock:    clk,
		observer: observer,
		logger:   slog.Default(),
	}
}

// SettlementInput is a settlement to record.
type SettlementInput struct {
	// ID is generated when empty.
	ID string

	ClientID string
	CycleID  string

	Gross    decimal.Decimal
	Discount decimal.Decimal
	Received decimal.Decimal

	// PaymentBreakdown, when given, must add up to Received.
	PaymentBreakdown map[string]decimal.Decimal

	Notes string

	// Timestamp defaults to now. It may not precede the client's latest
	// settlement.
	Timestamp time.Time
}

func (in SettlementInput) amounts() calculator.SettlementAmounts {
	return calculator.SettlementAmounts{Gross: in.Gross, Discount: in.Discount, Received: in.Received}
}

func (in SettlementInput) validate() error {
	if in.ClientID == "" {
		return apperr.Validation("client id is required")
	}
	if in.CycleID == "" {
		return apperr.Validation("cycle id is required")
	}
	if err := in.amounts().Validate(); err != nil {
		return apperr.Validation("%v", err)
	}
	if len(in.PaymentBreakdown) > 0 {
		for method, amount := range in.PaymentBreakdown {
			if amount.IsNegative() {
				return apperr.Validation("payment %s cannot be negative", method)
			}
		}
		if sum := calculator.SumBreakdown(in.PaymentBreakdown); !sum.Equal(in.Received.Round(calculator.Places)) {
			return apperr.Validation("payment breakdown sums to %s, received %s", sum.StringFixed(2), in.Received.StringFixed(2))
		}
	}
	return nil
}

// CurrentDebt returns the CurrentDebt of the client's latest settlement, or
// zero when the client has none.
func (l *Ledger) CurrentDebt(ctx context.Context, clientID string) (decimal.Decimal, error) {
	return currentDebt(ctx, l.store, clientID)
}

func currentDebt(ctx context.Context, q storage.Queries, clientID string) (decimal.Decimal, error) {
	latest, err := q.LatestSettlement(ctx, clientID)
	if apperr.IsNotFound(err) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return latest.CurrentDebt, nil
}

// History returns a client's settlements in ledger order.
func (l *Ledger) History(ctx context.Context, clientID string) ([]*models.Settlement, error) {
	return l.store.ListSettlementsByClient(ctx, clientID)
}

// RecordSettlement appends a settlement to a client's history.
//
// previousDebt is read inside the same write transaction as the insert, and
// write transactions are serialized, so two settlements for one client can
// never chain from the same balance.
func (l *Ledger) RecordSettlement(ctx context.Context, in SettlementInput) (*models.Settlement, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var recorded *models.Settlement
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := cycle.Mutable(ctx, tx, in.CycleID)
		if err != nil {
			return err
		}
		if c.Status != models.CycleInProgress {
			return apperr.Validation("cycle %s is %s, not started", c.ID, c.Status)
		}

		client, err := tx.GetClient(ctx, in.ClientID)
		if err != nil {
			return err
		}
		if client.RouteID != c.RouteID {
			return apperr.Validation("client %s is on route %s, cycle %s is on route %s", client.ID, client.RouteID, c.ID, c.RouteID)
		}

		now := l.clock.Now()
		timestamp := in.Timestamp
		if timestamp.IsZero() {
			timestamp = now
		}

		previous := decimal.Zero
		latest, err := tx.LatestSettlement(ctx, client.ID)
		switch {
		case apperr.IsNotFound(err):
		case err != nil:
			return err
		default:
			if timestamp.Before(latest.Timestamp) {
				return apperr.Validation("settlement at %s precedes the latest one at %s",
					timestamp.Format(time.RFC3339), latest.Timestamp.Format(time.RFC3339))
			}
			previous = latest.CurrentDebt
		}

		id := in.ID
		if id == "" {
			id = uuid.New().String()
		}
		s := &models.Settlement{
			ID:               id,
			ClientID:         client.ID,
			CycleID:          c.ID,
			RouteID:          c.RouteID,
			Timestamp:        timestamp.UTC(),
			PreviousDebt:     previous,
			GrossAmount:      in.Gross.Round(calculator.Places),
			Discount:         in.Discount.Round(calculator.Places),
			AmountReceived:   in.Received.Round(calculator.Places),
			CurrentDebt:      calculator.NextDebt(previous, in.amounts()),
			PaymentBreakdown: in.PaymentBreakdown,
			Notes:            in.Notes,
			CreatedAt:        now,
		}
		if err := tx.InsertSettlement(ctx, s); err != nil {
			return err
		}

		if err := tx.SetCachedDebt(ctx, client.ID, s.CurrentDebt, now); err != nil {
			return err
		}
		client.CachedDebt = s.CurrentDebt
		client.CachedDebtUpdatedAt = now

		l.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntitySettlement,
			EntityID:   s.ID,
			Kind:       models.KindCreate,
			Data:       payload.FromSettlement(s),
		})
		l.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityClient,
			EntityID:   client.ID,
			Kind:       models.KindUpdate,
			Data:       payload.FromClient(client),
		})
		recorded = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.outbox.Notify()
	l.observer.OnInserted(ctx, models.EntitySettlement, recorded.ID)
	l.observer.OnUpdated(ctx, models.EntityClient, recorded.ClientID)
	l.logger.InfoContext(ctx, "Settlement recorded",
		"settlement_id", recorded.ID,
		"client_id", recorded.ClientID,
		"previous_debt", recorded.PreviousDebt.StringFixed(2),
		"current_debt", recorded.CurrentDebt.StringFixed(2),
	)
	return recorded, nil
}

// DeleteLatestSettlement removes a client's most recent settlement and
// restores the balance it replaced. Older settlements cannot be deleted:
// every later balance was chained from them.
func (l *Ledger) DeleteLatestSettlement(ctx context.Context, settlementID string) error {
	var clientID string
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.GetSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		if _, err := cycle.Mutable(ctx, tx, s.CycleID); err != nil {
			return err
		}

		latest, err := tx.LatestSettlement(ctx, s.ClientID)
		if err != nil {
			return err
		}
		if latest.ID != s.ID {
			return apperr.Validation("settlement %s is not the latest for client %s", s.ID, s.ClientID)
		}

		if err := tx.DeleteSettlement(ctx, s.ID); err != nil {
			return err
		}

		now := l.clock.Now()
		client, err := refresh(ctx, tx, s.ClientID, now)
		if err != nil {
			return err
		}

		l.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntitySettlement,
			EntityID:   s.ID,
			Kind:       models.KindDelete,
			Data:       payload.Tombstone{ID: s.ID, DeletedAt: now},
		})
		l.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityClient,
			EntityID:   client.ID,
			Kind:       models.KindUpdate,
			Data:       payload.FromClient(client),
		})
		clientID = client.ID
		return nil
	})
	if err != nil {
		return err
	}

	l.outbox.Notify()
	l.observer.OnDeleted(ctx, models.EntitySettlement, settlementID)
	l.observer.OnUpdated(ctx, models.EntityClient, clientID)
	l.logger.InfoContext(ctx, "Settlement deleted", "settlement_id", settlementID, "client_id", clientID)
	return nil
}

// RefreshCachedDebt recomputes a client's cached balance from history.
func (l *Ledger) RefreshCachedDebt(ctx context.Context, clientID string) (decimal.Decimal, error) {
	var debt decimal.Decimal
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		debt, err = Refresh(ctx, tx, clientID, l.clock.Now())
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	l.observer.OnUpdated(ctx, models.EntityClient, clientID)
	return debt, nil
}

// Refresh rewrites a client's cached balance from history inside tx and
// bumps CachedDebtUpdatedAt.
func Refresh(ctx context.Context, tx storage.Tx, clientID string, now time.Time) (decimal.Decimal, error) {
	client, err := refresh(ctx, tx, clientID, now)
	if err != nil {
		return decimal.Zero, err
	}
	return client.CachedDebt, nil
}

func refresh(ctx context.Context, tx storage.Tx, clientID string, now time.Time) (*models.Client, error) {
	client, err := tx.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	debt, err := currentDebt(ctx, tx, clientID)
	if err != nil {
		return nil, err
	}
	if err := tx.SetCachedDebt(ctx, clientID, debt, now); err != nil {
		return nil, err
	}
	client.CachedDebt = debt
	client.CachedDebtUpdatedAt = now
	return client, nil
}
