// Package cycle implements the settlement-cycle state machine.
//
// A cycle is created PLANNED, started (IN_PROGRESS) and finalized
// (FINALIZED), in that order only. A route has at most one IN_PROGRESS
// cycle, and nothing recorded under a FINALIZED cycle may change.
package cycle

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/calculator"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/observe"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// Machine drives cycle transitions.
type Machine struct {
	store    storage.Store
	outbox   *outbox.Outbox
	clock    clock.Clock
	observer observe.MutationObserver
	logger   *slog.Logger
}

// New creates a Machine. A nil observer is replaced by observe.Nop.
func New(store storage.Store, ob *outbox.Outbox, clk clock.Clock, observer observe.MutationObserver) *Machine {
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Machine{
		store:    store,
		outbox:   ob,
		clock:    clk,
		observer: observer,
		logger:   slog.Default(),
	}
}

// Create inserts the next PLANNED cycle of a route for a year.
func (m *Machine) Create(ctx context.Context, routeID string, year int, createdBy string) (*models.SettlementCycle, error) {
	if routeID == "" {
		return nil, apperr.Validation("route id is required")
	}
	if year < 2000 || year > 9999 {
		return nil, apperr.Validation("invalid year %d", year)
	}

	var created *models.SettlementCycle
	err := m.store.WithTx(ctx, func(tx storage.Tx) error {
		seq, err := tx.MaxSequence(ctx, routeID, year)
		if err != nil {
			return err
		}

		now := m.clock.Now()
		created = &models.SettlementCycle{
			ID:             uuid.New().String(),
			RouteID:        routeID,
			Year:           year,
			SequenceNumber: seq + 1,
			Status:         models.CyclePlanned,
			CreatedBy:      createdBy,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertCycle(ctx, created); err != nil {
			return err
		}

		m.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityCycle,
			EntityID:   created.ID,
			Kind:       models.KindCreate,
			Data:       payload.FromCycle(created),
			Priority:   models.PriorityHigh,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.outbox.Notify()
	m.observer.OnInserted(ctx, models.EntityCycle, created.ID)
	m.logger.InfoContext(ctx, "Cycle created",
		"cycle_id", created.ID,
		"route_id", routeID,
		"title", created.Title(),
	)
	return created, nil
}

// Start moves a PLANNED cycle to IN_PROGRESS.
func (m *Machine) Start(ctx context.Context, cycleID string) (*models.SettlementCycle, error) {
	var started *models.SettlementCycle
	err := m.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}

		active, err := tx.ActiveCycle(ctx, c.RouteID)
		if err != nil && !apperr.IsNotFound(err) {
			return err
		}
		if active != nil && active.ID != c.ID {
			return apperr.CycleAlreadyActive(c.RouteID, active.ID)
		}

		if c.Status != models.CyclePlanned {
			return apperr.InvalidTransition(c.ID, string(c.Status), string(models.CycleInProgress))
		}

		now := m.clock.Now()
		c.Status = models.CycleInProgress
		c.StartedAt = now
		c.UpdatedAt = now
		if err := tx.UpdateCycle(ctx, c); err != nil {
			return err
		}

		m.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityCycle,
			EntityID:   c.ID,
			Kind:       models.KindUpdate,
			Data:       payload.FromCycle(c),
			Priority:   models.PriorityHigh,
		})
		started = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.outbox.Notify()
	m.observer.OnUpdated(ctx, models.EntityCycle, started.ID)
	m.logger.InfoContext(ctx, "Cycle started", "cycle_id", started.ID, "route_id", started.RouteID)
	return started, nil
}

// Finalize freezes the totals of an IN_PROGRESS cycle and moves it to
// FINALIZED. Finalizing twice is an invalid transition, not a no-op.
func (m *Machine) Finalize(ctx context.Context, cycleID string) (*models.SettlementCycle, error) {
	var finalized *models.SettlementCycle
	err := m.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if c.Status != models.CycleInProgress {
			return apperr.InvalidTransition(c.ID, string(c.Status), string(models.CycleFinalized))
		}

		roster, err := tx.ListClientsByRoute(ctx, c.RouteID)
		if err != nil {
			return err
		}
		settlements, err := tx.ListSettlementsByCycle(ctx, c.ID)
		if err != nil {
			return err
		}
		expenses, err := tx.ListExpensesByCycle(ctx, c.ID)
		if err != nil {
			return err
		}
		balances, err := latestBalances(ctx, tx, roster)
		if err != nil {
			return err
		}
		totals := calculator.CycleTotals(roster, balances, settlements, expenses)

		now := m.clock.Now()
		c.Status = models.CycleFinalized
		c.FinishedAt = &now
		c.FrozenTotals = &totals
		c.UpdatedAt = now
		if err := tx.UpdateCycle(ctx, c); err != nil {
			return err
		}

		m.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityCycle,
			EntityID:   c.ID,
			Kind:       models.KindUpdate,
			Data:       payload.FromCycle(c),
			Priority:   models.PriorityHigh,
		})
		finalized = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.outbox.Notify()
	m.observer.OnUpdated(ctx, models.EntityCycle, finalized.ID)
	m.logger.InfoContext(ctx, "Cycle finalized",
		"cycle_id", finalized.ID,
		"route_id", finalized.RouteID,
		"settled_clients", finalized.FrozenTotals.SettledClients,
		"net_profit", finalized.FrozenTotals.NetProfit.StringFixed(2),
	)
	return finalized, nil
}

// latestBalances reads each client's balance from its latest settlement.
func latestBalances(ctx context.Context, q storage.Queries, roster []*models.Client) (map[string]decimal.Decimal, error) {
	balances := make(map[string]decimal.Decimal, len(roster))
	for _, c := range roster {
		latest, err := q.LatestSettlement(ctx, c.ID)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		balances[c.ID] = latest.CurrentDebt
	}
	return balances, nil
}

// QueryActive returns the IN_PROGRESS cycle of a route, or NOT_FOUND.
func (m *Machine) QueryActive(ctx context.Context, routeID string) (*models.SettlementCycle, error) {
	return m.store.ActiveCycle(ctx, routeID)
}

// AssertMutable fails with IMMUTABLE_CYCLE when the cycle is FINALIZED.
func (m *Machine) AssertMutable(ctx context.Context, cycleID string) error {
	_, err := Mutable(ctx, m.store, cycleID)
	return err
}

// Get returns a cycle.
func (m *Machine) Get(ctx context.Context, cycleID string) (*models.SettlementCycle, error) {
	return m.store.GetCycle(ctx, cycleID)
}

// ListByRoute returns the cycles of a route, newest first.
func (m *Machine) ListByRoute(ctx context.Context, routeID string) ([]*models.SettlementCycle, error) {
	return m.store.ListCyclesByRoute(ctx, routeID)
}

// Mutable loads a cycle through q and fails with IMMUTABLE_CYCLE when it is
// FINALIZED. Write paths call it inside their transaction, before any other
// effect, so a rejected write changes nothing.
func Mutable(ctx context.Context, q storage.Queries, cycleID string) (*models.SettlementCycle, error) {
	c, err := q.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.CycleFinalized {
		return nil, apperr.ImmutableCycle(c.ID)
	}
	return c, nil
}
