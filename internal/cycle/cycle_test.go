package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/observe"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/storage"
	"github.com/mmynk/fieldsync/internal/storage/sqlite"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	machine  *Machine
	store    *sqlite.SQLiteStore
	clock    *clock.Manual
	recorder *observe.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "cycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(t0)
	rec := &observe.Recorder{}
	ob := outbox.New(store, clk, outbox.DefaultPolicy())
	return &fixture{
		machine:  New(store, ob, clk, rec),
		store:    store,
		clock:    clk,
		recorder: rec,
	}
}

func outboxCount(t *testing.T, store storage.Store) int {
	t.Helper()
	summary, err := store.SummarizeOutbox(context.Background())
	require.NoError(t, err)
	return summary.Pending + summary.Processing + summary.Completed + summary.Failed
}

func TestScenario_SingleActiveCyclePerRoute(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.machine.Create(ctx, "R7", 2025, "ana")
	require.NoError(t, err)
	started, err := f.machine.Start(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, started.SequenceNumber)
	assert.Equal(t, models.CycleInProgress, started.Status)
	assert.Equal(t, t0, started.StartedAt)

	second, err := f.machine.Create(ctx, "R7", 2025, "ana")
	require.NoError(t, err)
	before := outboxCount(t, f.store)

	_, err = f.machine.Start(ctx, second.ID)
	assert.True(t, errors.Is(err, apperr.ErrCycleAlreadyActive))

	got, err := f.machine.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CyclePlanned, got.Status, "rejected start must not change the cycle")
	assert.Equal(t, before, outboxCount(t, f.store))

	active, err := f.machine.QueryActive(ctx, "R7")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	t.Run("other routes are independent", func(t *testing.T) {
		other, err := f.machine.Create(ctx, "R8", 2025, "ana")
		require.NoError(t, err)
		_, err = f.machine.Start(ctx, other.ID)
		assert.NoError(t, err)
	})
}

func TestConcurrentStart_OneWinner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		c, err := f.machine.Create(ctx, "R1", 2025, "")
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.machine.Start(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperr.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 3, conflicts)
}

func TestCreate_GaplessSequence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for want := 1; want <= 5; want++ {
		c, err := f.machine.Create(ctx, "R1", 2025, "")
		require.NoError(t, err)
		assert.Equal(t, want, c.SequenceNumber)
	}

	t.Run("each year restarts at one", func(t *testing.T) {
		c, err := f.machine.Create(ctx, "R1", 2026, "")
		require.NoError(t, err)
		assert.Equal(t, 1, c.SequenceNumber)
	})

	t.Run("concurrent creation never duplicates", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.machine.Create(ctx, "R2", 2025, "")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		cycles, err := f.machine.ListByRoute(ctx, "R2")
		require.NoError(t, err)
		require.Len(t, cycles, 8)
		for i, c := range cycles {
			assert.Equal(t, 8-i, c.SequenceNumber)
		}
	})

	t.Run("validation", func(t *testing.T) {
		_, err := f.machine.Create(ctx, "", 2025, "")
		assert.True(t, apperr.IsValidation(err))
		_, err = f.machine.Create(ctx, "R1", 25, "")
		assert.True(t, apperr.IsValidation(err))
	})
}

func TestFinalize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c, err := f.machine.Create(ctx, "R1", 2025, "")
	require.NoError(t, err)

	t.Run("finalize of a PLANNED cycle is rejected without change", func(t *testing.T) {
		before := outboxCount(t, f.store)
		_, err := f.machine.Finalize(ctx, c.ID)
		assert.True(t, apperr.IsInvalidTransition(err))

		got, err := f.machine.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CyclePlanned, got.Status)
		assert.Nil(t, got.FrozenTotals)
		assert.Equal(t, before, outboxCount(t, f.store))
	})

	_, err = f.machine.Start(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		for _, cl := range []*models.Client{
			{ID: "a", RouteID: "R1", Name: "A", Active: true, CachedDebt: decimal.RequireFromString("40"), CreatedAt: t0, UpdatedAt: t0},
			// b has no history; its cached debt is stale.
			{ID: "b", RouteID: "R1", Name: "B", Active: true, CachedDebt: decimal.RequireFromString("99"), CreatedAt: t0, UpdatedAt: t0},
		} {
			if err := tx.InsertClient(ctx, cl); err != nil {
				return err
			}
		}
		if err := tx.InsertSettlement(ctx, &models.Settlement{
			ID: "s1", ClientID: "a", CycleID: c.ID, RouteID: "R1", Timestamp: t0,
			GrossAmount: decimal.RequireFromString("100"), AmountReceived: decimal.RequireFromString("60"),
			CurrentDebt: decimal.RequireFromString("40"), CreatedAt: t0,
		}); err != nil {
			return err
		}
		return tx.InsertExpense(ctx, &models.Expense{
			ID: "e1", CycleID: c.ID, RouteID: "R1", Amount: decimal.RequireFromString("15"),
			Timestamp: t0, Year: 2025, CycleNumber: 1, CreatedAt: t0, UpdatedAt: t0,
		})
	}))

	f.clock.Advance(time.Hour)
	finalized, err := f.machine.Finalize(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleFinalized, finalized.Status)
	require.NotNil(t, finalized.FinishedAt)
	assert.Equal(t, t0.Add(time.Hour), *finalized.FinishedAt)

	totals := finalized.FrozenTotals
	require.NotNil(t, totals)
	assert.Equal(t, 2, totals.TotalClients)
	assert.Equal(t, 1, totals.SettledClients)
	assert.Equal(t, "60.00", totals.TotalSettled.StringFixed(2))
	assert.Equal(t, "15.00", totals.TotalExpenses.StringFixed(2))
	assert.Equal(t, "45.00", totals.NetProfit.StringFixed(2))
	assert.Equal(t, "40.00", totals.TotalDebt.StringFixed(2), "debt comes from settlement history")

	t.Run("finalize is not idempotent", func(t *testing.T) {
		_, err := f.machine.Finalize(ctx, c.ID)
		assert.True(t, apperr.IsInvalidTransition(err))
	})

	t.Run("a finalized cycle cannot restart", func(t *testing.T) {
		_, err := f.machine.Start(ctx, c.ID)
		assert.True(t, apperr.IsInvalidTransition(err))
	})

	t.Run("AssertMutable rejects finalized cycles", func(t *testing.T) {
		assert.True(t, apperr.IsImmutable(f.machine.AssertMutable(ctx, c.ID)))

		next, err := f.machine.Create(ctx, "R1", 2025, "")
		require.NoError(t, err)
		assert.NoError(t, f.machine.AssertMutable(ctx, next.ID))
		assert.True(t, apperr.IsNotFound(f.machine.AssertMutable(ctx, "missing")))
	})

	t.Run("every transition is observed and queued", func(t *testing.T) {
		assert.Equal(t, observe.Event{Op: "insert", EntityType: models.EntityCycle, ID: c.ID}, f.recorder.Events()[0])

		ops, err := f.store.ListPendingOutbox(ctx)
		require.NoError(t, err)
		var kinds []models.OperationKind
		for _, op := range ops {
			if op.EntityID == c.ID {
				kinds = append(kinds, op.Kind)
			}
		}
		assert.Equal(t, []models.OperationKind{models.KindCreate, models.KindUpdate, models.KindUpdate}, kinds)
	})
}
