package sqlite

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
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("client round trip", func(t *testing.T) {
		c := &models.Client{
			ID:                  "c-1",
			RouteID:             "R7",
			Name:                "Bar do Zé",
			Phone:               "+55 11 99999-0000",
			Active:              true,
			CachedDebt:          dec("12.5"),
			CachedDebtUpdatedAt: t0,
			CreatedAt:           t0,
			UpdatedAt:           t0,
		}
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.InsertClient(ctx, c)
		}))

		got, err := store.GetClient(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "Bar do Zé", got.Name)
		assert.Equal(t, "", got.Document)
		assert.True(t, got.Active)
		assert.Equal(t, "12.50", got.CachedDebt.StringFixed(2))
		assert.Equal(t, t0, got.CachedDebtUpdatedAt)
	})

	t.Run("GetClient returns NOT_FOUND for nonexistent client", func(t *testing.T) {
		_, err := store.GetClient(ctx, "nonexistent-id")
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("SetCachedDebt bumps timestamp even when value is unchanged", func(t *testing.T) {
		later := t0.Add(time.Minute)
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.SetCachedDebt(ctx, "c-1", dec("12.50"), later)
		}))

		got, err := store.GetClient(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, later, got.CachedDebtUpdatedAt)
	})

	t.Run("settlement amounts keep two decimals", func(t *testing.T) {
		s := &models.Settlement{
			ID:             "s-1",
			ClientID:       "c-1",
			CycleID:        "cy-1",
			RouteID:        "R7",
			Timestamp:      t0,
			PreviousDebt:   dec("0"),
			GrossAmount:    dec("100"),
			Discount:       dec("0"),
			AmountReceived: dec("60"),
			CurrentDebt:    dec("40"),
			PaymentBreakdown: map[string]decimal.Decimal{
				"cash": dec("50"),
				"pix":  dec("10"),
			},
			CreatedAt: t0,
		}
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.InsertSettlement(ctx, s)
		}))

		got, err := store.GetSettlement(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "40.00", got.CurrentDebt.StringFixed(2))
		assert.True(t, got.PaymentBreakdown["cash"].Equal(dec("50")))
		assert.Len(t, got.PaymentBreakdown, 2)
	})

	t.Run("LatestSettlement orders by timestamp then createdAt then insertion", func(t *testing.T) {
		for _, s := range []*models.Settlement{
			{ID: "s-b", ClientID: "c-2", CycleID: "cy", RouteID: "R7", Timestamp: t0, CurrentDebt: dec("2"), CreatedAt: t0},
			{ID: "s-a", ClientID: "c-2", CycleID: "cy", RouteID: "R7", Timestamp: t0, CurrentDebt: dec("1"), CreatedAt: t0},
			{ID: "s-c", ClientID: "c-2", CycleID: "cy", RouteID: "R7", Timestamp: t0.Add(-time.Hour), CurrentDebt: dec("3"), CreatedAt: t0.Add(time.Hour)},
		} {
			require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
				return tx.InsertSettlement(ctx, s)
			}))
		}

		latest, err := store.LatestSettlement(ctx, "c-2")
		require.NoError(t, err)
		assert.Equal(t, "s-a", latest.ID)

		all, err := store.ListSettlementsByClient(ctx, "c-2")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"s-c", "s-b", "s-a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	})

	t.Run("InsertSettlementIfAbsent is idempotent", func(t *testing.T) {
		s := &models.Settlement{ID: "s-pulled", ClientID: "c-3", CycleID: "cy", RouteID: "R7", Timestamp: t0, CreatedAt: t0}
		var first, second bool
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			var err error
			first, err = tx.InsertSettlementIfAbsent(ctx, s)
			if err != nil {
				return err
			}
			second, err = tx.InsertSettlementIfAbsent(ctx, s)
			return err
		}))
		assert.True(t, first)
		assert.False(t, second)
	})
}

func TestCycles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	insert := func(c *models.SettlementCycle) error {
		return store.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertCycle(ctx, c) })
	}

	t.Run("MaxSequence starts at zero", func(t *testing.T) {
		seq, err := store.MaxSequence(ctx, "R1", 2025)
		require.NoError(t, err)
		assert.Equal(t, 0, seq)
	})

	t.Run("duplicate sequence is a conflict", func(t *testing.T) {
		c := &models.SettlementCycle{ID: "a", RouteID: "R1", Year: 2025, SequenceNumber: 1, Status: models.CyclePlanned, CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, insert(c))

		dup := *c
		dup.ID = "b"
		err := insert(&dup)
		assert.True(t, apperr.IsConflict(err))
	})

	t.Run("frozen totals survive a round trip", func(t *testing.T) {
		finished := t0.Add(time.Hour)
		c := &models.SettlementCycle{
			ID: "f", RouteID: "R2", Year: 2025, SequenceNumber: 1,
			Status:     models.CycleFinalized,
			StartedAt:  t0,
			FinishedAt: &finished,
			FrozenTotals: &models.CycleTotals{
				TotalClients:   3,
				SettledClients: 2,
				TotalSettled:   dec("150.00"),
				NetProfit:      dec("100.00"),
			},
			CreatedAt: t0,
			UpdatedAt: finished,
		}
		require.NoError(t, insert(c))

		got, err := store.GetCycle(ctx, "f")
		require.NoError(t, err)
		require.NotNil(t, got.FinishedAt)
		assert.Equal(t, finished, *got.FinishedAt)
		require.NotNil(t, got.FrozenTotals)
		assert.Equal(t, 2, got.FrozenTotals.SettledClients)
		assert.True(t, got.FrozenTotals.TotalSettled.Equal(dec("150")))
	})

	t.Run("store rejects a second IN_PROGRESS cycle on a route", func(t *testing.T) {
		a := &models.SettlementCycle{ID: "x1", RouteID: "R3", Year: 2025, SequenceNumber: 1, Status: models.CycleInProgress, CreatedAt: t0, UpdatedAt: t0}
		b := &models.SettlementCycle{ID: "x2", RouteID: "R3", Year: 2025, SequenceNumber: 2, Status: models.CyclePlanned, CreatedAt: t0, UpdatedAt: t0}
		require.NoError(t, insert(a))
		require.NoError(t, insert(b))

		b.Status = models.CycleInProgress
		err := store.WithTx(ctx, func(tx storage.Tx) error { return tx.UpdateCycle(ctx, b) })
		assert.True(t, errors.Is(err, apperr.ErrCycleAlreadyActive))

		active, err := store.ActiveCycle(ctx, "R3")
		require.NoError(t, err)
		assert.Equal(t, "x1", active.ID)
	})
}

func newOp(id, entityID string, priority int, created time.Time) *models.OutboxOperation {
	return &models.OutboxOperation{
		ID:          id,
		EntityType:  models.EntityClient,
		EntityID:    entityID,
		Kind:        models.KindUpdate,
		Payload:     []byte(`{}`),
		Priority:    priority,
		Status:      models.StatusPending,
		ScheduledAt: created,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestOutbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	insert := func(ops ...*models.OutboxOperation) {
		t.Helper()
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			for _, op := range ops {
				if err := tx.InsertOutbox(ctx, op); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	insert(
		newOp("op1", "e1", models.PriorityNormal, t0),
		newOp("op2", "e1", models.PriorityHigh, t0),
		newOp("op3", "e2", models.PriorityNormal, t0),
		newOp("op4", "e3", models.PriorityHigh, t0.Add(time.Second)),
	)

	t.Run("ReadyOutbox returns one head per entity in priority order", func(t *testing.T) {
		ready, err := store.ReadyOutbox(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(ready))
		for _, op := range ready {
			ids = append(ids, op.ID)
		}
		// op2 waits behind op1 even though its priority is higher.
		assert.Equal(t, []string{"op4", "op1", "op3"}, ids)
	})

	t.Run("ReadyOutbox honors scheduledAt", func(t *testing.T) {
		ready, err := store.ReadyOutbox(ctx, t0, 10)
		require.NoError(t, err)
		assert.Len(t, ready, 2)
	})

	t.Run("ClaimOutbox is exclusive", func(t *testing.T) {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var ok bool
				err := store.WithTx(ctx, func(tx storage.Tx) error {
					var err error
					ok, err = tx.ClaimOutbox(ctx, "op1", t0)
					return err
				})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("PROCESSING head still blocks its entity", func(t *testing.T) {
		ready, err := store.ReadyOutbox(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		for _, op := range ready {
			assert.NotEqual(t, "e1", op.EntityID)
		}
	})

	t.Run("ReleaseProcessingOutbox recovers claims", func(t *testing.T) {
		var n int64
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			var err error
			n, err = tx.ReleaseProcessingOutbox(ctx, t0)
			return err
		}))
		assert.Equal(t, int64(1), n)

		op, err := store.GetOutbox(ctx, "op1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, op.Status)
	})

	t.Run("summary and purge", func(t *testing.T) {
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			if err := tx.CompleteOutbox(ctx, "op3", "", t0); err != nil {
				return err
			}
			return tx.FailOutbox(ctx, "op4", 8, "boom", t0)
		}))

		summary, err := store.SummarizeOutbox(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Pending)
		assert.Equal(t, 1, summary.Completed)
		assert.Equal(t, 1, summary.Failed)
		assert.Equal(t, t0, summary.OldestPendingAt)

		var purged int64
		require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
			var err error
			purged, err = tx.PurgeCompletedOutbox(ctx, t0.Add(time.Second))
			return err
		}))
		assert.Equal(t, int64(1), purged)
	})
}

func TestSavepoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &models.Client{ID: "c", RouteID: "R", Name: "n", Active: true, CreatedAt: t0, UpdatedAt: t0}
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertClient(ctx, c); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, "outbox", func() error {
			if err := tx.InsertOutbox(ctx, newOp("o", "c", 5, t0)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, spErr, boom)
		return nil
	})
	require.NoError(t, err)

	_, err = store.GetClient(ctx, "c")
	assert.NoError(t, err, "outer write must survive the rolled back savepoint")
	_, err = store.GetOutbox(ctx, "o")
	assert.True(t, apperr.IsNotFound(err))
}

func TestListUnsynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	synced := &models.Client{ID: "synced", RouteID: "R", Name: "a", Active: true, CreatedAt: t0, UpdatedAt: t0}
	orphan := &models.Client{ID: "orphan", RouteID: "R", Name: "b", Active: true, CreatedAt: t0, UpdatedAt: t0}
	old := &models.Client{ID: "old", RouteID: "R", Name: "c", Active: true, CreatedAt: t0, UpdatedAt: t0.Add(-30 * 24 * time.Hour)}

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		for _, c := range []*models.Client{synced, orphan, old} {
			if err := tx.InsertClient(ctx, c); err != nil {
				return err
			}
		}
		return tx.InsertOutbox(ctx, newOp("o1", "synced", 5, t0))
	}))

	ids, err := store.ListUnsynced(ctx, models.EntityClient, t0.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, ids)

	_, err = store.ListUnsynced(ctx, "contract", t0)
	assert.Error(t, err)
}

func TestMarkSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	since := t0.Add(-7 * 24 * time.Hour)

	pulled := &models.Client{ID: "pulled", RouteID: "R", Name: "a", Active: true, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertClient(ctx, pulled); err != nil {
			return err
		}
		return tx.MarkSynced(ctx, models.EntityClient, pulled.ID)
	}))

	ids, err := store.ListUnsynced(ctx, models.EntityClient, since)
	require.NoError(t, err)
	assert.Empty(t, ids, "rows written from the backend are not local changes")

	pulled.Name = "edited"
	pulled.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateClient(ctx, pulled)
	}))

	ids, err = store.ListUnsynced(ctx, models.EntityClient, since)
	require.NoError(t, err)
	assert.Equal(t, []string{"pulled"}, ids, "a later local change is found again")

	assert.Error(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.MarkSynced(ctx, "contract", "x")
	}))
}

func TestSyncMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, err := store.GetSyncMetadata(ctx, models.EntityClient)
	require.NoError(t, err)
	assert.Equal(t, models.EntityClient, m.EntityType)
	assert.True(t, m.LastSyncTimestamp.IsZero())

	m.LastSyncTimestamp = t0
	m.LastSyncCount = 4
	m.LastDuration = 1500 * time.Millisecond
	m.UpdatedAt = t0
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error { return tx.PutSyncMetadata(ctx, m) }))

	got, err := store.GetSyncMetadata(ctx, models.EntityClient)
	require.NoError(t, err)
	assert.Equal(t, t0, got.LastSyncTimestamp)
	assert.Equal(t, 4, got.LastSyncCount)
	assert.Equal(t, 1500*time.Millisecond, got.LastDuration)

	all, err := store.ListSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
