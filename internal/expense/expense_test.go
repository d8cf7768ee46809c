package expense

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/cycle"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage/sqlite"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeUploader struct {
	url   string
	err   error
	names []string
}

func (u *fakeUploader) Upload(_ context.Context, name, _ string, _ []byte) (string, error) {
	u.names = append(u.names, name)
	return u.url, u.err
}

type fixture struct {
	service  *Service
	cycles   *cycle.Machine
	outbox   *outbox.Outbox
	store    *sqlite.SQLiteStore
	clock    *clock.Manual
	uploader *fakeUploader
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "expense.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(t0)
	ob := outbox.New(store, clk, outbox.DefaultPolicy())
	up := &fakeUploader{}
	return &fixture{
		service:  New(store, ob, clk, up, nil),
		cycles:   cycle.New(store, ob, clk, nil),
		outbox:   ob,
		store:    store,
		clock:    clk,
		uploader: up,
	}
}

func (f *fixture) startCycle(t *testing.T, routeID string) *models.SettlementCycle {
	t.Helper()
	ctx := context.Background()
	c, err := f.cycles.Create(ctx, routeID, 2025, "")
	require.NoError(t, err)
	c, err = f.cycles.Start(ctx, c.ID)
	require.NoError(t, err)
	return c
}

func expenseOps(t *testing.T, f *fixture) []*models.OutboxOperation {
	t.Helper()
	ops, err := f.store.ListOutbox(context.Background(), models.StatusPending, 0)
	require.NoError(t, err)
	var out []*models.OutboxOperation
	for _, op := range ops {
		if op.EntityType == models.EntityExpense {
			out = append(out, op)
		}
	}
	return out
}

func TestScenario_OfflineExpenseBacksOff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.startCycle(t, "R7")

	e, err := f.service.Create(ctx, Input{
		CycleID:  c.ID,
		Amount:   decimal.RequireFromString("35.90"),
		Category: "fuel",
	})
	require.NoError(t, err)
	assert.Equal(t, "R7", e.RouteID)
	assert.Equal(t, 2025, e.Year)
	assert.Equal(t, 1, e.CycleNumber)

	ops := expenseOps(t, f)
	require.Len(t, ops, 1, "exactly one operation per write")
	op := ops[0]
	assert.Equal(t, models.KindCreate, op.Kind)
	assert.Equal(t, e.ID, op.EntityID)

	env, err := payload.Decode(op.Payload)
	require.NoError(t, err)
	var dto payload.Expense
	require.NoError(t, env.Into(&dto))
	assert.Equal(t, "35.90", dto.Amount.StringFixed(2))

	var last outbox.Failure
	for i := 0; i < 3; i++ {
		claimed, err := f.outbox.MarkProcessing(ctx, op.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		last, err = f.outbox.MarkFailed(ctx, op.ID, apperr.TransientSync(errors.New("network unreachable")))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, last.RetryCount)
	assert.True(t, f.clock.Now().Add(40*time.Second).Equal(last.ScheduledAt))
}

func TestScenario_EditUnderFinalizedCycleIsRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.startCycle(t, "R7")

	open := f.startCycle(t, "R8")
	photo := &Photo{Name: "r.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}

	e, err := f.service.Create(ctx, Input{CycleID: c.ID, Amount: decimal.NewFromInt(20), Category: "food"})
	require.NoError(t, err)
	movable, err := f.service.Create(ctx, Input{CycleID: open.ID, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	_, err = f.cycles.Finalize(ctx, c.ID)
	require.NoError(t, err)

	before, err := f.store.SummarizeOutbox(ctx)
	require.NoError(t, err)

	_, err = f.service.Update(ctx, e.ID, Input{CycleID: c.ID, Amount: decimal.NewFromInt(99), Category: "food", Photo: photo})
	assert.True(t, apperr.IsImmutable(err))

	_, err = f.service.Update(ctx, movable.ID, Input{CycleID: c.ID, Amount: decimal.NewFromInt(5), Photo: photo})
	assert.True(t, apperr.IsImmutable(err), "moving into a finalized cycle")

	_, err = f.service.Update(ctx, "missing", Input{RouteID: "R7", Amount: decimal.NewFromInt(5), Photo: photo})
	assert.True(t, apperr.IsNotFound(err))
	assert.Empty(t, f.uploader.names, "rejected writes upload nothing")

	err = f.service.Delete(ctx, e.ID)
	assert.True(t, apperr.IsImmutable(err))

	_, err = f.service.Create(ctx, Input{CycleID: c.ID, Amount: decimal.NewFromInt(1), Photo: photo})
	assert.True(t, apperr.IsImmutable(err))
	assert.Empty(t, f.uploader.names)

	got, err := f.service.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "20.00", got.Amount.StringFixed(2))

	after, err := f.store.SummarizeOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateAndDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.startCycle(t, "R7")

	e, err := f.service.Create(ctx, Input{CycleID: c.ID, Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	updated, err := f.service.Update(ctx, e.ID, Input{CycleID: c.ID, Amount: decimal.RequireFromString("22.5"), Description: "toll"})
	require.NoError(t, err)
	assert.Equal(t, "22.50", updated.Amount.StringFixed(2))
	assert.True(t, updated.UpdatedAt.After(e.UpdatedAt))

	require.NoError(t, f.service.Delete(ctx, e.ID))
	_, err = f.service.Get(ctx, e.ID)
	assert.True(t, apperr.IsNotFound(err))

	var kinds []models.OperationKind
	for _, op := range expenseOps(t, f) {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []models.OperationKind{models.KindCreate, models.KindUpdate, models.KindDelete}, kinds)
}

func TestCreateWithoutCycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	e, err := f.service.Create(ctx, Input{RouteID: "R7", Amount: decimal.NewFromInt(5), CycleNumber: 2})
	require.NoError(t, err)
	assert.Empty(t, e.CycleID)
	assert.Equal(t, 2025, e.Year)

	list, err := f.service.ListByPeriod(ctx, 2025, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].ID)
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.startCycle(t, "R7")

	tests := []struct {
		name string
		in   Input
	}{
		{"no route", Input{Amount: decimal.NewFromInt(1)}},
		{"zero amount", Input{RouteID: "R7"}},
		{"negative amount", Input{RouteID: "R7", Amount: decimal.NewFromInt(-1)}},
		{"route mismatch", Input{RouteID: "R9", CycleID: c.ID, Amount: decimal.NewFromInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Create(ctx, tt.in)
			assert.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, expenseOps(t, f))
}

func TestPhotoUpload(t *testing.T) {
	photo := &Photo{Name: "receipt.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}

	t.Run("stored url is kept", func(t *testing.T) {
		f := setup(t)
		f.uploader.url = "https://blobs.example/expenses/e1/receipt.jpg"

		e, err := f.service.Create(context.Background(), Input{ID: "e1", RouteID: "R7", Amount: decimal.NewFromInt(3), Photo: photo})
		require.NoError(t, err)
		assert.Equal(t, f.uploader.url, e.PhotoRef)
		assert.Equal(t, []string{"expenses/e1/receipt.jpg"}, f.uploader.names)
	})

	t.Run("failed upload records without photo", func(t *testing.T) {
		f := setup(t)
		f.uploader.err = errors.New("offline")

		e, err := f.service.Create(context.Background(), Input{RouteID: "R7", Amount: decimal.NewFromInt(3), Photo: photo})
		require.NoError(t, err)
		assert.Empty(t, e.PhotoRef)
		assert.Len(t, expenseOps(t, f), 1)
	})
}
