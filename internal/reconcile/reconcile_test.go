package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clients"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/cycle"
	"github.com/mmynk/fieldsync/internal/ledger"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
	"github.com/mmynk/fieldsync/internal/storage/sqlite"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	resolver *Resolver
	clients  *clients.Service
	ledger   *ledger.Ledger
	outbox   *outbox.Outbox
	store    *sqlite.SQLiteStore
	clock    *clock.Manual
	cycleID  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(t0)
	ob := outbox.New(store, clk, outbox.DefaultPolicy())
	f := &fixture{
		resolver: New(store, ob, clk, nil),
		clients:  clients.New(store, ob, clk, nil),
		ledger:   ledger.New(store, ob, clk, nil),
		outbox:   ob,
		store:    store,
		clock:    clk,
	}

	machine := cycle.New(store, ob, clk, nil)
	c, err := machine.Create(context.Background(), "R7", 2025, "")
	require.NoError(t, err)
	_, err = machine.Start(context.Background(), c.ID)
	require.NoError(t, err)
	f.cycleID = c.ID
	return f
}

func (f *fixture) pendingFor(t *testing.T, entityType, entityID string) []*models.OutboxOperation {
	t.Helper()
	ops, err := f.store.ListPendingOutbox(context.Background())
	require.NoError(t, err)
	var out []*models.OutboxOperation
	for _, op := range ops {
		if op.EntityType == entityType && op.EntityID == entityID {
			out = append(out, op)
		}
	}
	return out
}

func TestMatchKey(t *testing.T) {
	assert.Equal(t, MatchKey("R7", "João"), MatchKey("R7", "  JOÃO "))
	assert.Equal(t, MatchKey("R7", "Bar  do   Zé"), MatchKey("R7", "bar do zé"))
	assert.NotEqual(t, MatchKey("R7", "João"), MatchKey("R8", "João"))
	assert.NotEqual(t, MatchKey("R7", "João"), MatchKey("R7", "Joana"))
}

func TestScenario_OfflineDuplicateClientIsMerged(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	local, err := f.clients.Create(ctx, clients.Input{ID: "local-joao", RouteID: "R7", Name: "João"})
	require.NoError(t, err)
	asset, err := f.clients.AddAsset(ctx, local.ID, "Mesa 3")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	s, err := f.ledger.RecordSettlement(ctx, ledger.SettlementInput{
		ClientID: local.ID,
		CycleID:  f.cycleID,
		Gross:    decimal.RequireFromString("80"),
		Received: decimal.RequireFromString("30"),
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	remote := &models.Client{
		ID:        "canonical-joao",
		RouteID:   "R7",
		Name:      "joão ",
		Active:    true,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	res, err := f.resolver.ResolveRemoteClient(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, Merged, res)

	_, err = f.store.GetClient(ctx, local.ID)
	assert.True(t, apperr.IsNotFound(err), "stale client is removed")

	canonical, err := f.store.GetClient(ctx, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", canonical.CachedDebt.StringFixed(2))

	gotSettlement, err := f.store.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, remote.ID, gotSettlement.ClientID)
	gotAsset, err := f.store.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, remote.ID, gotAsset.ClientID)

	assert.Empty(t, f.pendingFor(t, models.EntityClient, local.ID), "no operation left on the stale id")
	created, err := f.store.ListOutbox(ctx, models.StatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, models.KindCreate, created[0].Kind)
	assert.Equal(t, outbox.NoteSuperseded, created[0].LastError)

	for _, op := range append(f.pendingFor(t, models.EntitySettlement, s.ID), f.pendingFor(t, models.EntityAsset, asset.ID)...) {
		env, err := payload.Decode(op.Payload)
		require.NoError(t, err)
		var fields map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(env.Data, &fields))
		assert.JSONEq(t, `"canonical-joao"`, string(fields["clientId"]))
	}

	for _, op := range f.pendingFor(t, models.EntityClient, remote.ID) {
		env, err := payload.Decode(op.Payload)
		require.NoError(t, err)
		var dto payload.Client
		require.NoError(t, env.Into(&dto))
		assert.Equal(t, remote.ID, dto.ID)
	}

	drifts, err := f.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestResolveRemoteClient_AmbiguousMatchChangesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.clients.Create(ctx, clients.Input{ID: "m1", RouteID: "R7", Name: "Maria"})
	require.NoError(t, err)
	_, err = f.clients.Create(ctx, clients.Input{ID: "m2", RouteID: "R7", Name: "MARIA"})
	require.NoError(t, err)
	before, err := f.outbox.Summary(ctx)
	require.NoError(t, err)

	_, err = f.resolver.ResolveRemoteClient(ctx, &models.Client{ID: "remote-maria", RouteID: "R7", Name: "maria", UpdatedAt: t0})
	assert.True(t, apperr.IsReconciliation(err))

	roster, err := f.store.ListClientsByRoute(ctx, "R7")
	require.NoError(t, err)
	assert.Len(t, roster, 2)
	after, err := f.outbox.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResolveRemoteClient_LastWriterWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.clock.Advance(time.Hour)
	local, err := f.clients.Create(ctx, clients.Input{ID: "c1", RouteID: "R7", Name: "Bar"})
	require.NoError(t, err)

	stale := *local
	stale.Name = "Old name"
	stale.UpdatedAt = t0
	res, err := f.resolver.ResolveRemoteClient(ctx, &stale)
	require.NoError(t, err)
	assert.Equal(t, Kept, res)

	fresh := *local
	fresh.Name = "New name"
	fresh.UpdatedAt = local.UpdatedAt.Add(time.Minute)
	res, err = f.resolver.ResolveRemoteClient(ctx, &fresh)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	got, err := f.store.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "New name", got.Name)
}

func TestResolveRemoteClient_InsertsUnknown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.resolver.ResolveRemoteClient(ctx, &models.Client{ID: "r1", RouteID: "R7", Name: "Novo", Active: true, UpdatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	_, err = f.store.GetClient(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, f.pendingFor(t, models.EntityClient, "r1"), "pulled clients are not pushed back")
}

func TestMerge_FromIdentityConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	local, err := f.clients.Create(ctx, clients.Input{ID: "local-1", RouteID: "R7", Name: "Bar"})
	require.NoError(t, err)

	require.NoError(t, f.resolver.Merge(ctx, models.EntityClient, local.ID, "server-1"))

	canonical, err := f.store.GetClient(ctx, "server-1")
	require.NoError(t, err)
	assert.Equal(t, "Bar", canonical.Name)
	_, err = f.store.GetClient(ctx, local.ID)
	assert.True(t, apperr.IsNotFound(err))

	t.Run("merging again is a no-op", func(t *testing.T) {
		assert.NoError(t, f.resolver.Merge(ctx, models.EntityClient, local.ID, "server-1"))
	})

	t.Run("only clients can be merged", func(t *testing.T) {
		err := f.resolver.Merge(ctx, models.EntitySettlement, "s1", "s2")
		assert.True(t, apperr.IsReconciliation(err))
	})
}

type page struct {
	records []Record
	err     error
}

type fakeSource struct {
	pages map[string][]page
	since []time.Time
}

func (s *fakeSource) Pull(_ context.Context, entityType string, since time.Time, _ int) ([]Record, error) {
	s.since = append(s.since, since)
	pages := s.pages[entityType]
	if len(pages) == 0 {
		return nil, nil
	}
	s.pages[entityType] = pages[1:]
	return pages[0].records, pages[0].err
}

func clientRecord(t *testing.T, c payload.Client, at time.Time) Record {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return Record{EntityType: models.EntityClient, EntityID: c.ID, Data: data, UpdatedAt: at}
}

func TestPuller_AdvancesWatermark(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	src := &fakeSource{pages: map[string][]page{models.EntityClient: {
		{records: []Record{
			clientRecord(t, payload.Client{ID: "r1", RouteID: "R7", Name: "Um", UpdatedAt: t0}, t0.Add(time.Second)),
			clientRecord(t, payload.Client{ID: "r2", RouteID: "R7", Name: "Dois", UpdatedAt: t0}, t0.Add(2*time.Second)),
		}},
		{records: []Record{
			clientRecord(t, payload.Client{ID: "r3", RouteID: "R7", Name: "Tres", UpdatedAt: t0}, t0.Add(3*time.Second)),
		}},
	}}}
	p := NewPuller(src, f.store, f.resolver, f.clock, 2)

	n, err := p.Pull(ctx, models.EntityClient)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, src.since[1].Equal(t0.Add(2*time.Second)), "second page starts after the first")

	meta, err := f.store.GetSyncMetadata(ctx, models.EntityClient)
	require.NoError(t, err)
	assert.True(t, meta.LastSyncTimestamp.Equal(t0.Add(3*time.Second)))
	assert.Equal(t, 3, meta.LastSyncCount)
	assert.Empty(t, meta.LastError)

	src.pages[models.EntityClient] = []page{{err: errors.New("connection reset")}}
	_, err = p.Pull(ctx, models.EntityClient)
	require.Error(t, err)
	meta, err = f.store.GetSyncMetadata(ctx, models.EntityClient)
	require.NoError(t, err)
	assert.True(t, meta.LastSyncTimestamp.Equal(t0.Add(3*time.Second)), "a failed pull keeps the watermark")
	assert.Contains(t, meta.LastError, "connection reset")
}

func TestPuller_AppliesSettlementsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.clients.Create(ctx, clients.Input{ID: "c1", RouteID: "R7", Name: "Bar"})
	require.NoError(t, err)

	dto := payload.Settlement{
		ID:             "remote-s1",
		ClientID:       "c1",
		CycleID:        f.cycleID,
		RouteID:        "R7",
		Timestamp:      t0,
		PreviousDebt:   decimal.Zero,
		GrossAmount:    decimal.RequireFromString("40"),
		Discount:       decimal.Zero,
		AmountReceived: decimal.RequireFromString("10"),
		CurrentDebt:    decimal.RequireFromString("30"),
		CreatedAt:      t0,
	}
	data, err := json.Marshal(dto)
	require.NoError(t, err)
	rec := Record{EntityType: models.EntitySettlement, EntityID: dto.ID, Data: data, UpdatedAt: t0}

	src := &fakeSource{pages: map[string][]page{
		models.EntitySettlement: {{records: []Record{rec}}, {records: []Record{rec}}},
	}}
	p := NewPuller(src, f.store, f.resolver, f.clock, 10)

	counts, err := p.PullAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.EntitySettlement])

	_, err = p.Pull(ctx, models.EntitySettlement)
	require.NoError(t, err)

	history, err := f.ledger.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	debt, err := f.ledger.CurrentDebt(ctx, "c1")
	require.NoError(t, err)
	client, err := f.store.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, client.CachedDebt.Equal(debt))
	assert.Equal(t, "30.00", debt.StringFixed(2))
}

func TestPuller_PulledRowsAreNotSweptBack(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	settlement := payload.Settlement{
		ID:             "remote-s1",
		ClientID:       "remote-c1",
		CycleID:        f.cycleID,
		RouteID:        "R7",
		Timestamp:      t0,
		PreviousDebt:   decimal.Zero,
		GrossAmount:    decimal.RequireFromString("25"),
		Discount:       decimal.Zero,
		AmountReceived: decimal.Zero,
		CurrentDebt:    decimal.RequireFromString("25"),
		CreatedAt:      t0,
	}
	data, err := json.Marshal(settlement)
	require.NoError(t, err)

	src := &fakeSource{pages: map[string][]page{
		models.EntityClient: {{records: []Record{
			clientRecord(t, payload.Client{ID: "remote-c1", RouteID: "R7", Name: "Bar", Active: true, CreatedAt: t0, UpdatedAt: t0}, t0),
		}}},
		models.EntitySettlement: {{records: []Record{
			{EntityType: models.EntitySettlement, EntityID: settlement.ID, Data: data, UpdatedAt: t0},
		}}},
	}}
	p := NewPuller(src, f.store, f.resolver, f.clock, 10)

	counts, err := p.PullAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.EntityClient])
	assert.Equal(t, 1, counts[models.EntitySettlement])

	f.clock.Advance(time.Hour)
	swept, err := f.outbox.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.Empty(t, f.pendingFor(t, models.EntityClient, "remote-c1"))
	assert.Empty(t, f.pendingFor(t, models.EntitySettlement, "remote-s1"))

	// A local edit that lost its outbox entry is still repaired.
	c, err := f.store.GetClient(ctx, "remote-c1")
	require.NoError(t, err)
	c.Phone = "555-0100"
	c.UpdatedAt = f.clock.Now()
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateClient(ctx, c)
	}))

	swept, err = f.outbox.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{models.EntityClient: 1}, swept)
	ops := f.pendingFor(t, models.EntityClient, "remote-c1")
	require.Len(t, ops, 1)
	assert.Equal(t, models.KindUpdate, ops[0].Kind)
}
