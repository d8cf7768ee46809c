package serverdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/fieldsync/internal/apperr"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAssignsIncreasingChangeTimes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Upsert(ctx, &Record{EntityType: "settlement", EntityID: "s1", Data: []byte(`{"id":"s1"}`)}, t0)
	require.NoError(t, err)
	assert.True(t, first.Equal(t0))

	// Same wall time: the second write must still sort after the first.
	second, err := store.Upsert(ctx, &Record{EntityType: "settlement", EntityID: "s2", Data: []byte(`{"id":"s2"}`)}, t0)
	require.NoError(t, err)
	assert.True(t, second.After(first))

	// Clock went backwards.
	third, err := store.Upsert(ctx, &Record{EntityType: "settlement", EntityID: "s1", Data: []byte(`{"id":"s1","v":2}`)}, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, third.After(second))

	// Other entity types keep their own clock.
	other, err := store.Upsert(ctx, &Record{EntityType: "expense", EntityID: "e1", Data: []byte(`{}`)}, t0)
	require.NoError(t, err)
	assert.True(t, other.Equal(t0))

	rec, err := store.Get(ctx, "settlement", "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1","v":2}`, string(rec.Data))
	assert.True(t, rec.UpdatedAt.Equal(third))
}

func TestUpsertDetectsIdentityConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, &Record{EntityType: "client", EntityID: "c-server", MatchKey: "r1\x00joao", Data: []byte(`{}`)}, t0)
	require.NoError(t, err)

	// Re-sending the same id is not a conflict.
	_, err = store.Upsert(ctx, &Record{EntityType: "client", EntityID: "c-server", MatchKey: "r1\x00joao", Data: []byte(`{"v":2}`)}, t0)
	require.NoError(t, err)

	_, err = store.Upsert(ctx, &Record{EntityType: "client", EntityID: "c-device", MatchKey: "r1\x00joao", Data: []byte(`{}`)}, t0)
	require.True(t, apperr.IsIdentityConflict(err))
	ae, _ := apperr.As(err)
	assert.Equal(t, "c-server", ae.Detail(apperr.DetailCanonicalID))

	_, err = store.Get(ctx, "client", "c-device")
	assert.True(t, apperr.IsNotFound(err))

	// A deleted record no longer claims its key.
	_, err = store.Delete(ctx, "client", "c-server", "", t0)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, &Record{EntityType: "client", EntityID: "c-device", MatchKey: "r1\x00joao", Data: []byte(`{}`)}, t0)
	require.NoError(t, err)
}

func TestListChangedPagesWithoutGaps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.Upsert(ctx, &Record{EntityType: "settlement", EntityID: id, Data: []byte(`{}`)}, t0)
		require.NoError(t, err)
	}
	_, err := store.Delete(ctx, "settlement", "b", "dev-1", t0)
	require.NoError(t, err)

	var (
		since time.Time
		seen  []string
	)
	for {
		page, err := store.ListChanged(ctx, "settlement", since, 2)
		require.NoError(t, err)
		for _, rec := range page {
			seen = append(seen, rec.EntityID)
			since = rec.UpdatedAt
		}
		if len(page) < 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "c", "d", "e", "b"}, seen)

	tomb, err := store.Get(ctx, "settlement", "b")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Nil(t, tomb.Data)
	assert.Equal(t, "dev-1", tomb.DeviceID)
}

func TestDevicesAndBlobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateDevice(ctx, &Device{ID: "dev-1", SecretHash: "hash", CreatedAt: t0}))
	err := store.CreateDevice(ctx, &Device{ID: "dev-1", SecretHash: "other", CreatedAt: t0})
	assert.True(t, apperr.IsConflict(err))

	require.NoError(t, store.TouchDevice(ctx, "dev-1", t0.Add(time.Minute)))
	d, err := store.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "hash", d.SecretHash)
	assert.True(t, d.LastSeenAt.Equal(t0.Add(time.Minute)))

	_, err = store.GetDevice(ctx, "dev-2")
	assert.True(t, apperr.IsNotFound(err))

	require.NoError(t, store.PutBlob(ctx, &Blob{ID: "b1", Name: "receipt.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}, CreatedAt: t0}))
	b, err := store.GetBlob(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, b.Data)
	assert.Equal(t, "image/jpeg", b.ContentType)
}
