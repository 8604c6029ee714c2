package feed

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedkeeper/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "feed.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUserChannel(t *testing.T, store storage.Store, sourceURL string) (*storage.User, *storage.Channel) {
	t.Helper()
	ctx := context.Background()
	user := &storage.User{Name: "ada", Settings: storage.DefaultSettings()}
	require.NoError(t, store.SaveUser(ctx, user))
	channel := &storage.Channel{UserID: user.ID, SourceURL: sourceURL}
	require.NoError(t, store.SaveChannel(ctx, channel))
	return user, channel
}

func TestReconcile_SplitsInsertsAndUpdates(t *testing.T) {
	published := time.Date(2024, 8, 13, 0, 0, 0, 0, time.UTC)
	existing := []storage.Item{
		{ID: "id-1", ChannelID: "c1", GUID: "g1", Title: "old title", Read: true, PublishedAt: published},
		{ID: "id-9", ChannelID: "c1", GUID: "gone", Title: "vanished upstream"},
	}
	fresh := []ParsedItem{
		{GUID: "g1", Title: "new title", Link: "https://jug.ru/1", Description: "d1", PublishedAt: published.Add(time.Hour)},
		{GUID: "g2", Title: "second", Link: "https://jug.ru/2", PublishedAt: published},
	}

	rec := Reconcile("c1", fresh, existing)

	require.Len(t, rec.ToUpdate, 1)
	upd := rec.ToUpdate[0]
	assert.Equal(t, "id-1", upd.ID)
	assert.Equal(t, "c1", upd.ChannelID)
	assert.True(t, upd.Read)
	assert.Equal(t, "new title", upd.Title)
	assert.Equal(t, "https://jug.ru/1", upd.Link)
	assert.Equal(t, "d1", upd.Description)
	assert.True(t, upd.PublishedAt.Equal(published.Add(time.Hour)))

	require.Len(t, rec.ToInsert, 1)
	ins := rec.ToInsert[0]
	assert.Empty(t, ins.ID)
	assert.Equal(t, "c1", ins.ChannelID)
	assert.Equal(t, "g2", ins.GUID)
	assert.False(t, ins.Read)
	assert.Equal(t, 1, rec.Inserted())
}

func TestReconcile_EmptyInputs(t *testing.T) {
	rec := Reconcile("c1", nil, nil)
	assert.Empty(t, rec.ToInsert)
	assert.Empty(t, rec.ToUpdate)

	rec = Reconcile("c1", nil, []storage.Item{{ID: "x", GUID: "g"}})
	assert.Empty(t, rec.ToInsert)
	assert.Empty(t, rec.ToUpdate, "items missing upstream are never touched")
}

func TestReconcile_DuplicateGUIDKeepsFirst(t *testing.T) {
	rec := Reconcile("c1", []ParsedItem{
		{GUID: "g1", Title: "first"},
		{GUID: "g1", Title: "second"},
	}, nil)

	require.Len(t, rec.ToInsert, 1)
	assert.Equal(t, "first", rec.ToInsert[0].Title)
}

func TestReconcile_IdempotentAgainstStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, channel := seedUserChannel(t, store, "https://jug.ru/feed")

	parsed, err := NewDecoder().Decode(readFixture(t, "jugru.rss"))
	require.NoError(t, err)

	first := Reconcile(channel.ID, parsed.Items, nil)
	require.Equal(t, 10, first.Inserted())
	require.NoError(t, persist(ctx, store, first))

	existing, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	second := Reconcile(channel.ID, parsed.Items, existing)
	assert.Equal(t, 0, second.Inserted())
	assert.Len(t, second.ToUpdate, 10)
	require.NoError(t, persist(ctx, store, second))

	after, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	assert.Len(t, after, 10, "no duplicate items")
}

func TestReconcile_PreservesReadState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, channel := seedUserChannel(t, store, "https://jug.ru/feed")

	published := time.Now().Add(-time.Hour)
	rec := Reconcile(channel.ID, []ParsedItem{{GUID: "g1", Title: "Joker 2018", PublishedAt: published}}, nil)
	require.NoError(t, persist(ctx, store, rec))
	itemID := rec.ToInsert[0].ID
	require.NotEmpty(t, itemID)

	require.NoError(t, store.MarkRead(ctx, []string{itemID}, true))

	existing, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	rec = Reconcile(channel.ID, []ParsedItem{{GUID: "g1", Title: "Joker 2018 (updated)", PublishedAt: published}}, existing)
	require.NoError(t, persist(ctx, store, rec))

	items, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, itemID, items[0].ID)
	assert.True(t, items[0].Read)
	assert.Equal(t, "Joker 2018 (updated)", items[0].Title)
}

func TestPersist_KeepsReadFlagSetMidCycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, channel := seedUserChannel(t, store, "https://jug.ru/feed")

	published := time.Now().Add(-time.Hour)
	seed := Reconcile(channel.ID, []ParsedItem{{GUID: "g1", Title: "first", PublishedAt: published}}, nil)
	require.NoError(t, persist(ctx, store, seed))

	existing, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	rec := Reconcile(channel.ID, []ParsedItem{{GUID: "g1", Title: "edited", PublishedAt: published}}, existing)
	require.Len(t, rec.ToUpdate, 1)
	require.False(t, rec.ToUpdate[0].Read)

	// The user reads the item after the cycle loaded it.
	require.NoError(t, store.MarkRead(ctx, []string{existing[0].ID}, true))
	require.NoError(t, persist(ctx, store, rec))

	after, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "edited", after[0].Title)
	assert.True(t, after[0].Read, "an update never resets the read flag")
}
