package feed

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedkeeper/internal/config"
	"github.com/pders01/feedkeeper/internal/plugins"
	"github.com/pders01/feedkeeper/internal/storage"
	"github.com/pders01/feedkeeper/internal/validation"
)

func newTestManager(t *testing.T, listener IndexListener) (*Manager, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewManager(store, config.TestConfig(), nil, listener), store
}

func TestManager_AddChannel(t *testing.T) {
	ctx := context.Background()
	listener := &recordingListener{}
	m, store := newTestManager(t, listener)

	user, err := m.CreateUser(ctx, "ada", "ada@example.org")
	require.NoError(t, err)

	fs := newFeedServer(t)
	feedURL := fs.set("/feed", rssDoc("JUG.ru", recentEntries("j", 3)...))

	channel, inserted, err := m.AddChannel(ctx, user.ID, feedURL)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.NotEmpty(t, channel.ID)
	assert.Equal(t, "JUG.ru", channel.Title)
	assert.Equal(t, feedURL, channel.SourceURL)
	assert.NotEmpty(t, channel.ETag)
	assert.Len(t, listener.upserted, 3)

	items, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	_, _, err = m.AddChannel(ctx, user.ID, feedURL)
	assert.ErrorIs(t, err, storage.ErrDuplicateChannel)

	channels, err := m.ListChannels(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestManager_AddChannel_UnreadableFeedIsNotSaved(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	user, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)

	fs := newFeedServer(t)

	_, _, err = m.AddChannel(ctx, user.ID, fs.set("/html", "<html><body>hi</body></html>"))
	assert.Equal(t, ReasonFormat, Classify(err))

	_, _, err = m.AddChannel(ctx, user.ID, fs.URL+"/missing")
	assert.Equal(t, ReasonTransport, Classify(err))

	entries := recentEntries("x", 2)
	entries[0].published = time.Time{}
	_, _, err = m.AddChannel(ctx, user.ID, fs.set("/undated", rssDoc("Undated", entries...)))
	assert.Equal(t, ReasonUnresolvableEntry, Classify(err))

	channels, err := m.ListChannels(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestManager_AddChannel_RollsBackOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	store := &failingStore{Store: base, failInsert: true}
	m := NewManager(store, config.TestConfig(), nil, nil)

	user, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	feedURL := fs.set("/feed", rssDoc("JUG.ru", recentEntries("s", 2)...))

	channel, _, err := m.AddChannel(ctx, user.ID, feedURL)
	assert.Nil(t, channel)
	assert.Equal(t, ReasonStorage, Classify(err))

	channels, err := m.ListChannels(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, channels, "a failed subscription leaves no channel behind")

	store.failInsert = false
	_, inserted, err := m.AddChannel(ctx, user.ID, feedURL)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
}

func TestManager_AddChannel_RejectsPrivateHosts(t *testing.T) {
	ctx := context.Background()
	cfg := config.TestConfig()
	cfg.Feed.AllowPrivateHosts = false
	m := NewManager(newTestStore(t), cfg, nil, nil)

	user, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	feedURL := fs.set("/feed", rssDoc("Local", recentEntries("l", 1)...))

	_, _, err = m.AddChannel(ctx, user.ID, feedURL)
	assert.ErrorIs(t, err, validation.ErrPrivateHost)

	m.SetPermissiveValidation(true)
	_, inserted, err := m.AddChannel(ctx, user.ID, feedURL)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func TestManager_AddChannel_UnknownUser(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, _, err := m.AddChannel(context.Background(), "nobody", "https://jug.ru/feed")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_DeleteChannel(t *testing.T) {
	ctx := context.Background()
	listener := &recordingListener{}
	m, store := newTestManager(t, listener)

	owner, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)
	other, err := m.CreateUser(ctx, "grace", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	channel, _, err := m.AddChannel(ctx, owner.ID, fs.set("/feed", rssDoc("JUG.ru", recentEntries("d", 2)...)))
	require.NoError(t, err)

	_, err = m.DeleteChannel(ctx, other.ID, channel.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "only the owner can delete a channel")

	purged, err := m.DeleteChannel(ctx, owner.ID, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	assert.Len(t, listener.deleted, 2)

	_, err = store.GetChannel(ctx, channel.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	items, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestManager_ListItemsAndMarkRead(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	owner, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)
	other, err := m.CreateUser(ctx, "grace", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	channel, _, err := m.AddChannel(ctx, owner.ID, fs.set("/feed", rssDoc("JUG.ru", recentEntries("r", 3)...)))
	require.NoError(t, err)

	items, err := m.ListItems(ctx, owner.ID, ListOptions{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "r-0", items[0].GUID, "newest first")

	assert.ErrorIs(t, m.MarkRead(ctx, other.ID, []string{items[0].ID}, true), storage.ErrNotFound)
	assert.ErrorIs(t, m.MarkRead(ctx, owner.ID, []string{items[0].ID, "missing"}, true), storage.ErrNotFound)
	require.NoError(t, m.MarkRead(ctx, owner.ID, []string{items[0].ID}, true))

	hide := true
	unread, err := m.ListItems(ctx, owner.ID, ListOptions{HideRead: &hide})
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	// Default follows the user's setting.
	all, err := m.ListItems(ctx, owner.ID, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, m.UpdateSettings(ctx, owner.ID, storage.Settings{RetentionDays: 30, HideRead: true}))
	unread, err = m.ListItems(ctx, owner.ID, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	limited, err := m.ListItems(ctx, owner.ID, ListOptions{ChannelID: channel.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = m.ListItems(ctx, other.ID, ListOptions{ChannelID: channel.ID})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, m.MarkRead(ctx, owner.ID, nil, true))
}

func TestManager_RefreshUser(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	user, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	channel, _, err := m.AddChannel(ctx, user.ID, fs.set("/feed", rssDoc("JUG.ru", recentEntries("f", 2)...)))
	require.NoError(t, err)

	// Upstream grows by one entry.
	fs.set("/feed", rssDoc("JUG.ru", recentEntries("f", 3)...))

	report, err := m.RefreshUser(ctx, user.ID)
	require.NoError(t, err)
	r := reportFor(t, report, channel.ID)
	assert.Equal(t, StateDone, r.State)
	assert.Equal(t, 1, r.Inserted)
	assert.Equal(t, 2, r.Updated)

	_, err = m.RefreshUser(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_PollAllAndExpireAll(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, nil)

	user, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	channel, _, err := m.AddChannel(ctx, user.ID, fs.set("/feed", rssDoc("JUG.ru", recentEntries("e", 2)...)))
	require.NoError(t, err)

	report, err := m.PollAll(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Channels, 1)
	assert.Same(t, report, m.Poller().LastReport())

	old := time.Now().Add(-400 * 24 * time.Hour)
	require.NoError(t, store.BatchInsert(ctx, []storage.Item{{ChannelID: channel.ID, GUID: "ancient", PublishedAt: old}}))

	deleted, err := m.ExpireAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted[user.ID])
}

func TestManager_MarkReadWaitsForRunningCycle(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, nil)
	user, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	channel, _, err := m.AddChannel(ctx, user.ID, fs.set("/feed", rssDoc("JUG.ru", recentEntries("w", 1)...)))
	require.NoError(t, err)
	existing, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	require.Len(t, existing, 1)

	m.Poller().running.Lock()
	done := make(chan error, 1)
	go func() { done <- m.MarkRead(ctx, user.ID, []string{existing[0].ID}, true) }()

	select {
	case <-done:
		t.Fatal("MarkRead must not run while a cycle holds the lock")
	case <-time.After(50 * time.Millisecond):
	}
	m.Poller().running.Unlock()
	require.NoError(t, <-done)

	after, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	assert.True(t, after[0].Read)
}

type redirectPlugin struct{ target string }

func (p redirectPlugin) Name() string              { return "redirect" }
func (p redirectPlugin) Priority() int             { return 1 }
func (p redirectPlugin) CanHandle(u *url.URL) bool { return u.Hostname() == "blog.example.org" }
func (p redirectPlugin) Resolve(context.Context, *url.URL) (*plugins.Source, error) {
	return &plugins.Source{FeedURL: p.target, Title: "Example blog"}, nil
}

func TestManager_AddChannel_ResolvesSiteURL(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	user, err := m.CreateUser(ctx, "ada", "")
	require.NoError(t, err)

	fs := newFeedServer(t)
	target := fs.set("/untitled", rssDoc("", recentEntries("p", 1)...))
	m.Sources().Register(redirectPlugin{target: target})

	channel, inserted, err := m.AddChannel(ctx, user.ID, "https://blog.example.org")
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, target, channel.SourceURL)
	assert.Equal(t, "Example blog", channel.Title, "the plugin title fills in for an untitled feed")
}
