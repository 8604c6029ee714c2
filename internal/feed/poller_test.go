package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedkeeper/internal/config"
	"github.com/pders01/feedkeeper/internal/storage"
)

type testEntry struct {
	guid      string
	title     string
	published time.Time
}

// rssDoc renders an RSS 2.0 document. An entry with an empty guid gets no
// guid element; a zero published time gets no pubDate.
func rssDoc(title string, entries ...testEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0"?><rss version="2.0"><channel><title>%s</title><link>https://jug.ru</link>`, title)
	for _, e := range entries {
		b.WriteString("<item>")
		fmt.Fprintf(&b, "<title>%s</title>", e.title)
		if e.guid != "" {
			fmt.Fprintf(&b, "<guid>%s</guid>", e.guid)
		}
		if !e.published.IsZero() {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", e.published.UTC().Format(time.RFC1123Z))
		}
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func recentEntries(prefix string, n int) []testEntry {
	entries := make([]testEntry, n)
	for i := range entries {
		entries[i] = testEntry{
			guid:      fmt.Sprintf("%s-%d", prefix, i),
			title:     fmt.Sprintf("%s post %d", prefix, i),
			published: time.Now().Add(-time.Duration(i+1) * time.Hour),
		}
	}
	return entries
}

// feedServer serves fixed bodies by path and honours If-None-Match.
type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{bodies: map[string]string{}, hits: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		body, ok := fs.bodies[r.URL.Path]
		fs.hits[r.URL.Path]++
		fs.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		etag := fmt.Sprintf(`"%x"`, len(body))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(path, body string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bodies[path] = body
	return fs.URL + path
}

func addChannel(t *testing.T, store storage.Store, userID, sourceURL string) *storage.Channel {
	t.Helper()
	channel := &storage.Channel{UserID: userID, SourceURL: sourceURL}
	require.NoError(t, store.SaveChannel(context.Background(), channel))
	return channel
}

func reportFor(t *testing.T, report *PollReport, channelID string) ChannelReport {
	t.Helper()
	for _, c := range report.Channels {
		if c.ChannelID == channelID {
			return c
		}
	}
	t.Fatalf("no report for channel %s", channelID)
	return ChannelReport{}
}

func TestPollAll_NilUsers(t *testing.T) {
	p := NewPoller(newTestStore(t), config.TestConfig(), nil)
	_, err := p.PollAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilUsers)

	report, err := p.PollAll(context.Background(), []storage.User{})
	require.NoError(t, err)
	assert.Empty(t, report.Channels)
}

func TestPollAll_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := &storage.User{Name: "ada", Settings: storage.DefaultSettings()}
	require.NoError(t, store.SaveUser(ctx, user))

	fs := newFeedServer(t)
	first := addChannel(t, store, user.ID, fs.set("/first", rssDoc("First", recentEntries("a", 3)...)))
	second := addChannel(t, store, user.ID, fs.set("/second", "<html><body>not a feed</body></html>"))
	third := addChannel(t, store, user.ID, fs.set("/third", rssDoc("Third", recentEntries("c", 2)...)))

	listener := &recordingListener{}
	p := NewPoller(store, config.TestConfig(), listener)

	report, err := p.PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)

	r1 := reportFor(t, report, first.ID)
	assert.Equal(t, StateDone, r1.State)
	assert.Equal(t, 3, r1.Inserted)

	r2 := reportFor(t, report, second.ID)
	assert.Equal(t, StateFailed, r2.State)
	assert.Equal(t, StateDecoding, r2.FailedIn)
	assert.Equal(t, ReasonFormat, r2.Reason)
	assert.NotEmpty(t, r2.Error)
	var formatErr *FormatError
	assert.ErrorAs(t, r2.Err(), &formatErr)

	r3 := reportFor(t, report, third.ID)
	assert.Equal(t, StateDone, r3.State)
	assert.Equal(t, 2, r3.Inserted)

	assert.Equal(t, 5, report.Inserted())
	assert.Len(t, listener.upserted, 5)
	for _, item := range listener.upserted {
		assert.NotEmpty(t, item.ID, "listener sees store-assigned ids")
	}

	items, err := store.LoadExistingItems(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPollAll_TransportFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := &storage.User{Name: "ada", Settings: storage.DefaultSettings()}
	require.NoError(t, store.SaveUser(ctx, user))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	fs := newFeedServer(t)
	missing := addChannel(t, store, user.ID, fs.URL+"/missing")
	hung := addChannel(t, store, user.ID, slow.URL+"/feed")
	good := addChannel(t, store, user.ID, fs.set("/good", rssDoc("Good", recentEntries("g", 1)...)))

	cfg := config.TestConfig()
	cfg.Feed.ChannelTimeout = 100 * time.Millisecond
	p := NewPoller(store, cfg, nil)

	start := time.Now()
	report, err := p.PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "a hung upstream does not stall the cycle")

	assert.Equal(t, ReasonTransport, reportFor(t, report, missing.ID).Reason)
	assert.Equal(t, StateFetching, reportFor(t, report, missing.ID).FailedIn)
	assert.Equal(t, ReasonTimeout, reportFor(t, report, hung.ID).Reason)
	assert.Equal(t, StateDone, reportFor(t, report, good.ID).State)
	assert.Equal(t, 2, report.FailedCount())
	assert.Equal(t, map[FailureReason]int{ReasonTransport: 1, ReasonTimeout: 1}, report.FailuresByReason())
}

func TestPollAll_UnresolvableEntryFailsChannel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := &storage.User{Name: "ada", Settings: storage.DefaultSettings()}
	require.NoError(t, store.SaveUser(ctx, user))

	entries := recentEntries("u", 3)
	entries[1].guid = ""

	fs := newFeedServer(t)
	channel := addChannel(t, store, user.ID, fs.set("/feed", rssDoc("Broken", entries...)))

	report, err := NewPoller(store, config.TestConfig(), nil).PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)

	r := reportFor(t, report, channel.ID)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, ReasonUnresolvableEntry, r.Reason)

	items, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	assert.Empty(t, items, "valid entries of a failed channel are not stored either")
}

func TestPollAll_SecondCycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := &storage.User{Name: "ada", Settings: storage.DefaultSettings()}
	require.NoError(t, store.SaveUser(ctx, user))

	fs := newFeedServer(t)
	channel := addChannel(t, store, user.ID, fs.set("/feed", rssDoc("JUG.ru", recentEntries("j", 4)...)))

	p := NewPoller(store, config.TestConfig(), nil)

	report, err := p.PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)
	assert.Equal(t, 4, reportFor(t, report, channel.ID).Inserted)

	stored, err := store.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, "JUG.ru", stored.Title)
	assert.Equal(t, "https://jug.ru", stored.Link)
	assert.NotEmpty(t, stored.ETag)
	assert.False(t, stored.LastFetched.IsZero())

	// Unchanged upstream answers 304.
	report, err = p.PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)
	r := reportFor(t, report, channel.ID)
	assert.Equal(t, StateDone, r.State)
	assert.True(t, r.NotModified)
	assert.Equal(t, 0, r.Inserted)

	// Forced refresh re-reads the body and only updates.
	p.Fetcher().SetIgnoreCache(true)
	report, err = p.PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)
	r = reportFor(t, report, channel.ID)
	assert.Equal(t, 0, r.Inserted)
	assert.Equal(t, 4, r.Updated)

	items, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	assert.Len(t, items, 4)
	assert.Same(t, report, p.LastReport())
}

func TestPollAll_DropsItemsPastRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := &storage.User{Name: "ada", Settings: storage.Settings{RetentionDays: 7}}
	require.NoError(t, store.SaveUser(ctx, user))

	fs := newFeedServer(t)
	channel := addChannel(t, store, user.ID, fs.set("/feed", rssDoc("Mixed",
		testEntry{guid: "new", title: "new", published: time.Now().Add(-time.Hour)},
		testEntry{guid: "old", title: "old", published: time.Now().Add(-30 * 24 * time.Hour)},
	)))

	report, err := NewPoller(store, config.TestConfig(), nil).PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)
	assert.Equal(t, 1, reportFor(t, report, channel.ID).Inserted)

	items, err := store.LoadExistingItems(ctx, channel.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "new", items[0].GUID)
}

type failingStore struct {
	storage.Store
	failInsert   bool
	failChannels bool
}

var errInjected = errors.New("injected failure")

func (s *failingStore) BatchInsert(ctx context.Context, items []storage.Item) error {
	if s.failInsert {
		return errInjected
	}
	return s.Store.BatchInsert(ctx, items)
}

func (s *failingStore) LoadChannelsForUser(ctx context.Context, userID string) ([]storage.Channel, error) {
	if s.failChannels {
		return nil, errInjected
	}
	return s.Store.LoadChannelsForUser(ctx, userID)
}

func TestPollAll_StorageFailure(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	user := &storage.User{Name: "ada", Settings: storage.DefaultSettings()}
	require.NoError(t, base.SaveUser(ctx, user))

	fs := newFeedServer(t)
	channel := addChannel(t, base, user.ID, fs.set("/feed", rssDoc("JUG.ru", recentEntries("s", 2)...)))

	store := &failingStore{Store: base, failInsert: true}
	report, err := NewPoller(store, config.TestConfig(), nil).PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)

	r := reportFor(t, report, channel.ID)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, StatePersisting, r.FailedIn)
	assert.Equal(t, ReasonStorage, r.Reason)
	assert.ErrorIs(t, r.Err(), errInjected)

	stored, err := base.GetChannel(ctx, channel.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ETag, "metadata is only advanced after a successful persist")
}

func TestPollAll_ChannelLoadFailureIsReported(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	user := storage.User{ID: "u1"}

	store := &failingStore{Store: base, failChannels: true}
	report, err := NewPoller(store, config.TestConfig(), nil).PollAll(ctx, []storage.User{user})
	require.NoError(t, err)
	require.Len(t, report.Channels, 1)
	assert.Equal(t, "u1", report.Channels[0].UserID)
	assert.Equal(t, ReasonStorage, report.Channels[0].Reason)
}

func TestPollAll_RejectsOverlappingCycles(t *testing.T) {
	p := NewPoller(newTestStore(t), config.TestConfig(), nil)

	p.running.Lock()
	_, err := p.PollAll(context.Background(), []storage.User{})
	p.running.Unlock()
	assert.ErrorIs(t, err, ErrPollInProgress)

	_, err = p.PollAll(context.Background(), []storage.User{})
	assert.NoError(t, err)
}

func TestPollAll_BoundedParallelism(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	user := &storage.User{Name: "ada", Settings: storage.DefaultSettings()}
	require.NoError(t, store.SaveUser(ctx, user))

	var mu sync.Mutex
	inFlight, peak := 0, 0
	body := rssDoc("Slow", recentEntries("p", 1)...)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	for i := 0; i < 8; i++ {
		addChannel(t, store, user.ID, fmt.Sprintf("%s/feed/%d", server.URL, i))
	}

	cfg := config.TestConfig()
	cfg.Feed.Workers = 2
	cfg.Feed.PerHostLimit = 8

	report, err := NewPoller(store, cfg, nil).PollAll(ctx, []storage.User{*user})
	require.NoError(t, err)
	assert.Len(t, report.Channels, 8)
	assert.Equal(t, 0, report.FailedCount())

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}
