package feed

import (
	"context"
	"fmt"

	"github.com/pders01/feedkeeper/internal/config"
	"github.com/pders01/feedkeeper/internal/debuglog"
	"github.com/pders01/feedkeeper/internal/plugins"
	"github.com/pders01/feedkeeper/internal/storage"
	"github.com/pders01/feedkeeper/internal/users"
	"github.com/pders01/feedkeeper/internal/validation"
)

// Manager is the entry point for everything a user does with their channels
// and items. Writes to a channel's item set are serialized with poll cycles.
type Manager struct {
	store        storage.Store
	users        *users.Cache
	poller       *Poller
	retention    *Retention
	decoder      *Decoder
	listener     IndexListener
	urlValidator *validation.SourceURLValidator
	sources      *plugins.Registry
}

// NewManager wires the poller and retention engine over store. A nil
// userCache gets one sized from cfg; a nil listener disables index updates.
func NewManager(store storage.Store, cfg *config.Config, userCache *users.Cache, listener IndexListener) *Manager {
	if listener == nil {
		listener = nopListener{}
	}
	if userCache == nil {
		userCache = users.NewCache(store, cfg.Users.CacheSize, cfg.Users.CacheTTL)
	}
	return &Manager{
		store:        store,
		users:        userCache,
		poller:       NewPoller(store, cfg, listener),
		retention:    NewRetention(store, listener),
		decoder:      NewDecoder(),
		listener:     listener,
		urlValidator: validation.NewSourceURLValidator(cfg.Feed.AllowPrivateHosts),
		sources:      plugins.Default(),
	}
}

// SetForceRefresh configures the manager to ignore ETag/Last-Modified headers
func (m *Manager) SetForceRefresh(force bool) {
	m.poller.fetcher.SetIgnoreCache(force)
}

// SetPermissiveValidation allows channels on local and private hosts.
func (m *Manager) SetPermissiveValidation(permissive bool) {
	m.urlValidator.AllowPrivateHosts = permissive
}

// Sources returns the registry that maps site URLs to feed URLs.
func (m *Manager) Sources() *plugins.Registry { return m.sources }

func (m *Manager) Poller() *Poller       { return m.poller }
func (m *Manager) Retention() *Retention { return m.retention }
func (m *Manager) Users() *users.Cache   { return m.users }

func (m *Manager) CreateUser(ctx context.Context, name, email string) (*storage.User, error) {
	return m.users.Create(ctx, name, email)
}

func (m *Manager) UpdateSettings(ctx context.Context, userID string, settings storage.Settings) error {
	return m.users.UpdateSettings(ctx, userID, settings)
}

// AddChannel subscribes the user to rawURL. The feed is fetched and decoded
// once before anything is stored, so a channel that cannot be read is never
// saved. Returns the channel and the number of items inserted.
func (m *Manager) AddChannel(ctx context.Context, userID, rawURL string) (*storage.Channel, int, error) {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("loading user: %w", err)
	}

	sourceURL, err := m.urlValidator.Normalize(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid feed URL: %w", err)
	}
	src, err := m.sources.Resolve(ctx, sourceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("resolving feed URL: %w", err)
	}
	if src.FeedURL != sourceURL {
		if sourceURL, err = m.urlValidator.Normalize(src.FeedURL); err != nil {
			return nil, 0, fmt.Errorf("invalid feed URL from %s: %w", src.Plugin, err)
		}
	}

	existing, err := m.store.LoadChannelsForUser(ctx, userID)
	if err != nil {
		return nil, 0, &StorageError{Op: "load channels", Err: err}
	}
	for _, c := range existing {
		if c.SourceURL == sourceURL {
			return nil, 0, fmt.Errorf("%s: %w", sourceURL, storage.ErrDuplicateChannel)
		}
	}

	channel := &storage.Channel{UserID: userID, SourceURL: sourceURL}

	fetchCtx := ctx
	if m.poller.channelTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, m.poller.channelTimeout)
		defer cancel()
	}
	fetched, err := m.poller.fetcher.Fetch(fetchCtx, channel)
	if err != nil {
		return nil, 0, err
	}
	if fetched.NotModified {
		return nil, 0, &TransportError{URL: sourceURL, StatusCode: 304}
	}
	parsed, err := m.decoder.Decode(fetched.Body)
	if err != nil {
		return nil, 0, err
	}

	channel.Title = parsed.Title
	if channel.Title == "" {
		channel.Title = src.Title
	}
	channel.Link = parsed.Link
	channel.ETag = fetched.ETag
	channel.LastModified = fetched.LastModified
	channel.LastFetched = fetched.FetchedAt

	m.poller.running.Lock()
	defer m.poller.running.Unlock()

	if err := m.store.SaveChannel(ctx, channel); err != nil {
		return nil, 0, fmt.Errorf("saving channel: %w", err)
	}

	items := parsed.Items
	if days := user.Settings.RetentionDays; days > 0 {
		items = withinRetention(items, m.retention.Cutoff(days))
	}
	rec := Reconcile(channel.ID, items, nil)
	if err := persist(ctx, m.store, rec); err != nil {
		// The insert batch is all-or-nothing, so the channel has no items.
		if delErr := m.store.DeleteChannel(ctx, channel.ID); delErr != nil {
			debuglog.Errorf("rolling back channel %s: %v", channel.ID, delErr)
		}
		return nil, 0, err
	}
	m.listener.OnItemsUpserted(*channel, rec.ToInsert)

	debuglog.WithFields(map[string]interface{}{
		"user":     userID,
		"channel":  channel.ID,
		"inserted": rec.Inserted(),
	}).Infof("subscribed to %s", sourceURL)

	return channel, rec.Inserted(), nil
}

// DeleteChannel purges the channel's items and then removes the channel.
// Returns the number of purged items.
func (m *Manager) DeleteChannel(ctx context.Context, userID, channelID string) (int, error) {
	channel, err := m.ownedChannel(ctx, userID, channelID)
	if err != nil {
		return 0, err
	}

	m.poller.running.Lock()
	defer m.poller.running.Unlock()

	purged, err := m.retention.PurgeChannel(ctx, channel.ID)
	if err != nil {
		return 0, err
	}
	if err := m.store.DeleteChannel(ctx, channel.ID); err != nil {
		return purged, &StorageError{Op: "delete channel", Err: err}
	}

	debuglog.WithFields(map[string]interface{}{
		"user":    userID,
		"channel": channelID,
		"purged":  purged,
	}).Infof("unsubscribed from %s", channel.SourceURL)
	return purged, nil
}

func (m *Manager) ListChannels(ctx context.Context, userID string) ([]storage.Channel, error) {
	return m.store.LoadChannelsForUser(ctx, userID)
}

// PollAll runs one cycle over every stored user.
func (m *Manager) PollAll(ctx context.Context) (*PollReport, error) {
	all, err := m.store.LoadUsers(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load users", Err: err}
	}
	return m.poller.PollAll(ctx, all)
}

// RefreshUser runs a cycle over one user's channels. It shares the
// non-overlap guard with PollAll.
func (m *Manager) RefreshUser(ctx context.Context, userID string) (*PollReport, error) {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return m.poller.PollAll(ctx, []storage.User{*user})
}

// ExpireAll applies every user's retention setting. It waits for a running
// poll cycle to finish first.
func (m *Manager) ExpireAll(ctx context.Context) (map[string]int, error) {
	m.poller.running.Lock()
	defer m.poller.running.Unlock()
	return m.retention.ExpireAll(ctx)
}

// ListOptions narrows ListItems. A nil HideRead uses the user's setting.
type ListOptions struct {
	ChannelID string
	HideRead  *bool
	Limit     int
}

// ListItems returns the user's items newest first.
func (m *Manager) ListItems(ctx context.Context, userID string, opts ListOptions) ([]storage.Item, error) {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	hideRead := user.Settings.HideRead
	if opts.HideRead != nil {
		hideRead = *opts.HideRead
	}

	if opts.ChannelID != "" {
		if _, err := m.ownedChannel(ctx, userID, opts.ChannelID); err != nil {
			return nil, err
		}
	}

	return m.store.ListItems(ctx, userID, storage.ItemFilter{
		ChannelID:  opts.ChannelID,
		UnreadOnly: hideRead,
		Limit:      opts.Limit,
	})
}

// MarkRead sets the read flag on items owned by the user. Nothing is changed
// if any id belongs to someone else or does not exist. It waits for a running
// poll cycle to finish first.
func (m *Manager) MarkRead(ctx context.Context, userID string, itemIDs []string, read bool) error {
	if len(itemIDs) == 0 {
		return nil
	}
	m.poller.running.Lock()
	defer m.poller.running.Unlock()

	owned, err := m.store.ListItems(ctx, userID, storage.ItemFilter{})
	if err != nil {
		return &StorageError{Op: "list items", Err: err}
	}
	ids := make(map[string]bool, len(owned))
	for _, item := range owned {
		ids[item.ID] = true
	}
	for _, id := range itemIDs {
		if !ids[id] {
			return fmt.Errorf("item %s: %w", id, storage.ErrNotFound)
		}
	}
	return m.store.MarkRead(ctx, itemIDs, read)
}

func (m *Manager) ownedChannel(ctx context.Context, userID, channelID string) (*storage.Channel, error) {
	channel, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.UserID != userID {
		return nil, fmt.Errorf("channel %s: %w", channelID, storage.ErrNotFound)
	}
	return channel, nil
}
