package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/pders01/feedkeeper/internal/debuglog"
	"github.com/pders01/feedkeeper/internal/storage"
)

const day = 24 * time.Hour

// Retention deletes items that fell out of a user's retention window.
type Retention struct {
	store    storage.Store
	listener IndexListener
	now      func() time.Time
}

func NewRetention(store storage.Store, listener IndexListener) *Retention {
	if listener == nil {
		listener = nopListener{}
	}
	return &Retention{store: store, listener: listener, now: time.Now}
}

// Cutoff is now minus retentionDays whole days, without calendar truncation.
func (r *Retention) Cutoff(retentionDays int) time.Time {
	return r.now().Add(-time.Duration(retentionDays) * day)
}

// Expired reports whether an item published at t is past the cutoff. The
// boundary is exclusive: an item exactly at the cutoff is kept.
func Expired(publishedAt, cutoff time.Time) bool {
	return publishedAt.Before(cutoff)
}

// Expire deletes every item of the user's channels published before the
// cutoff, read or not. Running it twice with the same clock deletes nothing
// the second time.
func (r *Retention) Expire(ctx context.Context, userID string, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days must be >= 0, got %d", retentionDays)
	}
	cutoff := r.Cutoff(retentionDays)

	channels, err := r.store.LoadChannelsForUser(ctx, userID)
	if err != nil {
		return 0, &StorageError{Op: "load channels", Err: err}
	}

	var expired []string
	for _, channel := range channels {
		items, err := r.store.LoadExistingItems(ctx, channel.ID)
		if err != nil {
			return 0, &StorageError{Op: "load items", Err: err}
		}
		for _, item := range items {
			if Expired(item.PublishedAt, cutoff) {
				expired = append(expired, item.ID)
			}
		}
	}

	if err := r.delete(ctx, expired); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// PurgeChannel deletes every item of one channel regardless of age.
func (r *Retention) PurgeChannel(ctx context.Context, channelID string) (int, error) {
	items, err := r.store.LoadExistingItems(ctx, channelID)
	if err != nil {
		return 0, &StorageError{Op: "load items", Err: err}
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if err := r.delete(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ExpireAll applies Expire to every user with their own setting. A failure
// for one user is logged and does not stop the others.
func (r *Retention) ExpireAll(ctx context.Context) (map[string]int, error) {
	users, err := r.store.LoadUsers(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load users", Err: err}
	}

	deleted := make(map[string]int, len(users))
	for _, user := range users {
		n, err := r.Expire(ctx, user.ID, user.Settings.RetentionDays)
		if err != nil {
			debuglog.WithFields(map[string]interface{}{"user": user.ID}).Errorf("expire failed: %v", err)
			continue
		}
		deleted[user.ID] = n
		debuglog.WithFields(map[string]interface{}{"user": user.ID, "deleted": n}).Infof("expired old items")
	}
	return deleted, nil
}

func (r *Retention) delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.BatchDelete(ctx, ids); err != nil {
		return &StorageError{Op: "batch delete", Err: err}
	}
	r.listener.OnItemsDeleted(ids)
	return nil
}
