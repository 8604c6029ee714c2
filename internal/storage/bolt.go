package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket       = []byte("users")
	channelsBucket    = []byte("channels")
	channelURLsBucket = []byte("channel_urls")
	itemsBucket       = []byte("items")
	guidsBucket       = []byte("guids")
	itemOwnerBucket   = []byte("item_channel")
)

// BoltStore keeps every record as JSON inside bbolt buckets. Items live in a
// nested bucket per channel, with a guid index next to it.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(dbPath string, timeout time.Duration) (*BoltStore, error) {
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{usersBucket, channelsBucket, channelURLsBucket, itemsBucket, guidsBucket, itemOwnerBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Backend() string { return "bolt" }

func (s *BoltStore) SaveUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(usersBucket), user.ID, user)
	})
}

func (s *BoltStore) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), id, &user)
	})
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return &user, nil
}

func (s *BoltStore) LoadUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	users := []User{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_ []byte, v []byte) error {
			var user User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateSettings(ctx context.Context, userID string, settings Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		var user User
		if err := getJSON(b, userID, &user); err != nil {
			return fmt.Errorf("user %s: %w", userID, err)
		}
		user.Settings = settings
		return putJSON(b, userID, &user)
	})
}

func (s *BoltStore) SaveChannel(ctx context.Context, channel *Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(usersBucket).Get([]byte(channel.UserID)) == nil {
			return fmt.Errorf("user %s: %w", channel.UserID, ErrNotFound)
		}
		urls := tx.Bucket(channelURLsBucket)
		key := channelURLKey(channel.UserID, channel.SourceURL)
		if existing := urls.Get(key); existing != nil && string(existing) != channel.ID {
			return ErrDuplicateChannel
		}
		if channel.ID == "" {
			channel.ID = uuid.NewString()
		}
		if channel.CreatedAt.IsZero() {
			channel.CreatedAt = time.Now()
		}
		if err := urls.Put(key, []byte(channel.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(channelsBucket), channel.ID, channel)
	})
}

func (s *BoltStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var channel Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(channelsBucket), id, &channel)
	})
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", id, err)
	}
	return &channel, nil
}

// UpdateChannelMeta overwrites title, link and fetch metadata of a stored channel.
func (s *BoltStore) UpdateChannelMeta(ctx context.Context, channel *Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(channelsBucket)
		var stored Channel
		if err := getJSON(b, channel.ID, &stored); err != nil {
			return fmt.Errorf("channel %s: %w", channel.ID, err)
		}
		stored.Title = channel.Title
		stored.Link = channel.Link
		stored.ETag = channel.ETag
		stored.LastModified = channel.LastModified
		stored.LastFetched = channel.LastFetched
		return putJSON(b, stored.ID, &stored)
	})
}

// DeleteChannel removes the channel row and any items still attached to it.
func (s *BoltStore) DeleteChannel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		channels := tx.Bucket(channelsBucket)
		var channel Channel
		if err := getJSON(channels, id, &channel); err != nil {
			return fmt.Errorf("channel %s: %w", id, err)
		}
		if err := tx.Bucket(channelURLsBucket).Delete(channelURLKey(channel.UserID, channel.SourceURL)); err != nil {
			return err
		}
		if items := tx.Bucket(itemsBucket).Bucket([]byte(id)); items != nil {
			owners := tx.Bucket(itemOwnerBucket)
			if err := items.ForEach(func(k, _ []byte) error {
				return owners.Delete(k)
			}); err != nil {
				return err
			}
			if err := tx.Bucket(itemsBucket).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		if tx.Bucket(guidsBucket).Bucket([]byte(id)) != nil {
			if err := tx.Bucket(guidsBucket).DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return channels.Delete([]byte(id))
	})
}

func (s *BoltStore) LoadChannelsForUser(ctx context.Context, userID string) ([]Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channels := []Channel{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(_ []byte, v []byte) error {
			var channel Channel
			if err := json.Unmarshal(v, &channel); err != nil {
				return err
			}
			if channel.UserID == userID {
				channels = append(channels, channel)
			}
			return nil
		})
	})
	sortChannels(channels)
	return channels, err
}

func (s *BoltStore) LoadExistingItems(ctx context.Context, channelID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := []Item{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_ []byte, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

// BatchInsert stores new items in one transaction and assigns IDs in place.
// A guid already present in the channel aborts the whole batch.
func (s *BoltStore) BatchInsert(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	assigned := make([]string, len(items))
	err := s.db.Update(func(tx *bolt.Tx) error {
		owners := tx.Bucket(itemOwnerBucket)
		for i := range items {
			item := items[i]
			if tx.Bucket(channelsBucket).Get([]byte(item.ChannelID)) == nil {
				return fmt.Errorf("channel %s: %w", item.ChannelID, ErrNotFound)
			}
			itemBucket, err := tx.Bucket(itemsBucket).CreateBucketIfNotExists([]byte(item.ChannelID))
			if err != nil {
				return err
			}
			guidBucket, err := tx.Bucket(guidsBucket).CreateBucketIfNotExists([]byte(item.ChannelID))
			if err != nil {
				return err
			}
			if guidBucket.Get([]byte(item.GUID)) != nil {
				return fmt.Errorf("%s: %w", item.GUID, ErrDuplicateItem)
			}
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if err := guidBucket.Put([]byte(item.GUID), []byte(item.ID)); err != nil {
				return err
			}
			if err := owners.Put([]byte(item.ID), []byte(item.ChannelID)); err != nil {
				return err
			}
			if err := putJSON(itemBucket, item.ID, &item); err != nil {
				return err
			}
			assigned[i] = item.ID
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range items {
		items[i].ID = assigned[i]
	}
	return nil
}

// BatchUpdate overwrites stored items by ID in one transaction, keeping the
// stored read flag.
func (s *BoltStore) BatchUpdate(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range items {
			item := items[i]
			b := tx.Bucket(itemsBucket).Bucket([]byte(item.ChannelID))
			if b == nil || b.Get([]byte(item.ID)) == nil {
				return fmt.Errorf("item %s: %w", item.ID, ErrNotFound)
			}
			var stored Item
			if err := getJSON(b, item.ID, &stored); err != nil {
				return err
			}
			item.Read = stored.Read
			if err := putJSON(b, item.ID, &item); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchDelete removes items by ID. Unknown IDs are ignored so that a
// repeated delete is a no-op.
func (s *BoltStore) BatchDelete(ctx context.Context, itemIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		owners := tx.Bucket(itemOwnerBucket)
		for _, id := range itemIDs {
			channelID := owners.Get([]byte(id))
			if channelID == nil {
				continue
			}
			channelID = append([]byte(nil), channelID...)
			b := tx.Bucket(itemsBucket).Bucket(channelID)
			if b != nil {
				var item Item
				if err := getJSON(b, id, &item); err == nil {
					if guids := tx.Bucket(guidsBucket).Bucket(channelID); guids != nil {
						if err := guids.Delete([]byte(item.GUID)); err != nil {
							return err
						}
					}
				}
				if err := b.Delete([]byte(id)); err != nil {
					return err
				}
			}
			if err := owners.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListItems(ctx context.Context, userID string, filter ItemFilter) ([]Item, error) {
	channels, err := s.LoadChannelsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := []Item{}
	for _, channel := range channels {
		if filter.ChannelID != "" && channel.ID != filter.ChannelID {
			continue
		}
		channelItems, err := s.LoadExistingItems(ctx, channel.ID)
		if err != nil {
			return nil, err
		}
		for _, item := range channelItems {
			if filter.UnreadOnly && item.Read {
				continue
			}
			items = append(items, item)
		}
	}
	sortItemsNewestFirst(items)
	return applyLimit(items, filter.Limit), nil
}

func (s *BoltStore) MarkRead(ctx context.Context, itemIDs []string, read bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		owners := tx.Bucket(itemOwnerBucket)
		for _, id := range itemIDs {
			channelID := owners.Get([]byte(id))
			if channelID == nil {
				return fmt.Errorf("item %s: %w", id, ErrNotFound)
			}
			b := tx.Bucket(itemsBucket).Bucket(channelID)
			if b == nil {
				return fmt.Errorf("item %s: %w", id, ErrNotFound)
			}
			var item Item
			if err := getJSON(b, id, &item); err != nil {
				return fmt.Errorf("item %s: %w", id, err)
			}
			item.Read = read
			if err := putJSON(b, id, &item); err != nil {
				return err
			}
		}
		return nil
	})
}

func channelURLKey(userID, sourceURL string) []byte {
	return []byte(userID + "\x00" + sourceURL)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
