// Package users resolves users by id through a bounded, time-boxed cache.
package users

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pders01/feedkeeper/internal/storage"
)

const (
	DefaultSize = 256
	DefaultTTL  = 10 * time.Minute
)

// Cache sits in front of the store for user lookups. Entries expire after
// the TTL and are dropped on every write that goes through the cache.
type Cache struct {
	store storage.Store
	lru   *expirable.LRU[string, storage.User]
}

func NewCache(store storage.Store, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: store,
		lru:   expirable.NewLRU[string, storage.User](size, nil, ttl),
	}
}

// Get returns a copy of the user, loading it from the store on a miss.
func (c *Cache) Get(ctx context.Context, id string) (*storage.User, error) {
	if user, ok := c.lru.Get(id); ok {
		return &user, nil
	}
	user, err := c.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	c.lru.Add(id, *user)
	return user, nil
}

// Create stores a new user with default settings.
func (c *Cache) Create(ctx context.Context, name, email string) (*storage.User, error) {
	if name == "" {
		return nil, fmt.Errorf("user name must not be empty")
	}
	user := &storage.User{
		Name:      name,
		Email:     email,
		Settings:  storage.DefaultSettings(),
		CreatedAt: time.Now(),
	}
	if err := c.store.SaveUser(ctx, user); err != nil {
		return nil, fmt.Errorf("saving user: %w", err)
	}
	c.lru.Add(user.ID, *user)
	return user, nil
}

// List always reads through to the store.
func (c *Cache) List(ctx context.Context) ([]storage.User, error) {
	return c.store.LoadUsers(ctx)
}

// UpdateSettings writes the settings and invalidates the cached entry.
func (c *Cache) UpdateSettings(ctx context.Context, id string, settings storage.Settings) error {
	if settings.RetentionDays < 0 {
		return fmt.Errorf("retention days must be >= 0, got %d", settings.RetentionDays)
	}
	defer c.Invalidate(id)
	return c.store.UpdateSettings(ctx, id, settings)
}

func (c *Cache) Invalidate(id string) {
	c.lru.Remove(id)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
