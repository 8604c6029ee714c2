// Package storage persists users, channels and items.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateChannel = errors.New("channel already exists for user")
	ErrDuplicateItem    = errors.New("item guid already exists in channel")
)

// Store defines the operations every backend provides. Batch methods apply
// all records or none.
type Store interface {
	Close() error

	// Backend returns a short name of the backend ("bolt", "sqlite", "postgres").
	Backend() string

	SaveUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	LoadUsers(ctx context.Context) ([]User, error)
	UpdateSettings(ctx context.Context, userID string, settings Settings) error

	SaveChannel(ctx context.Context, channel *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	UpdateChannelMeta(ctx context.Context, channel *Channel) error
	DeleteChannel(ctx context.Context, id string) error
	LoadChannelsForUser(ctx context.Context, userID string) ([]Channel, error)

	LoadExistingItems(ctx context.Context, channelID string) ([]Item, error)
	BatchInsert(ctx context.Context, items []Item) error
	// BatchUpdate rewrites the upstream fields of stored items. The read
	// flag is left as stored.
	BatchUpdate(ctx context.Context, items []Item) error
	BatchDelete(ctx context.Context, itemIDs []string) error
	ListItems(ctx context.Context, userID string, filter ItemFilter) ([]Item, error)
	MarkRead(ctx context.Context, itemIDs []string, read bool) error
}

// Options selects and tunes a backend.
type Options struct {
	Driver  string
	Path    string
	DSN     string
	Timeout time.Duration
}

// Open returns the backend named by opts.Driver. An empty driver means bolt.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "bolt", "bbolt":
		return NewBoltStore(opts.Path, opts.Timeout)
	case "sqlite":
		return NewSQLite(opts.Path)
	case "postgres", "postgresql":
		return NewPostgres(opts.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

// IsFileDriver reports whether driver keeps its data in a local file at
// Options.Path.
func IsFileDriver(driver string) bool {
	switch strings.ToLower(driver) {
	case "", "bolt", "bbolt", "sqlite":
		return true
	}
	return false
}

func sortItemsNewestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
}

func sortChannels(channels []Channel) {
	sort.Slice(channels, func(i, j int) bool {
		return strings.ToLower(channels[i].DisplayTitle()) < strings.ToLower(channels[j].DisplayTitle())
	})
}

func applyLimit(items []Item, limit int) []Item {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
