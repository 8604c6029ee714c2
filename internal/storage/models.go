package storage

import (
	"time"
)

// DefaultRetentionDays applies to users created without explicit settings.
const DefaultRetentionDays = 7

type Settings struct {
	RetentionDays int  `json:"retention_days"`
	HideRead      bool `json:"hide_read"`
}

func DefaultSettings() Settings {
	return Settings{RetentionDays: DefaultRetentionDays}
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a subscribed feed source. SourceURL is unique per UserID.
type Channel struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SourceURL    string    `json:"source_url"`
	Title        string    `json:"title"`
	Link         string    `json:"link"`
	ETag         string    `json:"etag"`
	LastModified string    `json:"last_modified"`
	LastFetched  time.Time `json:"last_fetched"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayTitle falls back to the source URL for untitled feeds.
func (c *Channel) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return c.SourceURL
}

// Item is one persisted entry. (ChannelID, GUID) is unique; ID is assigned
// by the store on insert.
type Item struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description"`
	PublishedAt time.Time `json:"published_at"`
	Read        bool      `json:"read"`
}

// ItemFilter narrows ListItems. Zero value lists every item of the user.
type ItemFilter struct {
	ChannelID  string
	UnreadOnly bool
	Limit      int
}
