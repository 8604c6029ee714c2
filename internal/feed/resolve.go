package feed

import (
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// resolveGUID returns the feed-provided identifier (RSS guid, Atom id).
// Nothing is synthesized from link, title or content.
func resolveGUID(item *gofeed.Item) (string, bool) {
	guid := strings.TrimSpace(item.GUID)
	return guid, guid != ""
}

// resolvePublished prefers the published date and falls back to updated.
// Times are converted to the local zone.
func resolvePublished(item *gofeed.Item) (time.Time, bool) {
	switch {
	case item.PublishedParsed != nil && !item.PublishedParsed.IsZero():
		return item.PublishedParsed.Local(), true
	case item.UpdatedParsed != nil && !item.UpdatedParsed.IsZero():
		return item.UpdatedParsed.Local(), true
	default:
		return time.Time{}, false
	}
}
