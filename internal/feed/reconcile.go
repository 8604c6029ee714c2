package feed

import (
	"github.com/pders01/feedkeeper/internal/storage"
)

// Reconciliation is the insert/update split for one channel.
type Reconciliation struct {
	ToInsert []storage.Item
	ToUpdate []storage.Item
}

// Inserted is the number of new items, reported as "N items updated".
func (r Reconciliation) Inserted() int { return len(r.ToInsert) }

// Reconcile diffs freshly parsed items against the stored items of a channel,
// keyed by guid. Matches become updates that keep the stored ID and read
// flag; everything else becomes an unread insert. Stored items missing from
// newItems are left alone. Repeated guids in newItems keep the first one.
func Reconcile(channelID string, newItems []ParsedItem, existingItems []storage.Item) Reconciliation {
	byGUID := make(map[string]storage.Item, len(existingItems))
	for _, item := range existingItems {
		byGUID[item.GUID] = item
	}

	var result Reconciliation
	seen := make(map[string]bool, len(newItems))
	for _, parsed := range newItems {
		if seen[parsed.GUID] {
			continue
		}
		seen[parsed.GUID] = true

		if existing, ok := byGUID[parsed.GUID]; ok {
			existing.Title = parsed.Title
			existing.Link = parsed.Link
			existing.Description = parsed.Description
			existing.PublishedAt = parsed.PublishedAt
			result.ToUpdate = append(result.ToUpdate, existing)
			continue
		}

		result.ToInsert = append(result.ToInsert, storage.Item{
			ChannelID:   channelID,
			GUID:        parsed.GUID,
			Title:       parsed.Title,
			Link:        parsed.Link,
			Description: parsed.Description,
			PublishedAt: parsed.PublishedAt,
			Read:        false,
		})
	}
	return result
}
