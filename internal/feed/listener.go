package feed

import "github.com/pders01/feedkeeper/internal/storage"

// IndexListener is notified after items were persisted or deleted, so that
// secondary indexes can follow the item set.
type IndexListener interface {
	OnItemsUpserted(channel storage.Channel, items []storage.Item)
	OnItemsDeleted(itemIDs []string)
}

type nopListener struct{}

func (nopListener) OnItemsUpserted(storage.Channel, []storage.Item) {}
func (nopListener) OnItemsDeleted([]string)                         {}
