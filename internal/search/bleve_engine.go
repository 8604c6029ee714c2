package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/feedkeeper/internal/debuglog"
	"github.com/pders01/feedkeeper/internal/storage"
)

// Index is a bleve full-text index over items. It follows the item set
// through the OnItemsUpserted and OnItemsDeleted callbacks.
type Index struct {
	idx bleve.Index
}

// OpenIndex opens or creates the index at path. An empty path keeps the
// index in memory.
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating in-memory index: %w", err)
		}
		return &Index{idx: idx}, nil
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("creating index directory: %w", mkErr)
		}
		idx, err = bleve.New(path, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	return &Index{idx: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true

	desc := bleve.NewTextFieldMapping()
	desc.Analyzer = standard.Name
	desc.Store = true

	link := bleve.NewTextFieldMapping()
	link.Analyzer = standard.Name
	link.Store = true

	// Exact-match fields used to scope and delete.
	userID := bleve.NewTextFieldMapping()
	userID.Analyzer = keyword.Name
	userID.Store = true

	channelID := bleve.NewTextFieldMapping()
	channelID.Analyzer = keyword.Name
	channelID.Store = true

	published := bleve.NewDateTimeFieldMapping()

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("description", desc)
	dm.AddFieldMappingsAt("link", link)
	dm.AddFieldMappingsAt("user_id", userID)
	dm.AddFieldMappingsAt("channel_id", channelID)
	dm.AddFieldMappingsAt("published", published)

	im.DefaultMapping = dm
	return im
}

func itemDocument(channel storage.Channel, item storage.Item) map[string]any {
	return map[string]any{
		"user_id":     channel.UserID,
		"channel_id":  item.ChannelID,
		"title":       item.Title,
		"description": plainText(item.Description),
		"link":        item.Link,
		"published":   item.PublishedAt,
	}
}

// OnItemsUpserted indexes items under the owner of channel.
func (x *Index) OnItemsUpserted(channel storage.Channel, items []storage.Item) {
	if len(items) == 0 {
		return
	}
	batch := x.idx.NewBatch()
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if err := batch.Index(item.ID, itemDocument(channel, item)); err != nil {
			debuglog.Warnf("indexing item %s: %v", item.ID, err)
		}
	}
	if err := x.idx.Batch(batch); err != nil {
		debuglog.WithFields(map[string]interface{}{"channel": channel.ID}).Errorf("index batch failed: %v", err)
	}
}

// OnItemsDeleted drops the items from the index. Unknown ids are ignored.
func (x *Index) OnItemsDeleted(itemIDs []string) {
	if len(itemIDs) == 0 {
		return
	}
	batch := x.idx.NewBatch()
	for _, id := range itemIDs {
		batch.Delete(id)
	}
	if err := x.idx.Batch(batch); err != nil {
		debuglog.Errorf("index delete failed: %v", err)
	}
}

// Rebuild indexes every item of every user from the store.
func (x *Index) Rebuild(ctx context.Context, store storage.Store) (int, error) {
	users, err := store.LoadUsers(ctx)
	if err != nil {
		return 0, err
	}
	indexed := 0
	for _, user := range users {
		channels, err := store.LoadChannelsForUser(ctx, user.ID)
		if err != nil {
			return indexed, err
		}
		for _, channel := range channels {
			items, err := store.LoadExistingItems(ctx, channel.ID)
			if err != nil {
				return indexed, err
			}
			x.OnItemsUpserted(channel, items)
			indexed += len(items)
		}
	}
	return indexed, nil
}

// Search matches query against title, description and link of the user's
// items, title weighted highest.
func (x *Index) Search(ctx context.Context, userID, query string, limit int) ([]Result, error) {
	if len(strings.TrimSpace(query)) < MinQueryLength {
		return []Result{}, nil
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var qs []bleveQuery.Query
	for _, tok := range tokens {
		for _, f := range []struct {
			field string
			boost float64
		}{
			{"title", 4.0},
			{"description", 2.0},
			{"link", 0.5},
		} {
			mq := bleve.NewMatchQuery(tok)
			mq.SetField(f.field)
			mq.SetBoost(f.boost)
			pq := bleve.NewPrefixQuery(tok)
			pq.SetField(f.field)
			pq.SetBoost(f.boost * 0.8)
			qs = append(qs, mq, pq)
		}
	}

	owner := bleve.NewTermQuery(userID)
	owner.SetField("user_id")

	q := bleve.NewConjunctionQuery(owner, bleve.NewDisjunctionQuery(qs...))
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"title", "description", "link", "channel_id"}

	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		r := Result{ItemID: h.ID, Score: h.Score}
		if v, ok := h.Fields["title"].(string); ok {
			r.Title = v
		}
		if v, ok := h.Fields["link"].(string); ok {
			r.Link = v
		}
		if v, ok := h.Fields["channel_id"].(string); ok {
			r.ChannelID = v
		}
		if v, ok := h.Fields["description"].(string); ok {
			r.Snippet = findBestSnippet(v, tokens, 200)
		}
		out = append(out, r)
	}
	return out, nil
}

// DocCount reports total documents in the index.
func (x *Index) DocCount() (int, error) {
	n, err := x.idx.DocCount()
	return int(n), err
}

func (x *Index) Close() error {
	return x.idx.Close()
}
