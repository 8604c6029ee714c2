package search

import "context"

// Searcher finds items of one user by free text.
type Searcher interface {
	Search(ctx context.Context, userID, query string, limit int) ([]Result, error)
}

// DebugStatser is implemented by searchers backed by an index that can report
// its document count.
type DebugStatser interface {
	DocCount() (int, error)
}

// Result is one matching item.
type Result struct {
	ItemID    string  `json:"item_id"`
	ChannelID string  `json:"channel_id"`
	Title     string  `json:"title"`
	Link      string  `json:"link"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
}

// MinQueryLength is the shortest query that is searched at all.
const MinQueryLength = 2
