package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pders01/feedkeeper/internal/storage"
)

// Engine searches by scanning the user's stored items. It needs no index and
// is used when no index path is configured.
type Engine struct {
	store storage.Store
	now   func() time.Time
}

// NewEngine creates a new scanning search engine
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

func (e *Engine) Search(ctx context.Context, userID, query string, limit int) ([]Result, error) {
	if len(strings.TrimSpace(query)) < MinQueryLength {
		return []Result{}, nil
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	items, err := e.store.ListItems(ctx, userID, storage.ItemFilter{})
	if err != nil {
		return nil, err
	}

	results := []Result{}
	for _, item := range items {
		score := e.scoreItem(item, terms)
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			ItemID:    item.ID,
			ChannelID: item.ChannelID,
			Title:     item.Title,
			Link:      item.Link,
			Snippet:   findBestSnippet(plainText(item.Description), terms, 200),
			Score:     score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) scoreItem(item storage.Item, terms []string) float64 {
	total := scoreField(item.Title, terms, 4.0) +
		scoreField(plainText(item.Description), terms, 2.0) +
		scoreField(item.Link, terms, 0.5)
	if total == 0 {
		return 0
	}
	return total * (1.0 + recencyBoost(item.PublishedAt, e.now()))
}

// scoreField calculates relevance score for a field
func scoreField(text string, terms []string, weight float64) float64 {
	if text == "" {
		return 0
	}

	lower := strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var score float64
	matchedTerms := 0

	for _, term := range terms {
		if strings.Contains(lower, term) {
			score += 2.0
			matchedTerms++
		}

		for _, word := range words {
			switch {
			case word == term:
				score += 1.5
				matchedTerms++
			case strings.HasPrefix(word, term) || strings.HasSuffix(word, term):
				score += 1.0
				matchedTerms++
			case strings.Contains(word, term):
				score += 0.5
				matchedTerms++
			}
		}
	}

	if len(terms) > 1 && matchedTerms > 1 {
		score *= 1.0 + float64(matchedTerms)/float64(len(terms))
	}

	tf := float64(matchedTerms) / float64(len(words))
	score *= 1.0 + math.Log(1.0+tf)

	return score * weight
}

// recencyBoost gives up to 10% to items from the last week, fading to zero.
func recencyBoost(published, now time.Time) float64 {
	if published.IsZero() {
		return 0
	}
	age := now.Sub(published)
	const week = 7 * 24 * time.Hour
	if age < 0 {
		age = 0
	}
	if age >= week {
		return 0
	}
	return 0.1 * (1 - float64(age)/float64(week))
}

// findBestSnippet finds the most relevant text snippet containing search terms
func findBestSnippet(text string, terms []string, maxLength int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	windowSize := maxLength / 8
	if windowSize > len(words) || windowSize == 0 {
		return truncate(text, maxLength)
	}

	bestScore := 0
	bestStart := 0
	for i := 0; i <= len(words)-windowSize; i++ {
		window := strings.ToLower(strings.Join(words[i:i+windowSize], " "))
		score := 0
		for _, term := range terms {
			if strings.Contains(window, term) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	return truncate(strings.Join(words[bestStart:bestStart+windowSize], " "), maxLength)
}

// tokenize breaks text into lowercase terms of at least two runes.
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	flush := func() {
		if utf8.RuneCountInString(current.String()) > 1 {
			terms = append(terms, current.String())
		}
		current.Reset()
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	return terms
}

// truncate limits text length with ellipsis
func truncate(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen-1]) + "…"
}
