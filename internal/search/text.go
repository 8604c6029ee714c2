package search

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var stripTags = bluemonday.StrictPolicy()

// plainText is the tag-free text of an HTML description, used for indexing
// and snippets so that markup never matches a query.
func plainText(description string) string {
	if !strings.ContainsAny(description, "<&") {
		return description
	}
	return strings.Join(strings.Fields(html.UnescapeString(stripTags.Sanitize(description))), " ")
}
