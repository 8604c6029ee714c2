package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ErrUnsupportedFormat is wrapped in a FormatError when the root element is
// neither an RSS nor an Atom document.
var ErrUnsupportedFormat = errors.New("unrecognized feed root element")

// ParsedChannel is the canonical, format-independent result of a decode.
type ParsedChannel struct {
	Title  string
	Link   string
	Format string
	Items  []ParsedItem
}

type ParsedItem struct {
	GUID        string
	Title       string
	Link        string
	Description string
	PublishedAt time.Time
}

// Decoder turns raw RSS 2.0 / Atom documents into a ParsedChannel.
type Decoder struct {
	parser *gofeed.Parser
}

func NewDecoder() *Decoder {
	return &Decoder{
		parser: gofeed.NewParser(),
	}
}

// Decode parses raw. The format is detected from the root element. A document
// that cannot be parsed yields a *FormatError; an entry without guid or date
// yields an *UnresolvableEntryError and no channel.
func (d *Decoder) Decode(raw []byte) (*ParsedChannel, error) {
	feedType := gofeed.DetectFeedType(bytes.NewReader(raw))
	if feedType != gofeed.FeedTypeRSS && feedType != gofeed.FeedTypeAtom {
		return nil, &FormatError{Err: ErrUnsupportedFormat}
	}

	parsed, err := d.parser.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, &FormatError{Err: err}
	}

	channel := &ParsedChannel{
		Title:  strings.TrimSpace(parsed.Title),
		Link:   channelLink(parsed),
		Format: parsed.FeedType,
		Items:  make([]ParsedItem, 0, len(parsed.Items)),
	}

	for i, item := range parsed.Items {
		guid, ok := resolveGUID(item)
		if !ok {
			return nil, &UnresolvableEntryError{Index: i, Field: "guid"}
		}
		published, ok := resolvePublished(item)
		if !ok {
			return nil, &UnresolvableEntryError{Index: i, GUID: guid, Field: "publication date"}
		}
		channel.Items = append(channel.Items, ParsedItem{
			GUID:        guid,
			Title:       item.Title,
			Link:        item.Link,
			Description: stripScripts(description(item)),
			PublishedAt: published,
		})
	}

	return channel, nil
}

// channelLink prefers the alternate (home page) link, then the self link.
func channelLink(f *gofeed.Feed) string {
	if f.Link != "" {
		return f.Link
	}
	if f.FeedLink != "" {
		return f.FeedLink
	}
	for _, l := range f.Links {
		if l != "" {
			return l
		}
	}
	return ""
}

func description(item *gofeed.Item) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Content
}

func (c *ParsedChannel) String() string {
	return fmt.Sprintf("%s (%s, %d items)", c.Title, c.Format, len(c.Items))
}
