package plugins

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Reddit turns subreddit and user pages into their .rss listing.
type Reddit struct{}

func NewReddit() *Reddit { return &Reddit{} }

func (p *Reddit) Name() string  { return "reddit" }
func (p *Reddit) Priority() int { return 50 }

func (p *Reddit) CanHandle(u *url.URL) bool {
	switch strings.ToLower(u.Hostname()) {
	case "reddit.com", "www.reddit.com", "old.reddit.com":
	default:
		return false
	}
	kind, name := redditPath(u.Path)
	return kind != "" && name != "" && !strings.HasSuffix(u.Path, ".rss")
}

func (p *Reddit) Resolve(_ context.Context, u *url.URL) (*Source, error) {
	kind, name := redditPath(u.Path)
	if name == "" {
		return nil, fmt.Errorf("reddit: no subreddit or user in %s", u.Path)
	}
	return &Source{
		FeedURL: fmt.Sprintf("https://www.reddit.com/%s/%s/.rss", kind, name),
		Title:   fmt.Sprintf("Reddit - %s/%s", kind, name),
	}, nil
}

// redditPath extracts ("r", "golang") from /r/golang/new and ("user", "x")
// from /user/x or /u/x.
func redditPath(path string) (kind, name string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	switch parts[0] {
	case "r":
		return "r", parts[1]
	case "u", "user":
		return "user", parts[1]
	}
	return "", ""
}

// YouTube turns channel and playlist pages into the videos.xml feed.
type YouTube struct{}

func NewYouTube() *YouTube { return &YouTube{} }

func (p *YouTube) Name() string  { return "youtube" }
func (p *YouTube) Priority() int { return 50 }

func (p *YouTube) CanHandle(u *url.URL) bool {
	switch strings.ToLower(u.Hostname()) {
	case "youtube.com", "www.youtube.com", "m.youtube.com":
	default:
		return false
	}
	param, _ := youtubeFeedParam(u)
	return param != ""
}

func (p *YouTube) Resolve(_ context.Context, u *url.URL) (*Source, error) {
	param, id := youtubeFeedParam(u)
	if param == "" {
		return nil, fmt.Errorf("youtube: no channel or playlist in %s", u)
	}
	q := url.Values{}
	q.Set(param, id)
	return &Source{
		FeedURL: "https://www.youtube.com/feeds/videos.xml?" + q.Encode(),
		Title:   "YouTube - " + id,
	}, nil
}

func youtubeFeedParam(u *url.URL) (param, id string) {
	if strings.HasPrefix(u.Path, "/feeds/") {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "channel" && parts[1] != "" {
		return "channel_id", parts[1]
	}
	if len(parts) == 1 && parts[0] == "playlist" {
		if list := u.Query().Get("list"); list != "" {
			return "playlist_id", list
		}
	}
	return "", ""
}
