// Package plugins resolves site URLs that are not feeds themselves to the
// feed URL the site publishes.
package plugins

import (
	"context"
	"net/url"
	"sort"
)

// Source is the outcome of resolving a subscription URL.
type Source struct {
	// RequestedURL is the URL the user gave.
	RequestedURL string
	// FeedURL is the URL to poll.
	FeedURL string
	// Title is used when the feed document has no title of its own.
	Title string
	// Plugin names the resolver that produced FeedURL; empty when none matched.
	Plugin string
}

// Plugin maps URLs of one host to their feed endpoint.
type Plugin interface {
	Name() string

	// CanHandle returns true if this plugin can handle the given URL
	CanHandle(u *url.URL) bool

	Resolve(ctx context.Context, u *url.URL) (*Source, error)

	// Priority orders plugins that handle the same URL; higher wins.
	Priority() int
}

// Registry picks the best plugin for a URL.
type Registry struct {
	plugins []Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Default returns a registry with the built-in resolvers.
func Default() *Registry {
	return NewRegistry(NewReddit(), NewYouTube())
}

func (r *Registry) Register(plugin Plugin) {
	r.plugins = append(r.plugins, plugin)
}

// find returns the highest priority plugin that handles u, or nil.
func (r *Registry) find(u *url.URL) Plugin {
	var best Plugin
	highest := -1
	for _, p := range r.plugins {
		if p.CanHandle(u) && p.Priority() > highest {
			best = p
			highest = p.Priority()
		}
	}
	return best
}

// Resolve returns the feed source for rawURL. Without a matching plugin the
// URL is its own feed.
func (r *Registry) Resolve(ctx context.Context, rawURL string) (*Source, error) {
	identity := &Source{RequestedURL: rawURL, FeedURL: rawURL}

	u, err := url.Parse(rawURL)
	if err != nil {
		return identity, nil
	}
	p := r.find(u)
	if p == nil {
		return identity, nil
	}

	src, err := p.Resolve(ctx, u)
	if err != nil {
		return nil, err
	}
	src.RequestedURL = rawURL
	src.Plugin = p.Name()
	return src, nil
}

// Names lists the registered plugins sorted by name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	return names
}
