package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pders01/feedkeeper/internal/config"
	"github.com/pders01/feedkeeper/internal/storage"
)

const defaultMaxBodyBytes = 10 << 20

var errBodyTooLarge = errors.New("response body exceeds limit")

// FetchResult is the outcome of one conditional GET.
type FetchResult struct {
	Body         []byte
	NotModified  bool
	ETag         string
	LastModified string
	FetchedAt    time.Time
}

type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	ignoreCache  bool
	hosts        *hostLimiter
}

func NewFetcher(cfg *config.Config) *Fetcher {
	maxBody := cfg.Feed.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Feed.HTTPTimeout,
		},
		userAgent:    cfg.Feed.UserAgent,
		maxBodyBytes: maxBody,
		hosts:        newHostLimiter(cfg.Feed.PerHostLimit),
	}
}

// SetIgnoreCache disables conditional request headers.
func (f *Fetcher) SetIgnoreCache(ignore bool) {
	f.ignoreCache = ignore
}

// Fetch GETs the channel's source URL. Every failure, including a non-2xx
// status and a context deadline, is returned as a *TransportError.
func (f *Fetcher) Fetch(ctx context.Context, channel *storage.Channel) (*FetchResult, error) {
	host := hostOf(channel.SourceURL)
	if err := f.hosts.acquire(ctx, host); err != nil {
		return nil, &TransportError{URL: channel.SourceURL, Err: err}
	}
	defer f.hosts.release(host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channel.SourceURL, nil)
	if err != nil {
		return nil, &TransportError{URL: channel.SourceURL, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	if !f.ignoreCache {
		if channel.ETag != "" {
			req.Header.Set("If-None-Match", channel.ETag)
		}
		if channel.LastModified != "" {
			req.Header.Set("If-Modified-Since", channel.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: channel.SourceURL, Err: err}
	}
	defer resp.Body.Close()

	result := &FetchResult{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now(),
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		return result, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{URL: channel.SourceURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, &TransportError{URL: channel.SourceURL, Err: fmt.Errorf("reading response: %w", err)}
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, &TransportError{URL: channel.SourceURL, Err: errBodyTooLarge}
	}
	result.Body = body
	return result, nil
}

// hostLimiter caps concurrent requests per upstream host.
type hostLimiter struct {
	mu    sync.Mutex
	limit int
	sems  map[string]chan struct{}
}

func newHostLimiter(limit int) *hostLimiter {
	if limit <= 0 {
		limit = 2
	}
	return &hostLimiter{limit: limit, sems: make(map[string]chan struct{})}
}

func (h *hostLimiter) acquire(ctx context.Context, host string) error {
	h.mu.Lock()
	sem, ok := h.sems[host]
	if !ok {
		sem = make(chan struct{}, h.limit)
		h.sems[host] = sem
	}
	h.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hostLimiter) release(host string) {
	h.mu.Lock()
	sem := h.sems[host]
	h.mu.Unlock()
	<-sem
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
