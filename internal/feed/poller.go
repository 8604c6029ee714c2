package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pders01/feedkeeper/internal/config"
	"github.com/pders01/feedkeeper/internal/debuglog"
	"github.com/pders01/feedkeeper/internal/storage"
)

// ChannelState is a step of the per-channel poll state machine.
type ChannelState string

const (
	StateFetching    ChannelState = "fetching"
	StateDecoding    ChannelState = "decoding"
	StateReconciling ChannelState = "reconciling"
	StatePersisting  ChannelState = "persisting"
	StateDone        ChannelState = "done"
	StateFailed      ChannelState = "failed"
)

// ChannelReport is the outcome of one channel in one cycle. FailedIn is the
// state the channel was in when it failed.
type ChannelReport struct {
	UserID      string        `json:"user_id"`
	ChannelID   string        `json:"channel_id"`
	SourceURL   string        `json:"source_url"`
	Title       string        `json:"title"`
	State       ChannelState  `json:"state"`
	FailedIn    ChannelState  `json:"failed_in,omitempty"`
	Reason      FailureReason `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Inserted    int           `json:"inserted"`
	Updated     int           `json:"updated"`
	NotModified bool          `json:"not_modified,omitempty"`
	Duration    time.Duration `json:"duration"`

	err error
}

// Err returns the error that failed the channel, if any.
func (r ChannelReport) Err() error { return r.err }

func (r ChannelReport) Failed() bool { return r.State == StateFailed }

// PollReport aggregates one pollAll cycle.
type PollReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Channels   []ChannelReport `json:"channels"`
}

func (r *PollReport) Inserted() int {
	n := 0
	for _, c := range r.Channels {
		n += c.Inserted
	}
	return n
}

func (r *PollReport) Updated() int {
	n := 0
	for _, c := range r.Channels {
		n += c.Updated
	}
	return n
}

func (r *PollReport) FailedCount() int {
	n := 0
	for _, c := range r.Channels {
		if c.Failed() {
			n++
		}
	}
	return n
}

// FailuresByReason counts failed channels per reason.
func (r *PollReport) FailuresByReason() map[FailureReason]int {
	out := make(map[FailureReason]int)
	for _, c := range r.Channels {
		if c.Failed() {
			out[c.Reason]++
		}
	}
	return out
}

func (r *PollReport) String() string {
	return fmt.Sprintf("%d channels, %d inserted, %d updated, %d failed",
		len(r.Channels), r.Inserted(), r.Updated(), r.FailedCount())
}

// Poller runs poll cycles over the channels of a set of users.
type Poller struct {
	store          storage.Store
	fetcher        *Fetcher
	decoder        *Decoder
	listener       IndexListener
	workers        int
	channelTimeout time.Duration
	now            func() time.Time

	running sync.Mutex

	lastMu sync.RWMutex
	last   *PollReport
}

func NewPoller(store storage.Store, cfg *config.Config, listener IndexListener) *Poller {
	if listener == nil {
		listener = nopListener{}
	}
	workers := cfg.Feed.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Poller{
		store:          store,
		fetcher:        NewFetcher(cfg),
		decoder:        NewDecoder(),
		listener:       listener,
		workers:        workers,
		channelTimeout: cfg.Feed.ChannelTimeout,
		now:            time.Now,
	}
}

// Fetcher exposes the poller's fetcher so callers share its host limits.
func (p *Poller) Fetcher() *Fetcher { return p.fetcher }

// LastReport returns the report of the most recent finished cycle.
func (p *Poller) LastReport() *PollReport {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last
}

type pollJob struct {
	user    storage.User
	channel storage.Channel
}

// PollAll polls every channel of users. Channel failures are recorded in the
// report and never abort the cycle; only a nil user list or an overlapping
// call returns an error.
func (p *Poller) PollAll(ctx context.Context, users []storage.User) (*PollReport, error) {
	if users == nil {
		return nil, ErrNilUsers
	}
	if !p.running.TryLock() {
		return nil, ErrPollInProgress
	}
	defer p.running.Unlock()

	report := &PollReport{StartedAt: p.now()}

	var jobs []pollJob
	for _, user := range users {
		channels, err := p.store.LoadChannelsForUser(ctx, user.ID)
		if err != nil {
			serr := &StorageError{Op: "load channels", Err: err}
			report.Channels = append(report.Channels, ChannelReport{
				UserID:   user.ID,
				State:    StateFailed,
				FailedIn: StateFetching,
				Reason:   ReasonStorage,
				Error:    serr.Error(),
				err:      serr,
			})
			debuglog.WithFields(map[string]interface{}{"user": user.ID}).Errorf("loading channels: %v", err)
			continue
		}
		for _, channel := range channels {
			jobs = append(jobs, pollJob{user: user, channel: channel})
		}
	}

	results := make([]ChannelReport, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = p.pollChannel(ctx, job.user, job.channel)
			return nil
		})
	}
	_ = g.Wait()

	report.Channels = append(report.Channels, results...)
	report.FinishedAt = p.now()

	p.lastMu.Lock()
	p.last = report
	p.lastMu.Unlock()

	debuglog.Infof("poll cycle finished: %s", report)
	return report, nil
}

func (p *Poller) pollChannel(ctx context.Context, user storage.User, channel storage.Channel) (rep ChannelReport) {
	start := time.Now()
	rep = ChannelReport{
		UserID:    user.ID,
		ChannelID: channel.ID,
		SourceURL: channel.SourceURL,
		Title:     channel.DisplayTitle(),
		State:     StateFetching,
	}

	defer func() {
		if r := recover(); r != nil {
			rep.fail(fmt.Errorf("panic: %v", r))
		}
		rep.Duration = time.Since(start)
		logChannel(rep)
	}()

	if p.channelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.channelTimeout)
		defer cancel()
	}

	fetched, err := p.fetcher.Fetch(ctx, &channel)
	if err != nil {
		rep.fail(err)
		return rep
	}

	if fetched.NotModified {
		rep.NotModified = true
		channel.LastFetched = fetched.FetchedAt
		if err := p.store.UpdateChannelMeta(ctx, &channel); err != nil {
			rep.fail(&StorageError{Op: "update channel", Err: err})
			return rep
		}
		rep.State = StateDone
		return rep
	}

	rep.State = StateDecoding
	parsed, err := p.decoder.Decode(fetched.Body)
	if err != nil {
		rep.fail(err)
		return rep
	}
	// Fetch and decode share one deadline.
	if err := ctx.Err(); err != nil {
		rep.fail(&TransportError{URL: channel.SourceURL, Err: err})
		return rep
	}

	rep.State = StateReconciling
	fresh := parsed.Items
	if days := user.Settings.RetentionDays; days > 0 {
		fresh = withinRetention(fresh, p.now().Add(-time.Duration(days)*day))
	}
	existing, err := p.store.LoadExistingItems(ctx, channel.ID)
	if err != nil {
		rep.fail(&StorageError{Op: "load items", Err: err})
		return rep
	}
	rec := Reconcile(channel.ID, fresh, existing)

	rep.State = StatePersisting
	if err := persist(ctx, p.store, rec); err != nil {
		rep.fail(err)
		return rep
	}

	if parsed.Title != "" {
		channel.Title = parsed.Title
		rep.Title = parsed.Title
	}
	if parsed.Link != "" {
		channel.Link = parsed.Link
	}
	channel.ETag = fetched.ETag
	channel.LastModified = fetched.LastModified
	channel.LastFetched = fetched.FetchedAt
	if err := p.store.UpdateChannelMeta(ctx, &channel); err != nil {
		rep.fail(&StorageError{Op: "update channel", Err: err})
		return rep
	}

	p.listener.OnItemsUpserted(channel, append(rec.ToInsert, rec.ToUpdate...))

	rep.Inserted = rec.Inserted()
	rep.Updated = len(rec.ToUpdate)
	rep.State = StateDone
	return rep
}

func (r *ChannelReport) fail(err error) {
	r.FailedIn = r.State
	r.State = StateFailed
	r.Reason = Classify(err)
	r.Error = err.Error()
	r.err = err
}

// persist applies inserts then updates as two batches. IDs assigned by the
// store are written back into rec.ToInsert.
func persist(ctx context.Context, store storage.Store, rec Reconciliation) error {
	if len(rec.ToInsert) > 0 {
		if err := store.BatchInsert(ctx, rec.ToInsert); err != nil {
			return &StorageError{Op: "batch insert", Err: err}
		}
	}
	if len(rec.ToUpdate) > 0 {
		if err := store.BatchUpdate(ctx, rec.ToUpdate); err != nil {
			return &StorageError{Op: "batch update", Err: err}
		}
	}
	return nil
}

// withinRetention drops items that the next expire run would delete anyway.
// A user without a positive retention setting gets no pre-filter.
func withinRetention(items []ParsedItem, cutoff time.Time) []ParsedItem {
	kept := items[:0:0]
	for _, item := range items {
		if !Expired(item.PublishedAt, cutoff) {
			kept = append(kept, item)
		}
	}
	return kept
}

func logChannel(rep ChannelReport) {
	fields := map[string]interface{}{
		"user":     rep.UserID,
		"channel":  rep.ChannelID,
		"state":    string(rep.State),
		"inserted": rep.Inserted,
		"updated":  rep.Updated,
	}
	if rep.Failed() {
		fields["reason"] = string(rep.Reason)
		debuglog.WithFields(fields).Warnf("channel %s failed in %s: %s", rep.SourceURL, rep.FailedIn, rep.Error)
		return
	}
	debuglog.WithFields(fields).Infof("%d items updated for channel %s", rep.Inserted, rep.Title)
}
