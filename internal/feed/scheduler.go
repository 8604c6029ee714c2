package feed

import (
	"context"
	"errors"
	"time"

	"github.com/pders01/feedkeeper/internal/config"
	"github.com/pders01/feedkeeper/internal/debuglog"
)

// Scheduler drives poll cycles and retention from a single goroutine, so
// neither can overlap with itself or with the other.
type Scheduler struct {
	manager        *Manager
	pollEvery      time.Duration
	retentionEvery time.Duration

	// OnReport, when set, receives every finished poll report.
	OnReport func(*PollReport)
}

func NewScheduler(manager *Manager, cfg *config.Config) *Scheduler {
	return &Scheduler{
		manager:        manager,
		pollEvery:      cfg.Feed.PollInterval,
		retentionEvery: cfg.Feed.RetentionInterval,
	}
}

// Run polls once and expires once right away, then on every tick until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(s.pollEvery)
	defer pollTicker.Stop()
	retentionTicker := time.NewTicker(s.retentionEvery)
	defer retentionTicker.Stop()

	debuglog.Infof("scheduler started: poll every %s, retention every %s", s.pollEvery, s.retentionEvery)

	s.poll(ctx)
	s.expire(ctx)

	for {
		select {
		case <-ctx.Done():
			debuglog.Infof("scheduler stopped")
			return ctx.Err()
		case <-pollTicker.C:
			s.poll(ctx)
		case <-retentionTicker.C:
			s.expire(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	report, err := s.manager.PollAll(ctx)
	switch {
	case errors.Is(err, ErrPollInProgress):
		debuglog.Warnf("skipping poll: %v", err)
		return
	case err != nil:
		debuglog.Errorf("poll cycle failed: %v", err)
		return
	}
	if s.OnReport != nil {
		s.OnReport(report)
	}
}

func (s *Scheduler) expire(ctx context.Context) {
	deleted, err := s.manager.ExpireAll(ctx)
	if err != nil {
		debuglog.Errorf("retention run failed: %v", err)
		return
	}
	total := 0
	for _, n := range deleted {
		total += n
	}
	debuglog.Infof("retention run deleted %d items for %d users", total, len(deleted))
}
