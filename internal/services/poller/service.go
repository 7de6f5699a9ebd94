// Package poller detects new content without a persistent connection.
// A fixed-interval schedule fetches the newest items, compares them
// against the persisted cursor and hands strictly-newer ones to the
// dispatcher, capped per cycle to bound notification bursts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"newswatch/internal/eventbus"
	"newswatch/internal/feed"
	"newswatch/internal/storage"
	"newswatch/pkg/logx"
)

var errCancelled = errors.New("check cancelled")

type Config struct {
	Interval   time.Duration // default 5m
	FetchLimit int           // default 10
	BurstCap   int           // max notifications per cycle, default 3
}

// Source lists the most recent published items, newest first.
type Source interface {
	Latest(ctx context.Context, limit int) ([]feed.Item, error)
}

// Dispatcher receives candidate new-item events.
type Dispatcher interface {
	Notify(ctx context.Context, item feed.Item) error
}

// CheckResult is the bus payload for poll.checked events.
type CheckResult struct {
	Fetched  int
	Fresh    int
	Notified int
	Seeded   bool
}

type Service struct {
	cfg        Config
	log        logx.Logger
	source     Source
	store      storage.Store
	dispatcher Dispatcher
	bus        eventbus.Bus

	mu        sync.Mutex
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, source Source, store storage.Store, d Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 10
	}
	if cfg.BurstCap <= 0 {
		cfg.BurstCap = 3
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		source:     source,
		store:      store,
		dispatcher: d,
		bus:        bus,
	}
}

// Start begins recurring checks. Idempotent: calling while running is a
// no-op. One check runs immediately, then every Interval.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.runCancel = cancel

	c := cron.New()
	c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.tick(runCtx)
	}))
	s.c = c
	s.mu.Unlock()

	c.Start()
	s.log.Info("poller started", logx.Duration("interval", s.cfg.Interval))

	go s.tick(runCtx)
}

// Stop cancels the recurring schedule. Idempotent; safe mid-check — an
// in-flight check observes the cancelled run context before mutating
// shared state.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	c.Stop()
	if cancel != nil {
		cancel()
	}
	s.log.Info("poller stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.check(ctx); err != nil && !errors.Is(err, errCancelled) && !errors.Is(err, context.Canceled) {
		// Transient by definition; the next tick retries.
		s.log.Warn("scheduled check failed", logx.Err(err))
	}
}

// CheckNow runs one check outside the schedule (manual "check now").
// Returns the number of fresh items found so the caller can report the
// outcome to the user.
func (s *Service) CheckNow(ctx context.Context) (int, error) {
	return s.check(ctx)
}

func (s *Service) check(ctx context.Context) (int, error) {
	items, err := s.source.Latest(ctx, s.cfg.FetchLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch latest: %w", err)
	}
	// Completed after Stop(): leave every cursor and history untouched.
	if ctx.Err() != nil {
		return 0, errCancelled
	}
	if len(items) == 0 {
		return 0, nil
	}

	cp, err := s.store.Checkpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	newest := items[0].CreatedAt

	// First ever check seeds the cursor without notifying; a fresh install
	// must not produce a notification storm.
	if cp.LastSeen == nil {
		if err := s.store.SetLastSeen(ctx, newest); err != nil {
			return 0, fmt.Errorf("seed cursor: %w", err)
		}
		s.log.Info("cursor seeded", logx.Time("last_seen", newest))
		s.publish(CheckResult{Fetched: len(items), Seeded: true})
		return 0, nil
	}

	// Strictly newer than the cursor, newest-first order preserved.
	var fresh []feed.Item
	for _, it := range items {
		if it.CreatedAt.After(*cp.LastSeen) {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		s.publish(CheckResult{Fetched: len(items)})
		return 0, nil
	}

	burst := fresh
	if len(burst) > s.cfg.BurstCap {
		burst = burst[:s.cfg.BurstCap]
	}

	notified := 0
	for _, it := range burst {
		if ctx.Err() != nil {
			return notified, errCancelled
		}
		if err := s.dispatcher.Notify(ctx, it); err != nil {
			s.log.Warn("dispatch failed", logx.String("content_id", it.ID), logx.Err(err))
			continue
		}
		notified++
	}

	// Advance past ALL fresh items, not just the notified burst, so items
	// dropped by the cap are not re-surfaced on the next tick.
	if err := s.store.SetLastSeen(ctx, fresh[0].CreatedAt); err != nil {
		return notified, fmt.Errorf("advance cursor: %w", err)
	}

	s.log.Debug("check complete",
		logx.Int("fetched", len(items)), logx.Int("fresh", len(fresh)), logx.Int("notified", notified))
	s.publish(CheckResult{Fetched: len(items), Fresh: len(fresh), Notified: notified})
	return len(fresh), nil
}

func (s *Service) publish(r CheckResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.PollChecked, Data: r})
}
