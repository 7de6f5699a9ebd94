// Package dispatch is the single choke point both detection channels feed
// into. It owns the per-item "already notified" rule: dedupe, preference
// gate, transport call and history write happen under one lock, so a
// polling tick and a realtime event racing on the same item produce at
// most one user-visible notification.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newswatch/internal/eventbus"
	"newswatch/internal/feed"
	"newswatch/internal/kit"
	"newswatch/internal/storage"
	"newswatch/pkg/logx"
)

var ErrStopped = errors.New("dispatcher stopped")

type Config struct {
	// RatePerSec paces transport calls; the default of 1 gives the fixed
	// one-second spacing between burst notifications.
	RatePerSec float64

	// SendTimeout bounds a single transport call. Default 10s.
	SendTimeout time.Duration
}

// Event is the bus payload for notify.* events.
type Event struct {
	ContentID string
	Title     string
	At        time.Time
	Error     string
}

type Service struct {
	mu sync.Mutex

	log       logx.Logger
	store     storage.Store
	transport kit.Transport
	bus       eventbus.Bus

	limiter     *rate.Limiter
	sendTimeout time.Duration
	closed      bool
}

func New(cfg Config, store storage.Store, transport kit.Transport, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		log:         log,
		store:       store,
		transport:   transport,
		bus:         bus,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		sendTimeout: cfg.SendTimeout,
	}
}

// Close stops intake. Safe to call more than once.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Notify delivers a candidate new-item event. Both producers call this;
// it is safe for concurrent use. A suppressed or disabled item returns nil.
// Delivery failures are swallowed after logging: once dispatch is
// attempted the item counts as handled, retrying risks duplicates.
func (s *Service) Notify(ctx context.Context, item feed.Item) error {
	if item.ID == "" {
		return nil
	}

	cp, err := s.store.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if !cp.NotificationsEnabled {
		s.publish(eventbus.NotifyDisabled, item, nil)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}

	seen, err := s.store.WasNotified(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("dedupe lookup: %w", err)
	}
	if seen {
		s.log.Debug("duplicate suppressed", logx.String("content_id", item.ID))
		s.publish(eventbus.NotifyDeduped, item, nil)
		return nil
	}

	// Paces both channels; the lock is held on purpose so dispatches stay
	// strictly sequential across producers.
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	n := Format(item)
	callCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	sendErr := s.transport.Schedule(callCtx, n)
	cancel()
	if sendErr != nil {
		s.log.Warn("notification delivery failed",
			logx.String("content_id", item.ID), logx.Err(sendErr))
		s.publish(eventbus.NotifyFailed, item, sendErr)
	}

	// History is written even when delivery failed; the dedupe guard is
	// about not re-attempting, not about confirmed delivery.
	if err := s.store.AppendNotification(ctx, storage.NotificationRecord{
		ContentID: item.ID,
		SentAt:    time.Now(),
	}); err != nil {
		s.log.Error("history append failed",
			logx.String("content_id", item.ID), logx.Err(err))
		return err
	}

	if sendErr == nil {
		s.log.Info("notification sent",
			logx.String("content_id", item.ID), logx.String("title", item.Title))
		s.publish(eventbus.NotifySent, item, nil)
	}
	return nil
}

// Recent returns the latest delivered-notification records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]storage.NotificationRecord, error) {
	return s.store.RecentNotifications(ctx, limit)
}

func (s *Service) publish(typ string, item feed.Item, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{ContentID: item.ID, Title: item.Title, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
