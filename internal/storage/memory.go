package storage

import (
	"context"
	"sync"
	"time"
)

// memStore keeps everything in process memory. It backs tests and
// storage-less runs; semantics mirror the sqlite driver exactly.
type memStore struct {
	mu sync.Mutex

	maxEntries int
	maxAge     time.Duration

	cp            Checkpoint
	notifications []NotificationRecord
	webhooks      []WebhookRecord
}

func newMemStore(cfg Config) *memStore {
	return &memStore{
		maxEntries: cfg.historyMaxEntries(),
		maxAge:     cfg.historyMaxAge(),
		cp:         Checkpoint{NotificationsEnabled: true, RealtimeEnabled: true},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Checkpoint(ctx context.Context) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.cp
	if s.cp.LastSeen != nil {
		t := *s.cp.LastSeen
		cp.LastSeen = &t
	}
	return cp, nil
}

func (s *memStore) SetLastSeen(ctx context.Context, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp.LastSeen == nil || s.cp.LastSeen.Before(t) {
		tt := t.UTC()
		s.cp.LastSeen = &tt
	}
	return nil
}

func (s *memStore) SetNotificationsEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp.NotificationsEnabled = enabled
	return nil
}

func (s *memStore) SetRealtimeEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp.RealtimeEnabled = enabled
	return nil
}

func (s *memStore) AppendNotification(ctx context.Context, r NotificationRecord) error {
	if r.ContentID == "" {
		return nil
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, r)
	s.notifications = compactNotifications(s.notifications, s.maxEntries, s.maxAge)
	return nil
}

func (s *memStore) WasNotified(ctx context.Context, contentID string) (bool, error) {
	if contentID == "" {
		return false, nil
	}
	cutoff := time.Now().Add(-s.maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.notifications {
		if r.ContentID == contentID && !r.SentAt.Before(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recentNotifications(s.notifications, limit, s.maxEntries), nil
}

func (s *memStore) AppendWebhookEvent(ctx context.Context, r WebhookRecord) error {
	if r.EventType == "" {
		return nil
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, r)
	s.webhooks = compactWebhooks(s.webhooks, s.maxEntries, s.maxAge)
	return nil
}

func (s *memStore) RecentWebhookEvents(ctx context.Context, limit int) ([]WebhookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.webhooks) {
		limit = len(s.webhooks)
	}
	out := make([]WebhookRecord, 0, limit)
	for i := len(s.webhooks) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.webhooks[i])
	}
	return out, nil
}

// compactNotifications drops entries past the size bound or older than the
// age bound, oldest first. Input is append-ordered (oldest first).
func compactNotifications(in []NotificationRecord, maxEntries int, maxAge time.Duration) []NotificationRecord {
	cutoff := time.Now().Add(-maxAge)
	kept := in[:0]
	for _, r := range in {
		if r.SentAt.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) > maxEntries {
		kept = kept[len(kept)-maxEntries:]
	}
	return kept
}

func compactWebhooks(in []WebhookRecord, maxEntries int, maxAge time.Duration) []WebhookRecord {
	cutoff := time.Now().Add(-maxAge)
	kept := in[:0]
	for _, r := range in {
		if r.ReceivedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) > maxEntries {
		kept = kept[len(kept)-maxEntries:]
	}
	return kept
}

func recentNotifications(in []NotificationRecord, limit, def int) []NotificationRecord {
	if limit <= 0 {
		limit = def
	}
	if limit > len(in) {
		limit = len(in)
	}
	out := make([]NotificationRecord, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}
