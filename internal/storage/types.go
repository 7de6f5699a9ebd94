package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, storage-less runs)
//
// If Driver is empty or "none", storage is disabled and Open returns
// (nil, nil); services that need a checkpoint refuse to start.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// History ring bounds. An entry is evicted when EITHER bound is
	// exceeded, oldest first.
	HistoryMaxEntries int           // default 100
	HistoryMaxAge     time.Duration // default 72h
}

const (
	defaultHistoryMaxEntries = 100
	defaultHistoryMaxAge     = 72 * time.Hour
)

func (c Config) historyMaxEntries() int {
	if c.HistoryMaxEntries <= 0 {
		return defaultHistoryMaxEntries
	}
	return c.HistoryMaxEntries
}

func (c Config) historyMaxAge() time.Duration {
	if c.HistoryMaxAge <= 0 {
		return defaultHistoryMaxAge
	}
	return c.HistoryMaxAge
}

// Checkpoint is the single persisted cursor record for this device.
// LastSeen nil means "never checked".
type Checkpoint struct {
	LastSeen             *time.Time
	NotificationsEnabled bool
	RealtimeEnabled      bool
}

// NotificationRecord is one entry of the sent-notification ring. Used for
// duplicate suppression within the ring's retention window and for
// recent-activity feedback.
type NotificationRecord struct {
	ContentID string
	SentAt    time.Time
}

// WebhookRecord is one entry of the realtime-event ring. Diagnostics only,
// never consulted for dedupe.
type WebhookRecord struct {
	EventType  string
	ContentID  string
	ReceivedAt time.Time
}

// Store is the persistence API used by the notification services.
//
// SetLastSeen ignores regressions: the cursor is monotonically
// non-decreasing by construction, so both producers may advance it
// without coordinating.
type Store interface {
	Checkpoint(ctx context.Context) (Checkpoint, error)
	SetLastSeen(ctx context.Context, t time.Time) error
	SetNotificationsEnabled(ctx context.Context, enabled bool) error
	SetRealtimeEnabled(ctx context.Context, enabled bool) error

	AppendNotification(ctx context.Context, r NotificationRecord) error
	WasNotified(ctx context.Context, contentID string) (bool, error)
	RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)

	AppendWebhookEvent(ctx context.Context, r WebhookRecord) error
	RecentWebhookEvents(ctx context.Context, limit int) ([]WebhookRecord, error)

	Close() error
}
