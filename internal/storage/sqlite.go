package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newswatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxEntries int
	maxAge     time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{
		db:         db,
		log:        log,
		maxEntries: cfg.historyMaxEntries(),
		maxAge:     cfg.historyMaxAge(),
	}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	// The checkpoint row is created lazily on first run with a null cursor;
	// the first successful check then only seeds it.
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO checkpoint(id) VALUES(1)`)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Checkpoint(ctx context.Context) (Checkpoint, error) {
	var (
		lastSeen sql.NullInt64
		notifOn  bool
		rtOn     bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_ms, notifications_enabled, realtime_enabled FROM checkpoint WHERE id = 1`,
	).Scan(&lastSeen, &notifOn, &rtOn)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{NotificationsEnabled: notifOn, RealtimeEnabled: rtOn}
	if lastSeen.Valid {
		t := time.UnixMilli(lastSeen.Int64).UTC()
		cp.LastSeen = &t
	}
	return cp, nil
}

func (s *sqliteStore) SetLastSeen(ctx context.Context, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	// Monotonic: regressions are dropped at the SQL level so concurrent
	// producers can both call this without a read-modify-write race.
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint SET last_seen_ms = ?
		 WHERE id = 1 AND (last_seen_ms IS NULL OR last_seen_ms < ?)`,
		t.UnixMilli(), t.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetNotificationsEnabled(ctx context.Context, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint SET notifications_enabled = ? WHERE id = 1`, enabled)
	return err
}

func (s *sqliteStore) SetRealtimeEnabled(ctx context.Context, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint SET realtime_enabled = ? WHERE id = 1`, enabled)
	return err
}

func (s *sqliteStore) AppendNotification(ctx context.Context, r NotificationRecord) error {
	if r.ContentID == "" {
		return nil
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_history(content_id, sent_at_ms) VALUES(?,?)`,
		r.ContentID, r.SentAt.UnixMilli(),
	); err != nil {
		return err
	}
	return s.trim(ctx, "notification_history", "sent_at_ms")
}

func (s *sqliteStore) WasNotified(ctx context.Context, contentID string) (bool, error) {
	if contentID == "" {
		return false, nil
	}
	cutoff := time.Now().Add(-s.maxAge).UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM notification_history WHERE content_id = ? AND sent_at_ms >= ?`,
		contentID, cutoff,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = s.maxEntries
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, sent_at_ms FROM notification_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []NotificationRecord
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out = append(out, NotificationRecord{ContentID: id, SentAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendWebhookEvent(ctx context.Context, r WebhookRecord) error {
	if r.EventType == "" {
		return nil
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_history(event_type, content_id, received_at_ms) VALUES(?,?,?)`,
		r.EventType, r.ContentID, r.ReceivedAt.UnixMilli(),
	); err != nil {
		return err
	}
	return s.trim(ctx, "webhook_history", "received_at_ms")
}

func (s *sqliteStore) RecentWebhookEvents(ctx context.Context, limit int) ([]WebhookRecord, error) {
	if limit <= 0 {
		limit = s.maxEntries
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, content_id, received_at_ms FROM webhook_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookRecord
	for rows.Next() {
		var (
			et string
			id string
			ms int64
		)
		if err := rows.Scan(&et, &id, &ms); err != nil {
			return nil, err
		}
		out = append(out, WebhookRecord{EventType: et, ContentID: id, ReceivedAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

// trim evicts ring entries past the size bound or older than the age bound,
// oldest first. Runs after every append; both tables stay tiny.
func (s *sqliteStore) trim(ctx context.Context, table, tsCol string) error {
	cutoff := time.Now().Add(-s.maxAge).UnixMilli()
	q := fmt.Sprintf(
		`DELETE FROM %s WHERE %s < ? OR id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)`,
		table, tsCol, table,
	)
	if _, err := s.db.ExecContext(ctx, q, cutoff, s.maxEntries); err != nil {
		s.log.Warn("history trim failed", logx.String("table", table), logx.Err(err))
		return err
	}
	return nil
}
