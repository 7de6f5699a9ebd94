// Package realtime manages the single logical persistent connection to the
// content source's push endpoint: reconnection with exponential backoff and
// a hard attempt cap, and parsing of inbound event envelopes.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"newswatch/internal/eventbus"
	"newswatch/internal/feed"
	"newswatch/internal/storage"
	"newswatch/pkg/logx"
)

// State is the ephemeral connection state. Never persisted.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateGivenUp is terminal until the channel is explicitly restarted.
	StateGivenUp State = "given_up"
)

// CloseEndpointGone is the application close code the endpoint sends when
// the subscribed resource no longer exists. Retrying it wastes resources,
// so the channel gives up immediately instead of backing off.
const CloseEndpointGone = 4404

// ErrNoToken means the device identity token is not available yet. Not a
// failure: the operation is skipped and does not consume a reconnect
// attempt.
var ErrNoToken = errors.New("no device token")

type Config struct {
	URL              string
	BackoffFloor     time.Duration // default 1s
	BackoffCeiling   time.Duration // default 30s
	MaxAttempts      int           // default 5
	HandshakeTimeout time.Duration // default 5s
}

func (c *Config) setDefaults() {
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = time.Second
	}
	if c.BackoffCeiling < c.BackoffFloor {
		c.BackoffCeiling = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
}

// TokenSource supplies the device identity token. Empty means "not yet".
type TokenSource func() string

// Dispatcher receives candidate new-item events.
type Dispatcher interface {
	Notify(ctx context.Context, item feed.Item) error
}

type Service struct {
	cfg        Config
	log        logx.Logger
	store      storage.Store
	dispatcher Dispatcher
	bus        eventbus.Bus
	token      TokenSource

	mu       sync.Mutex
	state    State
	attempts int
	conn     *websocket.Conn
	retry    *time.Timer
	runCtx   context.Context
	// gen invalidates callbacks from a previous connection generation;
	// Disconnect bumps it so an in-flight handshake or read loop that
	// completes afterwards cannot mutate shared state.
	gen uint64
}

func New(cfg Config, token TokenSource, store storage.Store, d Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	cfg.setDefaults()
	return &Service{
		cfg:        cfg,
		log:        log,
		store:      store,
		dispatcher: d,
		bus:        bus,
		token:      token,
		state:      StateDisconnected,
	}
}

// Status returns the current connection state. Read-only, never blocks.
func (s *Service) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the persistent connection. No-op when already
// connecting or connected. An explicit call also restarts a given-up
// channel (the lifecycle controller re-enabling realtime).
func (s *Service) Connect(ctx context.Context) error {
	tok := ""
	if s.token != nil {
		tok = strings.TrimSpace(s.token())
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return nil
	case StateGivenUp:
		// Explicit restart clears the exhausted counter.
		s.attempts = 0
	}
	if tok == "" {
		// Configuration, not failure: the token may simply not exist yet.
		s.state = StateDisconnected
		s.mu.Unlock()
		s.log.Debug("realtime connect skipped: no device token")
		return ErrNoToken
	}
	s.state = StateConnecting
	s.runCtx = ctx
	gen := s.gen
	s.mu.Unlock()

	go s.dial(ctx, gen, tok)
	return nil
}

// Disconnect closes the connection if open, resets the attempt counter and
// stays Disconnected. Never auto-reconnects afterwards. Safe at any time,
// including mid-handshake.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	conn := s.conn
	s.conn = nil
	s.attempts = 0
	prev := s.state
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if prev != StateDisconnected {
		s.log.Info("realtime disconnected by request")
		s.publish(eventbus.RealtimeDisconnected)
	}
}

func (s *Service) dial(ctx context.Context, gen uint64, token string) {
	u, err := urlWithToken(s.cfg.URL, token)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateGivenUp
		}
		s.mu.Unlock()
		s.log.Error("realtime endpoint URL invalid", logx.Err(err))
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		// Disconnected (or restarted) while the handshake was in flight.
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			s.giveUpLocked("endpoint not found")
			s.mu.Unlock()
			return
		}
		s.state = StateDisconnected
		s.scheduleRetryLocked(ctx, gen)
		s.mu.Unlock()
		s.log.Warn("realtime handshake failed", logx.Err(err))
		return
	}

	s.conn = conn
	s.state = StateConnected
	s.attempts = 0
	s.mu.Unlock()

	s.log.Info("realtime connected")
	s.publish(eventbus.RealtimeConnected)
	s.readLoop(ctx, gen, conn)
}

func (s *Service) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.onReadError(ctx, gen, err)
			return
		}
		s.handleMessage(ctx, raw)
	}
}

func (s *Service) onReadError(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		// Explicit Disconnect already owns the transition.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected

	if isEndpointGone(err) {
		s.giveUpLocked("endpoint not found")
		s.mu.Unlock()
		return
	}
	s.scheduleRetryLocked(ctx, gen)
	s.mu.Unlock()

	s.log.Warn("realtime connection lost", logx.Err(err))
	s.publish(eventbus.RealtimeDisconnected)
}

// scheduleRetryLocked arms the next reconnect attempt or gives up once the
// cap is exhausted. Caller holds s.mu.
func (s *Service) scheduleRetryLocked(ctx context.Context, gen uint64) {
	if s.attempts >= s.cfg.MaxAttempts {
		s.giveUpLocked("reconnect attempts exhausted")
		return
	}
	delay := nextDelay(s.attempts, s.cfg.BackoffFloor, s.cfg.BackoffCeiling)
	s.attempts++
	attempt := s.attempts

	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := s.gen != gen || s.state != StateDisconnected
		s.mu.Unlock()
		if stale || ctx.Err() != nil {
			return
		}
		_ = s.Connect(ctx)
	})
	s.log.Info("realtime reconnect scheduled",
		logx.Int("attempt", attempt), logx.Duration("backoff", delay))
}

// giveUpLocked parks the channel; polling remains the only active channel
// until the lifecycle controller restarts this one. Caller holds s.mu.
func (s *Service) giveUpLocked(reason string) {
	s.state = StateGivenUp
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.log.Error("realtime channel gave up", logx.String("reason", reason))
	s.publish(eventbus.RealtimeGivenUp)
}

func (s *Service) handleMessage(ctx context.Context, raw []byte) {
	env, err := parseEnvelope(raw)
	if err != nil {
		// Protocol errors never affect connection state.
		s.log.Warn("realtime message dropped", logx.Err(err))
		return
	}

	switch env.Type {
	case EventItemCreated:
		it, err := env.item()
		if err != nil {
			s.log.Warn("realtime message dropped", logx.Err(err))
			return
		}
		if err := s.dispatcher.Notify(ctx, it); err != nil {
			s.log.Warn("realtime dispatch failed", logx.String("content_id", it.ID), logx.Err(err))
		}
		// Advance the cursor so the next poll tick does not re-surface the
		// same item; regressions are dropped by the store.
		if !it.CreatedAt.IsZero() {
			if err := s.store.SetLastSeen(ctx, it.CreatedAt); err != nil {
				s.log.Warn("cursor advance failed", logx.Err(err))
			}
		}

	case EventItemUpdated, EventItemDeleted:
		// Diagnostics only, no dispatch.
		if err := s.store.AppendWebhookEvent(ctx, storage.WebhookRecord{
			EventType:  env.Type,
			ContentID:  env.contentID(),
			ReceivedAt: time.Now(),
		}); err != nil {
			s.log.Warn("webhook record failed", logx.Err(err))
		}

	default:
		s.log.Debug("unknown realtime event type", logx.String("type", env.Type))
	}
}

func (s *Service) publish(typ string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ})
}

// nextDelay computes min(floor << attempts, ceiling).
func nextDelay(attempts int, floor, ceiling time.Duration) time.Duration {
	d := floor
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func isEndpointGone(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == CloseEndpointGone {
			return true
		}
		return strings.Contains(strings.ToLower(ce.Text), "endpoint not found")
	}
	return false
}

// urlWithToken embeds the device token in the handshake URL as a
// credential query parameter.
func urlWithToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
