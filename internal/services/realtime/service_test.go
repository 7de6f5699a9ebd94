package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"newswatch/internal/eventbus"
	"newswatch/internal/feed"
	"newswatch/internal/storage"
	"newswatch/pkg/logx"
)

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeDispatcher) Notify(ctx context.Context, item feed.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, item.ID)
	return nil
}

func (f *fakeDispatcher) notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newService(t *testing.T, cfg Config, token string) (*Service, storage.Store, *fakeDispatcher) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	d := &fakeDispatcher{}
	svc := New(cfg, func() string { return token }, st, d, logx.Nop(), eventbus.New())
	t.Cleanup(svc.Disconnect)
	return svc, st, d
}

func TestNextDelaySequence(t *testing.T) {
	t.Parallel()
	floor := time.Second
	ceiling := 30 * time.Second
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempts, w := range want {
		if got := nextDelay(attempts, floor, ceiling); got != w {
			t.Fatalf("nextDelay(%d) = %v, want %v", attempts, got, w)
		}
	}
}

func TestConnectWithoutToken(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, Config{URL: "ws://localhost:1"}, "")
	err := svc.Connect(context.Background())
	if err != ErrNoToken {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
	if svc.Status() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", svc.Status())
	}
}

func TestConnectReceiveAndDisconnect(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	msgs := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "device-123" {
			t.Errorf("token = %q, want device-123", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	defer close(msgs)

	svc, st, d := newService(t, Config{URL: wsURL(srv)}, "device-123")
	ctx := context.Background()

	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Second connect while connecting/connected is a no-op.
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("Connect (again): %v", err)
	}
	waitFor(t, "connected", func() bool { return svc.Status() == StateConnected })

	msgs <- `{"type":"item_created","data":{"id":"rt-1","title":"Live","created_at":"2026-08-25T08:00:00Z"},"timestamp":"2026-08-25T08:00:01Z"}`
	waitFor(t, "dispatch", func() bool { return len(d.notified()) == 1 })
	if d.notified()[0] != "rt-1" {
		t.Fatalf("notified = %v", d.notified())
	}
	waitFor(t, "cursor advance", func() bool {
		cp, _ := st.Checkpoint(ctx)
		return cp.LastSeen != nil && cp.LastSeen.Equal(time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC))
	})

	// Updated events only land in the webhook ring, no dispatch.
	msgs <- `{"type":"item_updated","data":{"id":"rt-1"},"timestamp":"2026-08-25T08:01:00Z"}`
	waitFor(t, "webhook record", func() bool {
		events, _ := st.RecentWebhookEvents(ctx, 0)
		return len(events) == 1 && events[0].EventType == EventItemUpdated
	})
	if len(d.notified()) != 1 {
		t.Fatal("item_updated must not dispatch")
	}

	// Unknown types and garbage are dropped without killing the connection.
	msgs <- `{"type":"item_promoted","data":{}}`
	msgs <- `not json at all`
	msgs <- `{"type":"item_created","data":{"id":"rt-2","title":"Still alive","created_at":"2026-08-25T09:00:00Z"}}`
	waitFor(t, "connection survives protocol errors", func() bool { return len(d.notified()) == 2 })

	svc.Disconnect()
	if svc.Status() != StateDisconnected {
		t.Fatalf("state = %v after Disconnect", svc.Status())
	}
	svc.Disconnect() // idempotent
}

func TestEndpointNotFoundShortCircuitsToGivenUp(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	svc, _, _ := newService(t, Config{
		URL:          wsURL(srv),
		BackoffFloor: 10 * time.Millisecond,
	}, "tok")
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "given up", func() bool { return svc.Status() == StateGivenUp })
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	// A server that accepts nothing: every dial fails fast.
	srv := httptest.NewServer(nil)
	srv.Close()

	svc, _, _ := newService(t, Config{
		URL:            wsURL(srv),
		BackoffFloor:   5 * time.Millisecond,
		BackoffCeiling: 20 * time.Millisecond,
		MaxAttempts:    3,
	}, "tok")
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "given up after attempts", func() bool { return svc.Status() == StateGivenUp })

	// Explicit restart is allowed from GivenUp and resets the counter.
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after GivenUp: %v", err)
	}
	if st := svc.Status(); st != StateConnecting && st != StateDisconnected && st != StateGivenUp {
		t.Fatalf("unexpected state %v", st)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(nil)
	srv.Close()

	svc, _, _ := newService(t, Config{
		URL:            wsURL(srv),
		BackoffFloor:   50 * time.Millisecond,
		BackoffCeiling: 50 * time.Millisecond,
		MaxAttempts:    10,
	}, "tok")
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "first failure", func() bool { return svc.Status() == StateDisconnected })

	svc.Disconnect()
	time.Sleep(150 * time.Millisecond)
	if got := svc.Status(); got != StateDisconnected {
		t.Fatalf("state = %v, auto-reconnect ran after Disconnect", got)
	}
}

func TestParseEnvelope(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		typ     string
	}{
		{name: "created", raw: `{"type":"item_created","data":{"id":"a"}}`, typ: EventItemCreated},
		{name: "missing type", raw: `{"data":{}}`, wantErr: true},
		{name: "not json", raw: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env, err := parseEnvelope([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && env.Type != tt.typ {
				t.Fatalf("type = %q, want %q", env.Type, tt.typ)
			}
		})
	}
}

func TestEnvelopeItemRequiresID(t *testing.T) {
	t.Parallel()
	env, err := parseEnvelope([]byte(`{"type":"item_created","data":{"title":"no id"}}`))
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if _, err := env.item(); err == nil {
		t.Fatal("expected error for item without id")
	}
}
