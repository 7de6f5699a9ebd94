package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"newswatch/internal/eventbus"
	"newswatch/internal/feed"
	"newswatch/internal/storage"
	"newswatch/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	items []feed.Item
	err   error
}

func (f *fakeSource) Latest(ctx context.Context, limit int) ([]feed.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

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

var base = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

// itemsAt builds items newest-first from hour offsets, newest offset first.
func itemsAt(offsets ...int) []feed.Item {
	out := make([]feed.Item, 0, len(offsets))
	for _, h := range offsets {
		out = append(out, feed.Item{
			ID:        fmt.Sprintf("item-%d", h),
			Title:     fmt.Sprintf("Item %d", h),
			CreatedAt: base.Add(time.Duration(h) * time.Hour),
		})
	}
	return out
}

func newTestPoller(t *testing.T, src Source) (*Service, storage.Store, *fakeDispatcher) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	d := &fakeDispatcher{}
	svc := New(Config{Interval: time.Hour}, src, st, d, logx.Nop(), eventbus.New())
	return svc, st, d
}

func cursor(t *testing.T, st storage.Store) *time.Time {
	t.Helper()
	cp, err := st.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	return cp.LastSeen
}

func TestFirstCheckSeedsWithoutNotifying(t *testing.T) {
	t.Parallel()
	src := &fakeSource{items: itemsAt(4, 3, 2, 1)}
	svc, st, d := newTestPoller(t, src)

	n, err := svc.CheckNow(context.Background())
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh count = %d, want 0 on first run", n)
	}
	if len(d.notified()) != 0 {
		t.Fatal("first-ever check must never notify")
	}
	got := cursor(t, st)
	want := base.Add(4 * time.Hour)
	if got == nil || !got.Equal(want) {
		t.Fatalf("cursor = %v, want %v", got, want)
	}
}

func TestCheckNotifiesStrictlyNewer(t *testing.T) {
	t.Parallel()
	// createdAt = [T1 < T2 < T3 < T4], cursor = T2 ⇒ notify {T4, T3}, cursor → T4.
	src := &fakeSource{items: itemsAt(4, 3, 2, 1)}
	svc, st, d := newTestPoller(t, src)
	ctx := context.Background()

	if err := st.SetLastSeen(ctx, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("SetLastSeen: %v", err)
	}

	n, err := svc.CheckNow(ctx)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if n != 2 {
		t.Fatalf("fresh count = %d, want 2", n)
	}
	got := d.notified()
	if len(got) != 2 || got[0] != "item-4" || got[1] != "item-3" {
		t.Fatalf("notified = %v, want [item-4 item-3]", got)
	}
	cur := cursor(t, st)
	if cur == nil || !cur.Equal(base.Add(4*time.Hour)) {
		t.Fatalf("cursor = %v, want T4", cur)
	}
}

func TestBurstCapAdvancesPastAllFresh(t *testing.T) {
	t.Parallel()
	src := &fakeSource{items: itemsAt(9, 8, 7, 6, 5)}
	svc, st, d := newTestPoller(t, src)
	ctx := context.Background()

	if err := st.SetLastSeen(ctx, base); err != nil {
		t.Fatalf("SetLastSeen: %v", err)
	}

	n, err := svc.CheckNow(ctx)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if n != 5 {
		t.Fatalf("fresh count = %d, want 5", n)
	}
	if got := d.notified(); len(got) != 3 {
		t.Fatalf("notified %d items, want burst cap 3 (%v)", len(got), got)
	}
	cur := cursor(t, st)
	if cur == nil || !cur.Equal(base.Add(9*time.Hour)) {
		t.Fatalf("cursor = %v, want past all 5 fresh items", cur)
	}

	// Next tick with the same feed: capped leftovers must NOT resurface.
	n, err = svc.CheckNow(ctx)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if n != 0 || len(d.notified()) != 3 {
		t.Fatalf("capped items resurfaced: fresh=%d notified=%v", n, d.notified())
	}
}

func TestCursorNonDecreasingAcrossTicks(t *testing.T) {
	t.Parallel()
	src := &fakeSource{items: itemsAt(5, 4)}
	svc, st, _ := newTestPoller(t, src)
	ctx := context.Background()

	if _, err := svc.CheckNow(ctx); err != nil { // seeds at T5
		t.Fatalf("CheckNow: %v", err)
	}
	// Source regresses (cache flap): cursor must not move backwards.
	src.mu.Lock()
	src.items = itemsAt(3, 2)
	src.mu.Unlock()

	if _, err := svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	cur := cursor(t, st)
	if cur == nil || !cur.Equal(base.Add(5*time.Hour)) {
		t.Fatalf("cursor regressed to %v", cur)
	}
}

func TestFetchFailureLeavesCheckpointAlone(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("boom")}
	svc, st, d := newTestPoller(t, src)

	if _, err := svc.CheckNow(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if cursor(t, st) != nil {
		t.Fatal("failed check must not touch the cursor")
	}
	if len(d.notified()) != 0 {
		t.Fatal("failed check must not notify")
	}
}

func TestEmptyFeedIsANoop(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	svc, st, _ := newTestPoller(t, src)
	n, err := svc.CheckNow(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("CheckNow = (%d, %v), want (0, nil)", n, err)
	}
	if cursor(t, st) != nil {
		t.Fatal("empty feed must not seed the cursor")
	}
}

func TestCancelledCheckMutatesNothing(t *testing.T) {
	t.Parallel()
	src := &fakeSource{items: itemsAt(2, 1)}
	svc, st, d := newTestPoller(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.CheckNow(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}
	if cursor(t, st) != nil || len(d.notified()) != 0 {
		t.Fatal("cancelled check must not mutate shared state")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	src := &fakeSource{items: itemsAt(1)}
	svc, _, _ := newTestPoller(t, src)
	ctx := context.Background()

	svc.Start(ctx)
	svc.Start(ctx) // no-op
	if !svc.Running() {
		t.Fatal("expected running after Start")
	}
	svc.Stop()
	svc.Stop() // no-op
	if svc.Running() {
		t.Fatal("expected stopped after Stop")
	}
	// Restart works.
	svc.Start(ctx)
	if !svc.Running() {
		t.Fatal("expected running after restart")
	}
	svc.Stop()
}
