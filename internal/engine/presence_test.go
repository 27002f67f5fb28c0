package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/store"
)

// countingStore counts presence writes reaching the backend.
type countingStore struct {
	*store.MemoryStore
	writes atomic.Int64
}

func (c *countingStore) WritePresence(ctx context.Context, canvasID string, entry canvas.PresenceEntry) error {
	c.writes.Add(1)
	return c.MemoryStore.WritePresence(ctx, canvasID, entry)
}

func TestCursorColorIsDeterministicAndInPalette(t *testing.T) {
	first := CursorColor("alice")
	for i := 0; i < 100; i++ {
		if CursorColor("alice") != first {
			t.Fatal("cursor color must be stable for a user id")
		}
	}
	found := false
	for _, c := range cursorPalette {
		if c == first {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("color %08x not from the palette", first)
	}
}

func TestPublisherCoalescesBursts(t *testing.T) {
	s := &countingStore{MemoryStore: store.NewMemoryStore()}
	defer s.Close()
	p, err := NewPresencePublisher(PresencePublisherOptions{
		Store:    s,
		CanvasID: "board-1",
		UserID:   "alice",
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	// A mouse move stream far above the flush rate. Each flush window
	// may produce at most one write.
	start := time.Now()
	for i := 0; i < 300; i++ {
		p.Update(canvas.Point{X: float64(i), Y: float64(i)})
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	writes := s.writes.Load()
	budget := int64(elapsed/(10*time.Millisecond)) + 2
	if writes > budget {
		t.Fatalf("throttle leaked: %d writes in %s (budget %d)", writes, elapsed, budget)
	}
	if writes == 0 {
		t.Fatal("expected at least one presence write")
	}
}

func TestPublisherWritesLatestSample(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	got := make(chan []canvas.PresenceEntry, 16)
	cancel, err := s.SubscribePresence(context.Background(), "board-1", func(entries []canvas.PresenceEntry) {
		got <- entries
	})
	if err != nil {
		t.Fatalf("subscribe presence: %v", err)
	}
	defer cancel()

	p, err := NewPresencePublisher(PresencePublisherOptions{
		Store:    s,
		CanvasID: "board-1",
		UserID:   "alice",
		Interval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Update(canvas.Point{X: float64(i), Y: 0})
	}
	p.Update(canvas.Point{X: 42, Y: 7})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case entries := <-got:
			if len(entries) == 1 && entries[0].Cursor != nil && entries[0].Cursor.X == 42 {
				if entries[0].CursorColor != CursorColor("alice") {
					t.Fatalf("wrong cursor color: %08x", entries[0].CursorColor)
				}
				return
			}
		case <-deadline:
			t.Fatal("latest cursor sample never reached the store")
		}
	}
}

func TestPublisherLiftRemovesImmediately(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	p, err := NewPresencePublisher(PresencePublisherOptions{
		Store:    s,
		CanvasID: "board-1",
		UserID:   "alice",
		Interval: time.Hour, // the flush loop must not be needed for Lift
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	if err := s.WritePresence(context.Background(), "board-1", canvas.PresenceEntry{
		UserID:   "alice",
		LastSeen: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed presence: %v", err)
	}
	if err := p.Lift(context.Background()); err != nil {
		t.Fatalf("lift: %v", err)
	}

	tracker, err := NewPresenceTracker(context.Background(), PresenceTrackerOptions{
		Store:    s,
		CanvasID: "board-1",
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	defer tracker.Close()
	if active := tracker.Active(); len(active) != 0 {
		t.Fatalf("lifted cursor still visible: %+v", active)
	}
}

func TestTrackerFiltersStaleEntries(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	now := time.Now().UTC()
	clock := func() time.Time { return now }
	tracker, err := NewPresenceTracker(context.Background(), PresenceTrackerOptions{
		Store:    s,
		CanvasID: "board-1",
		Now:      clock,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	defer tracker.Close()

	fresh := canvas.PresenceEntry{UserID: "alice", LastSeen: now.Add(-time.Second)}
	stale := canvas.PresenceEntry{UserID: "bob", LastSeen: now.Add(-10 * time.Second)}
	tracker.ingest([]canvas.PresenceEntry{fresh, stale})

	active := tracker.Active()
	if len(active) != 1 || active[0].UserID != "alice" {
		t.Fatalf("stale filtering wrong: %+v", active)
	}
}

func TestTrackerNotifiesSubscribers(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	tracker, err := NewPresenceTracker(context.Background(), PresenceTrackerOptions{
		Store:    s,
		CanvasID: "board-1",
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	defer tracker.Close()

	got := make(chan []canvas.PresenceEntry, 8)
	cancel := tracker.Subscribe(func(entries []canvas.PresenceEntry) { got <- entries })
	defer cancel()

	if err := s.WritePresence(context.Background(), "board-1", canvas.PresenceEntry{
		UserID:   "carol",
		LastSeen: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("write presence: %v", err)
	}

	select {
	case entries := <-got:
		if len(entries) != 1 || entries[0].UserID != "carol" {
			t.Fatalf("unexpected presence snapshot: %+v", entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tracker never notified subscriber")
	}
}
