package engine

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/store"
)

// cursorPalette is the fixed set of cursor colors (32-bit ARGB). A user id
// always hashes to the same slot, so every collaborator sees the same
// color for the same person without any coordination.
var cursorPalette = [12]uint32{
	0xFFE53935, // red
	0xFFD81B60, // pink
	0xFF8E24AA, // purple
	0xFF5E35B1, // deep purple
	0xFF3949AB, // indigo
	0xFF1E88E5, // blue
	0xFF00ACC1, // cyan
	0xFF00897B, // teal
	0xFF43A047, // green
	0xFFFDD835, // yellow
	0xFFFB8C00, // orange
	0xFF6D4C41, // brown
}

// CursorColor maps a user id onto the palette deterministically.
func CursorColor(userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

const (
	// presenceFlushInterval caps presence writes at 10 per second;
	// intermediate cursor moves within a window are coalesced.
	presenceFlushInterval = 100 * time.Millisecond
	// presenceStaleAfter is the cutoff beyond which a collaborator who
	// stopped heartbeating is treated as gone.
	presenceStaleAfter = 3 * time.Second
)

// PresencePublisher throttles one user's cursor stream into the store.
// Update is cheap and callable at input frequency; the background loop
// writes at most once per flush interval, always with the latest sample.
type PresencePublisher struct {
	store       store.DocumentStore
	canvasID    string
	userID      string
	displayName string
	interval    time.Duration
	logger      store.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending *canvas.Point
	dirty   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type PresencePublisherOptions struct {
	Store       store.DocumentStore
	CanvasID    string
	UserID      string
	DisplayName string
	Interval    time.Duration
	Logger      store.Logger
	Now         func() time.Time
}

func NewPresencePublisher(opts PresencePublisherOptions) (*PresencePublisher, error) {
	if opts.Store == nil || opts.CanvasID == "" || opts.UserID == "" {
		return nil, store.ErrInvalidInput
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = presenceFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PresencePublisher{
		store:       opts.Store,
		canvasID:    opts.CanvasID,
		userID:      opts.UserID,
		displayName: opts.DisplayName,
		interval:    interval,
		logger:      logger,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

// Update records the latest cursor position. Calls between flushes
// overwrite each other; only the newest sample reaches the store.
func (p *PresencePublisher) Update(cursor canvas.Point) {
	p.mu.Lock()
	if p.dirty {
		presenceCoalesced.Inc()
	}
	c := cursor
	p.pending = &c
	p.dirty = true
	p.mu.Unlock()
}

// Lift removes this user's cursor immediately, skipping the throttle.
// Cursor disappearance must feel instant to the other side.
func (p *PresencePublisher) Lift(ctx context.Context) error {
	p.mu.Lock()
	p.pending = nil
	p.dirty = false
	p.mu.Unlock()
	return p.store.RemovePresence(ctx, p.canvasID, p.userID)
}

// Close stops the flush loop and withdraws presence.
func (p *PresencePublisher) Close() error {
	p.cancel()
	<-p.done
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return p.store.RemovePresence(ctx, p.canvasID, p.userID)
}

func (p *PresencePublisher) flushLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *PresencePublisher) flush() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	cursor := p.pending
	p.dirty = false
	p.mu.Unlock()

	entry := canvas.PresenceEntry{
		UserID:      p.userID,
		DisplayName: p.displayName,
		Cursor:      cursor,
		CursorColor: CursorColor(p.userID),
		LastSeen:    p.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.interval)
	defer cancel()
	if err := p.store.WritePresence(ctx, p.canvasID, entry); err != nil {
		p.logger.Printf("presence write failed for canvas %s user %s: %v", p.canvasID, p.userID, err)
		return
	}
	presenceWrites.Inc()
}

// PresenceTracker maintains the live collaborator set for one canvas,
// dropping entries whose heartbeat went quiet.
type PresenceTracker struct {
	canvasID string
	now      func() time.Time
	entries  *xsync.MapOf[string, canvas.PresenceEntry]

	mu        sync.Mutex
	subs      map[int]func([]canvas.PresenceEntry)
	subSerial int
	cancel    store.CancelFunc
}

type PresenceTrackerOptions struct {
	Store    store.DocumentStore
	CanvasID string
	Now      func() time.Time
}

func NewPresenceTracker(ctx context.Context, opts PresenceTrackerOptions) (*PresenceTracker, error) {
	if opts.Store == nil || opts.CanvasID == "" {
		return nil, store.ErrInvalidInput
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	t := &PresenceTracker{
		canvasID: opts.CanvasID,
		now:      now,
		entries:  xsync.NewMapOf[string, canvas.PresenceEntry](),
		subs:     map[int]func([]canvas.PresenceEntry){},
	}
	cancel, err := opts.Store.SubscribePresence(ctx, opts.CanvasID, t.ingest)
	if err != nil {
		return nil, err
	}
	t.cancel = cancel
	return t, nil
}

func (t *PresenceTracker) ingest(snapshot []canvas.PresenceEntry) {
	seen := make(map[string]struct{}, len(snapshot))
	for _, entry := range snapshot {
		seen[entry.UserID] = struct{}{}
		t.entries.Store(entry.UserID, entry)
	}
	t.entries.Range(func(userID string, _ canvas.PresenceEntry) bool {
		if _, ok := seen[userID]; !ok {
			t.entries.Delete(userID)
		}
		return true
	})
	active := t.Active()
	t.mu.Lock()
	subs := make([]func([]canvas.PresenceEntry), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(active)
	}
}

// Active returns the current collaborators, stale entries filtered out,
// ordered by user id for stable rendering.
func (t *PresenceTracker) Active() []canvas.PresenceEntry {
	cutoff := t.now().Add(-presenceStaleAfter)
	active := make([]canvas.PresenceEntry, 0)
	t.entries.Range(func(_ string, entry canvas.PresenceEntry) bool {
		if entry.LastSeen.Before(cutoff) {
			presenceStaleDrops.Inc()
			return true
		}
		active = append(active, entry)
		return true
	})
	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	return active
}

// Subscribe registers a callback fired on every presence change.
func (t *PresenceTracker) Subscribe(fn func([]canvas.PresenceEntry)) store.CancelFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subSerial++
	id := t.subSerial
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *PresenceTracker) Close() {
	if t.cancel != nil {
		t.cancel()
	}
}
