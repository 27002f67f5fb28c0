package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/store"
)

// Status is the manager lifecycle. Transitions:
// Uninitialized -> Loading -> Synced <-> Offline, and Synced ->
// Reconciling -> Synced while a flush is in flight.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusSynced
	StatusOffline
	StatusReconciling
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusLoading:
		return "loading"
	case StatusSynced:
		return "synced"
	case StatusOffline:
		return "offline"
	case StatusReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

var ErrNotLoaded = errors.New("canvas not loaded")

// Manager owns one client's view of one canvas: the optimistic local
// state, the pending queue, per-client undo history and the subscription
// fanout. Every mutation applies locally first, then flushes to the store
// in the background; a store outage degrades to Offline with edits
// accumulating in the queue.
type Manager struct {
	store      store.DocumentStore
	queue      PendingQueue
	reconciler *Reconciler
	canvasID   string
	userID     string
	logger     store.Logger
	onSyncErr  func(error)

	mu          sync.Mutex
	local       canvas.State
	status      Status
	hist        history
	subs        map[int]func(canvas.State)
	subSerial   int
	storeCancel store.CancelFunc

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type ManagerOptions struct {
	Store    store.DocumentStore
	CanvasID string
	UserID   string
	// Queue defaults to an in-memory queue. Pass a FileQueue to make
	// offline edits survive restarts.
	Queue  PendingQueue
	Logger store.Logger
	// OnSyncError is invoked from the flush goroutine whenever a
	// background flush fails. Optional.
	OnSyncError func(error)
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil || opts.CanvasID == "" || opts.UserID == "" {
		return nil, store.ErrInvalidInput
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewMemoryQueue()
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	reconciler, err := NewReconciler(ReconcilerOptions{
		Store:       opts.Store,
		Queue:       queue,
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    opts.MaxDelay,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      opts.Store,
		queue:      queue,
		reconciler: reconciler,
		canvasID:   opts.CanvasID,
		userID:     opts.UserID,
		logger:     logger,
		onSyncErr:  opts.OnSyncError,
		status:     StatusUninitialized,
		subs:       map[int]func(canvas.State){},
		flushCh:    make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	return m, nil
}

// Load fetches the authoritative document and starts the background sync
// machinery. An unreachable store is not fatal: the manager comes up
// Offline on the empty default plus any queued edits, and recovers on the
// next successful flush.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusUninitialized {
		m.mu.Unlock()
		return errors.New("load called twice")
	}
	m.status = StatusLoading
	m.mu.Unlock()

	state, _, err := m.store.Get(ctx, m.canvasID)
	m.mu.Lock()
	if err != nil {
		m.logger.Printf("canvas %s: load failed, starting offline: %v", m.canvasID, err)
		m.local = m.replayPendingLocked(canvas.Empty(m.canvasID))
		m.status = StatusOffline
		offlineTransitions.Inc()
	} else {
		m.local = m.replayPendingLocked(state)
		m.status = StatusSynced
	}
	m.mu.Unlock()

	cancel, subErr := m.store.Subscribe(m.ctx, m.canvasID, m.onRemote)
	if subErr != nil {
		m.logger.Printf("canvas %s: subscribe failed: %v", m.canvasID, subErr)
	} else {
		m.mu.Lock()
		m.storeCancel = cancel
		m.mu.Unlock()
	}

	go m.flushLoop()
	if m.queue.Len() > 0 {
		m.signalFlush()
	}
	m.notify()
	return nil
}

// replayPendingLocked layers queued local edits over a base state so a
// reload or offline start does not hide uncommitted work.
func (m *Manager) replayPendingLocked(base canvas.State) canvas.State {
	pending, err := m.queue.Snapshot()
	if err != nil || len(pending) == 0 {
		return base
	}
	for _, op := range pending {
		if applyErr := base.Apply(op); applyErr != nil {
			m.logger.Printf("canvas %s: queued op %s no longer applies: %v", m.canvasID, op.ID, applyErr)
		}
	}
	return base
}

// State returns a deep copy of the current local state.
func (m *Manager) State() canvas.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local.Clone()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a callback invoked with a state copy after every
// local or remote change. The callback runs on the mutating goroutine;
// keep it cheap.
func (m *Manager) Subscribe(fn func(canvas.State)) store.CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subSerial++
	id := m.subSerial
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// AddStroke applies a stroke locally and queues it for commit. A missing
// id, author or timestamp is filled in. Returns the stroke id.
func (m *Manager) AddStroke(ctx context.Context, stroke canvas.Stroke) (string, error) {
	if stroke.ID == "" {
		stroke.ID = uuid.NewString()
	}
	if stroke.AuthorID == "" {
		stroke.AuthorID = m.userID
	}
	if stroke.CreatedAt.IsZero() {
		stroke.CreatedAt = time.Now().UTC()
	}
	op := canvas.NewAddStroke(m.canvasID, m.userID, stroke)
	if err := m.apply(op, func(h *history) { h.recordAdd(stroke) }); err != nil {
		return "", err
	}
	return stroke.ID, nil
}

// RemoveStroke tombstones a stroke. Removing an id the local state does
// not know is a no-op, not an error.
func (m *Manager) RemoveStroke(ctx context.Context, strokeID string) error {
	m.mu.Lock()
	removed, known := m.local.Strokes[strokeID]
	m.mu.Unlock()
	op := canvas.NewRemoveStroke(m.canvasID, m.userID, strokeID)
	record := func(*history) {}
	if known {
		record = func(h *history) { h.recordRemove(removed) }
	}
	return m.apply(op, record)
}

// Undo reverts this client's most recent stroke edit. Returns false when
// there is nothing to undo.
func (m *Manager) Undo(ctx context.Context) (bool, error) {
	m.mu.Lock()
	op, ok := m.hist.popUndo(m.canvasID, m.userID)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := m.apply(op, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Redo replays this client's most recently undone stroke edit.
func (m *Manager) Redo(ctx context.Context) (bool, error) {
	m.mu.Lock()
	op, ok := m.hist.popRedo(m.canvasID, m.userID)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := m.apply(op, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Clear wipes the visible canvas. Concurrent strokes committed after the
// clear's version survive the eventual merge. Clearing resets undo
// history.
func (m *Manager) Clear(ctx context.Context) error {
	op := canvas.NewClear(m.canvasID, m.userID)
	return m.apply(op, func(h *history) { h.reset() })
}

// InviteMember grants edit rights. Owner only.
func (m *Manager) InviteMember(ctx context.Context, member string) error {
	return m.apply(canvas.NewInviteMember(m.canvasID, m.userID, member), nil)
}

// RemoveMember revokes edit rights. Owner only.
func (m *Manager) RemoveMember(ctx context.Context, member string) error {
	return m.apply(canvas.NewRemoveMember(m.canvasID, m.userID, member), nil)
}

// SetPrivacy toggles public read access. Owner only.
func (m *Manager) SetPrivacy(ctx context.Context, private bool) error {
	return m.apply(canvas.NewSetPrivacy(m.canvasID, m.userID, private), nil)
}

// apply is the single mutation pipeline: authorize against the local
// state, apply optimistically, enqueue for commit and wake the flusher.
// Authorization or validation failures leave state, queue and store
// untouched.
func (m *Manager) apply(op canvas.Op, record func(*history)) error {
	m.mu.Lock()
	if m.status == StatusUninitialized || m.status == StatusLoading {
		m.mu.Unlock()
		return ErrNotLoaded
	}
	if err := canvas.Authorize(m.local, op); err != nil {
		m.mu.Unlock()
		opsRejected.Inc()
		return err
	}
	op.BaseVersion = m.local.Version
	next := m.local.Clone()
	if err := next.Apply(op); err != nil {
		m.mu.Unlock()
		opsRejected.Inc()
		return err
	}
	m.local = next
	if record != nil {
		record(&m.hist)
	}
	m.mu.Unlock()

	if err := m.queue.Enqueue(op); err != nil {
		return err
	}
	m.notify()
	m.signalFlush()
	return nil
}

func (m *Manager) signalFlush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

// Flush forces a synchronous reconcile and reports its outcome, unlike
// the background flush which reports through OnSyncError.
func (m *Manager) Flush(ctx context.Context) error {
	return m.flushOnce(ctx)
}

func (m *Manager) flushLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.flushCh:
			if err := m.flushOnce(m.ctx); err != nil {
				if m.onSyncErr != nil {
					m.onSyncErr(err)
				}
			}
		}
	}
}

func (m *Manager) flushOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.queue.Len() == 0 {
		m.mu.Unlock()
		return nil
	}
	prev := m.status
	m.status = StatusReconciling
	m.mu.Unlock()
	m.notify()

	committed, rejected, err := m.reconciler.Flush(ctx, m.canvasID)

	m.mu.Lock()
	switch {
	case err == nil:
		// Strip rejected strokes before the merge: the store refused
		// them, so leaving them local would keep rendering a stroke no
		// one else will ever see.
		for _, rej := range rejected {
			if rej.Op.Stroke != nil {
				delete(m.local.Strokes, rej.Op.Stroke.ID)
				delete(m.local.AddedAt, rej.Op.Stroke.ID)
			}
		}
		m.local = canvas.Merge(m.local, committed)
		m.status = StatusSynced
	case errors.Is(err, ErrSyncConflict):
		// Budget exhausted but the store is reachable. Queue is intact;
		// the next mutation or explicit Flush tries again.
		m.status = StatusSynced
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.status = prev
	default:
		m.logger.Printf("canvas %s: flush failed, going offline: %v", m.canvasID, err)
		if m.status != StatusOffline {
			offlineTransitions.Inc()
		}
		m.status = StatusOffline
	}
	m.mu.Unlock()
	for _, rej := range rejected {
		m.logger.Printf("canvas %s: store refused queued op %s: %v", m.canvasID, rej.Op.ID, rej.Err)
		if m.onSyncErr != nil {
			m.onSyncErr(rej.Err)
		}
	}
	m.notify()
	return err
}

// onRemote merges a store notification into the local state. Pending
// local edits have already been applied locally, so the deterministic
// merge keeps them visible until their own commit lands.
func (m *Manager) onRemote(remote canvas.State) {
	m.mu.Lock()
	merged := canvas.Merge(m.local, remote)
	m.local = merged
	if m.status == StatusOffline {
		// The store is talking to us again.
		m.status = StatusSynced
	}
	m.mu.Unlock()
	remoteMerges.Inc()
	m.notify()
	if m.queue.Len() > 0 {
		m.signalFlush()
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	state := m.local.Clone()
	subs := make([]func(canvas.State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// PendingOps reports how many local edits await commit.
func (m *Manager) PendingOps() int {
	return m.queue.Len()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	cancelSub := m.storeCancel
	m.storeCancel = nil
	started := m.status != StatusUninitialized && m.status != StatusLoading
	m.mu.Unlock()
	if cancelSub != nil {
		cancelSub()
	}
	m.cancel()
	if started {
		<-m.done
	}
	return nil
}
