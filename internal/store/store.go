package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/inkfield/canvasync/internal/canvas"
)

var (
	ErrVersionConflict  = errors.New("version conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
	ErrClosed           = errors.New("store closed")
	ErrNotImplemented   = errors.New("not implemented")
)

type VersionConflictError struct {
	CanvasID        string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on canvas %s: expected %d, store has %d",
		e.CanvasID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// UpdateFunc receives the current authoritative state (the empty default
// when the document is absent) and returns the state to commit.
type UpdateFunc func(current canvas.State) (canvas.State, error)

type CancelFunc func()

// DocumentStore is the persistence contract the engine runs against. Get
// reports absent documents via the bool; Transact is a read-check-write
// that either retries version races internally or surfaces
// ErrVersionConflict; Subscribe delivers at least the most recent state
// after any transport gap, with no obligation to replay intermediate
// versions. Presence uses plain last-write-wins per user.
type DocumentStore interface {
	Get(ctx context.Context, canvasID string) (canvas.State, bool, error)
	Transact(ctx context.Context, canvasID string, fn UpdateFunc) (canvas.State, error)
	Subscribe(ctx context.Context, canvasID string, fn func(canvas.State)) (CancelFunc, error)

	WritePresence(ctx context.Context, canvasID string, entry canvas.PresenceEntry) error
	RemovePresence(ctx context.Context, canvasID, userID string) error
	SubscribePresence(ctx context.Context, canvasID string, fn func([]canvas.PresenceEntry)) (CancelFunc, error)

	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// MemoryStore is the in-process DocumentStore. Transactions are serialized
// by a mutex, so version races cannot occur within one process.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]canvas.State
	presence  map[string]map[string]canvas.PresenceEntry
	docSubs   map[string]map[int]func(canvas.State)
	presSubs  map[string]map[int]func([]canvas.PresenceEntry)
	subSerial int
	closed    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     map[string]canvas.State{},
		presence: map[string]map[string]canvas.PresenceEntry{},
		docSubs:  map[string]map[int]func(canvas.State){},
		presSubs: map[string]map[int]func([]canvas.PresenceEntry){},
	}
}

func (m *MemoryStore) Get(ctx context.Context, canvasID string) (canvas.State, bool, error) {
	if canvasID == "" {
		return canvas.State{}, false, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return canvas.State{}, false, ErrClosed
	}
	doc, ok := m.docs[canvasID]
	if !ok {
		return canvas.Empty(canvasID), false, nil
	}
	return doc.Clone(), true, nil
}

func (m *MemoryStore) Transact(ctx context.Context, canvasID string, fn UpdateFunc) (canvas.State, error) {
	if canvasID == "" || fn == nil {
		return canvas.State{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return canvas.State{}, ErrClosed
	}
	current, ok := m.docs[canvasID]
	if !ok {
		current = canvas.Empty(canvasID)
	}
	next, err := fn(current.Clone())
	if err != nil {
		return canvas.State{}, err
	}
	next.CanvasID = canvasID
	m.docs[canvasID] = next.Clone()
	m.notifyDocLocked(canvasID, next)
	return next, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, canvasID string, fn func(canvas.State)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.subSerial++
	id := m.subSerial
	if m.docSubs[canvasID] == nil {
		m.docSubs[canvasID] = map[int]func(canvas.State){}
	}
	m.docSubs[canvasID][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.docSubs[canvasID], id)
	}, nil
}

func (m *MemoryStore) WritePresence(ctx context.Context, canvasID string, entry canvas.PresenceEntry) error {
	if canvasID == "" || entry.UserID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.presence[canvasID] == nil {
		m.presence[canvasID] = map[string]canvas.PresenceEntry{}
	}
	m.presence[canvasID][entry.UserID] = entry
	m.notifyPresenceLocked(canvasID)
	return nil
}

func (m *MemoryStore) RemovePresence(ctx context.Context, canvasID, userID string) error {
	if canvasID == "" || userID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.presence[canvasID], userID)
	m.notifyPresenceLocked(canvasID)
	return nil
}

func (m *MemoryStore) SubscribePresence(ctx context.Context, canvasID string, fn func([]canvas.PresenceEntry)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.subSerial++
	id := m.subSerial
	if m.presSubs[canvasID] == nil {
		m.presSubs[canvasID] = map[int]func([]canvas.PresenceEntry){}
	}
	m.presSubs[canvasID][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.presSubs[canvasID], id)
	}, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) notifyDocLocked(canvasID string, doc canvas.State) {
	for _, fn := range m.docSubs[canvasID] {
		go fn(doc.Clone())
	}
}

func (m *MemoryStore) notifyPresenceLocked(canvasID string) {
	entries := make([]canvas.PresenceEntry, 0, len(m.presence[canvasID]))
	for _, entry := range m.presence[canvasID] {
		entries = append(entries, entry)
	}
	for _, fn := range m.presSubs[canvasID] {
		snapshot := append([]canvas.PresenceEntry(nil), entries...)
		go fn(snapshot)
	}
}
