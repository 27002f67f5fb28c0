package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/inkfield/canvasync/internal/canvas"
)

const (
	postgresDocumentTable    = "canvasync_documents"
	postgresPresenceTable    = "canvasync_presence"
	postgresDocumentChannel  = "canvasync_documents"
	postgresPresenceChannel  = "canvasync_presence"
	postgresOperationTimeout = 5 * time.Second
	postgresListenMinBackoff = 100 * time.Millisecond
	postgresListenMaxBackoff = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists one row per canvas and fans change notifications
// out over LISTEN/NOTIFY, so subscribers in any process see commits from
// any other.
type PostgresStore struct {
	dsn    string
	logger Logger
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu        sync.Mutex
	docSubs   map[string]map[int]func(canvas.State)
	presSubs  map[string]map[int]func([]canvas.PresenceEntry)
	subSerial int
	listener  *pq.Listener
	closed    bool
	done      chan struct{}
}

type PostgresStoreOptions struct {
	DSN    string
	Logger Logger
}

func NewPostgresStore(opts PostgresStoreOptions) (*PostgresStore, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &PostgresStore{
		dsn:      dsn,
		logger:   logger,
		openDB:   sql.Open,
		docSubs:  map[string]map[int]func(canvas.State){},
		presSubs: map[string]map[int]func([]canvas.PresenceEntry){},
		done:     make(chan struct{}),
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		docTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				canvas_id TEXT PRIMARY KEY,
				doc TEXT NOT NULL,
				version BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(postgresDocumentTable))
		if _, err := db.ExecContext(ctx, docTable); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		presTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				canvas_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				entry TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (canvas_id, user_id)
			)`, postgresQuoteIdentifier(postgresPresenceTable))
		if _, err := db.ExecContext(ctx, presTable); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(ctx context.Context, canvasID string) (canvas.State, bool, error) {
	if canvasID == "" {
		return canvas.State{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return canvas.State{}, false, err
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE canvas_id = $1", postgresQuoteIdentifier(postgresDocumentTable))
	var payload string
	err := s.db.QueryRowContext(ctx, query, canvasID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Empty(canvasID), false, nil
	}
	if err != nil {
		return canvas.State{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return DecodeStateOrEmpty(canvasID, []byte(payload), s.logger), true, nil
}

func (s *PostgresStore) Transact(ctx context.Context, canvasID string, fn UpdateFunc) (canvas.State, error) {
	if canvasID == "" || fn == nil {
		return canvas.State{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return canvas.State{}, err
	}
	current, found, err := s.Get(ctx, canvasID)
	if err != nil {
		return canvas.State{}, err
	}
	expected := current.Version
	next, err := fn(current)
	if err != nil {
		return canvas.State{}, err
	}
	next.CanvasID = canvasID
	payload, err := EncodeState(next)
	if err != nil {
		return canvas.State{}, err
	}

	table := postgresQuoteIdentifier(postgresDocumentTable)
	if !found {
		insert := fmt.Sprintf(`
			INSERT INTO %s (canvas_id, doc, version, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (canvas_id) DO NOTHING`, table)
		result, err := s.db.ExecContext(ctx, insert, canvasID, string(payload), next.Version)
		if err != nil {
			return canvas.State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			// Somebody created the document first.
			return canvas.State{}, s.conflict(ctx, canvasID, expected)
		}
	} else {
		update := fmt.Sprintf(`
			UPDATE %s SET doc = $2, version = $3, updated_at = NOW()
			WHERE canvas_id = $1 AND version = $4`, table)
		result, err := s.db.ExecContext(ctx, update, canvasID, string(payload), next.Version, expected)
		if err != nil {
			return canvas.State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return canvas.State{}, s.conflict(ctx, canvasID, expected)
		}
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresDocumentChannel, canvasID); err != nil {
		s.logger.Printf("postgres notify failed for canvas %s: %v", canvasID, err)
	}
	return next, nil
}

func (s *PostgresStore) conflict(ctx context.Context, canvasID string, expected int64) error {
	latest, _, err := s.Get(ctx, canvasID)
	if err != nil {
		return &VersionConflictError{CanvasID: canvasID, ExpectedVersion: expected}
	}
	return &VersionConflictError{
		CanvasID:        canvasID,
		ExpectedVersion: expected,
		CurrentVersion:  latest.Version,
	}
}

func (s *PostgresStore) Subscribe(ctx context.Context, canvasID string, fn func(canvas.State)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureListener(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.subSerial++
	id := s.subSerial
	if s.docSubs[canvasID] == nil {
		s.docSubs[canvasID] = map[int]func(canvas.State){}
	}
	s.docSubs[canvasID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.docSubs[canvasID], id)
	}, nil
}

func (s *PostgresStore) WritePresence(ctx context.Context, canvasID string, entry canvas.PresenceEntry) error {
	if canvasID == "" || entry.UserID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (canvas_id, user_id, entry, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (canvas_id, user_id)
		DO UPDATE SET entry = EXCLUDED.entry, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresPresenceTable))
	if _, err := s.db.ExecContext(ctx, upsert, canvasID, entry.UserID, string(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresPresenceChannel, canvasID); err != nil {
		s.logger.Printf("postgres presence notify failed for canvas %s: %v", canvasID, err)
	}
	return nil
}

func (s *PostgresStore) RemovePresence(ctx context.Context, canvasID, userID string) error {
	if canvasID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE canvas_id = $1 AND user_id = $2",
		postgresQuoteIdentifier(postgresPresenceTable))
	if _, err := s.db.ExecContext(ctx, del, canvasID, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresPresenceChannel, canvasID); err != nil {
		s.logger.Printf("postgres presence notify failed for canvas %s: %v", canvasID, err)
	}
	return nil
}

func (s *PostgresStore) SubscribePresence(ctx context.Context, canvasID string, fn func([]canvas.PresenceEntry)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureListener(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.subSerial++
	id := s.subSerial
	if s.presSubs[canvasID] == nil {
		s.presSubs[canvasID] = map[int]func([]canvas.PresenceEntry){}
	}
	s.presSubs[canvasID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.presSubs[canvasID], id)
	}, nil
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) ensureListener() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return nil
	}
	listener := pq.NewListener(s.dsn, postgresListenMinBackoff, postgresListenMaxBackoff,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Printf("postgres listener event %d: %v", event, err)
			}
		})
	if err := listener.Listen(postgresDocumentChannel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := listener.Listen(postgresPresenceChannel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.listener = listener
	go s.listenLoop(listener)
	return nil
}

func (s *PostgresStore) listenLoop(listener *pq.Listener) {
	for {
		select {
		case <-s.done:
			return
		case notification, ok := <-listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				// Reconnect marker: the connection dropped and came
				// back; refresh every watched canvas so subscribers
				// see at least the latest state.
				s.refreshAll()
				continue
			}
			switch notification.Channel {
			case postgresDocumentChannel:
				s.dispatchDocument(notification.Extra)
			case postgresPresenceChannel:
				s.dispatchPresence(notification.Extra)
			}
		}
	}
}

func (s *PostgresStore) refreshAll() {
	s.mu.Lock()
	canvasIDs := make([]string, 0, len(s.docSubs)+len(s.presSubs))
	for canvasID := range s.docSubs {
		canvasIDs = append(canvasIDs, canvasID)
	}
	presenceIDs := make([]string, 0, len(s.presSubs))
	for canvasID := range s.presSubs {
		presenceIDs = append(presenceIDs, canvasID)
	}
	s.mu.Unlock()
	for _, canvasID := range canvasIDs {
		s.dispatchDocument(canvasID)
	}
	for _, canvasID := range presenceIDs {
		s.dispatchPresence(canvasID)
	}
}

func (s *PostgresStore) dispatchDocument(canvasID string) {
	if canvasID == "" {
		return
	}
	s.mu.Lock()
	subs := make([]func(canvas.State), 0, len(s.docSubs[canvasID]))
	for _, fn := range s.docSubs[canvasID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	state, _, err := s.Get(ctx, canvasID)
	if err != nil {
		s.logger.Printf("postgres subscribe refresh failed for canvas %s: %v", canvasID, err)
		return
	}
	for _, fn := range subs {
		fn(state.Clone())
	}
}

func (s *PostgresStore) dispatchPresence(canvasID string) {
	if canvasID == "" {
		return
	}
	s.mu.Lock()
	subs := make([]func([]canvas.PresenceEntry), 0, len(s.presSubs[canvasID]))
	for _, fn := range s.presSubs[canvasID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT entry FROM %s WHERE canvas_id = $1",
		postgresQuoteIdentifier(postgresPresenceTable))
	rows, err := s.db.QueryContext(ctx, query, canvasID)
	if err != nil {
		s.logger.Printf("postgres presence refresh failed for canvas %s: %v", canvasID, err)
		return
	}
	defer rows.Close()
	entries := make([]canvas.PresenceEntry, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var entry canvas.PresenceEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil || entry.UserID == "" {
			continue
		}
		entries = append(entries, entry)
	}
	for _, fn := range subs {
		fn(append([]canvas.PresenceEntry(nil), entries...))
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
