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

	_ "github.com/mattn/go-sqlite3"

	"github.com/inkfield/canvasync/internal/canvas"
)

const (
	sqliteDocumentTable  = "canvasync_documents"
	sqlitePresenceTable  = "canvasync_presence"
	sqliteDefaultPoll    = 250 * time.Millisecond
	sqliteOperationLimit = 5 * time.Second
	sqliteBusyTimeoutMs  = 5000
)

// SQLiteStore keeps canvases in a single database file. SQLite has no
// notification channel, so Subscribe polls the version column and fires
// when it moves.
type SQLiteStore struct {
	path         string
	logger       Logger
	pollInterval time.Duration

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu       sync.Mutex
	watchers map[int]*sqliteWatcher
	serial   int
	closed   bool
}

type sqliteWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type SQLiteStoreOptions struct {
	Path         string
	Logger       Logger
	PollInterval time.Duration
}

func NewSQLiteStore(opts SQLiteStoreOptions) (*SQLiteStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = sqliteDefaultPoll
	}
	return &SQLiteStore{
		path:         path,
		logger:       logger,
		pollInterval: poll,
		watchers:     map[int]*sqliteWatcher{},
	}, nil
}

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", s.path, sqliteBusyTimeoutMs)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under concurrent transacts.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationLimit)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				canvas_id TEXT PRIMARY KEY,
				doc TEXT NOT NULL,
				version INTEGER NOT NULL,
				updated_at TEXT NOT NULL
			);
			CREATE TABLE IF NOT EXISTS %s (
				canvas_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				entry TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (canvas_id, user_id)
			);`, sqliteDocumentTable, sqlitePresenceTable)
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Get(ctx context.Context, canvasID string) (canvas.State, bool, error) {
	if canvasID == "" {
		return canvas.State{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return canvas.State{}, false, err
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE canvas_id = ?", sqliteDocumentTable)
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

func (s *SQLiteStore) Transact(ctx context.Context, canvasID string, fn UpdateFunc) (canvas.State, error) {
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
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if !found {
		insert := fmt.Sprintf(`
			INSERT INTO %s (canvas_id, doc, version, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (canvas_id) DO NOTHING`, sqliteDocumentTable)
		result, err := s.db.ExecContext(ctx, insert, canvasID, string(payload), next.Version, now)
		if err != nil {
			return canvas.State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return canvas.State{}, s.conflict(ctx, canvasID, expected)
		}
		return next, nil
	}
	update := fmt.Sprintf(`
		UPDATE %s SET doc = ?, version = ?, updated_at = ?
		WHERE canvas_id = ? AND version = ?`, sqliteDocumentTable)
	result, err := s.db.ExecContext(ctx, update, string(payload), next.Version, now, canvasID, expected)
	if err != nil {
		return canvas.State{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return canvas.State{}, s.conflict(ctx, canvasID, expected)
	}
	return next, nil
}

func (s *SQLiteStore) conflict(ctx context.Context, canvasID string, expected int64) error {
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

func (s *SQLiteStore) Subscribe(ctx context.Context, canvasID string, fn func(canvas.State)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.startWatcher(func(pollCtx context.Context, lastVersion *int64) {
		query := fmt.Sprintf("SELECT version FROM %s WHERE canvas_id = ?", sqliteDocumentTable)
		var version int64
		err := s.db.QueryRowContext(pollCtx, query, canvasID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		if err != nil {
			s.logger.Printf("sqlite poll failed for canvas %s: %v", canvasID, err)
			return
		}
		if version == *lastVersion {
			return
		}
		*lastVersion = version
		state, _, err := s.Get(pollCtx, canvasID)
		if err != nil {
			return
		}
		fn(state.Clone())
	})
}

func (s *SQLiteStore) WritePresence(ctx context.Context, canvasID string, entry canvas.PresenceEntry) error {
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
	now := time.Now().UTC().Format(time.RFC3339Nano)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (canvas_id, user_id, entry, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (canvas_id, user_id)
		DO UPDATE SET entry = excluded.entry, updated_at = excluded.updated_at`,
		sqlitePresenceTable)
	if _, err := s.db.ExecContext(ctx, upsert, canvasID, entry.UserID, string(payload), now); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RemovePresence(ctx context.Context, canvasID, userID string) error {
	if canvasID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE canvas_id = ? AND user_id = ?", sqlitePresenceTable)
	if _, err := s.db.ExecContext(ctx, del, canvasID, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) SubscribePresence(ctx context.Context, canvasID string, fn func([]canvas.PresenceEntry)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var lastSnapshot string
	return s.startWatcher(func(pollCtx context.Context, _ *int64) {
		query := fmt.Sprintf("SELECT entry FROM %s WHERE canvas_id = ? ORDER BY user_id", sqlitePresenceTable)
		rows, err := s.db.QueryContext(pollCtx, query, canvasID)
		if err != nil {
			s.logger.Printf("sqlite presence poll failed for canvas %s: %v", canvasID, err)
			return
		}
		entries := make([]canvas.PresenceEntry, 0)
		raw := make([]string, 0)
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				continue
			}
			raw = append(raw, payload)
			var entry canvas.PresenceEntry
			if err := json.Unmarshal([]byte(payload), &entry); err != nil || entry.UserID == "" {
				continue
			}
			entries = append(entries, entry)
		}
		rows.Close()
		snapshot := strings.Join(raw, "\n")
		if snapshot == lastSnapshot {
			return
		}
		lastSnapshot = snapshot
		fn(entries)
	})
}

// startWatcher runs poll on the configured interval until the returned
// cancel function is invoked or the store closes.
func (s *SQLiteStore) startWatcher(poll func(ctx context.Context, lastVersion *int64)) (CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.serial++
	id := s.serial
	watchCtx, cancel := context.WithCancel(context.Background())
	watcher := &sqliteWatcher{cancel: cancel, done: make(chan struct{})}
	s.watchers[id] = watcher
	s.mu.Unlock()

	go func() {
		defer close(watcher.done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		var lastVersion int64
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				poll(watchCtx, &lastVersion)
			}
		}
	}()

	return func() {
		cancel()
		<-watcher.done
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := make([]*sqliteWatcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()
	for _, w := range watchers {
		w.cancel()
		<-w.done
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
