package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/inkfield/canvasync/internal/canvas"
)

const (
	documentSuffix = ".canvas.json"
	presenceSuffix = ".presence.json"
)

// FileStore keeps one JSON document per canvas under a root directory and
// drives Subscribe off filesystem notifications, so several processes on
// one host can share a store. Transactions are serialized per process; the
// version check still guards against a concurrent writer process.
type FileStore struct {
	root    string
	logger  Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	docSubs   map[string]map[int]func(canvas.State)
	presSubs  map[string]map[int]func([]canvas.PresenceEntry)
	subSerial int
	closed    bool
	done      chan struct{}
}

type FileStoreOptions struct {
	Root   string
	Logger Logger
}

func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s := &FileStore{
		root:     root,
		logger:   logger,
		watcher:  watcher,
		docSubs:  map[string]map[int]func(canvas.State){},
		presSubs: map[string]map[int]func([]canvas.PresenceEntry){},
		done:     make(chan struct{}),
	}
	go s.watchLoop()
	return s, nil
}

func (s *FileStore) documentPath(canvasID string) string {
	return filepath.Join(s.root, canvasID+documentSuffix)
}

func (s *FileStore) presencePath(canvasID string) string {
	return filepath.Join(s.root, canvasID+presenceSuffix)
}

func (s *FileStore) Get(ctx context.Context, canvasID string) (canvas.State, bool, error) {
	if canvasID == "" {
		return canvas.State{}, false, ErrInvalidInput
	}
	data, err := os.ReadFile(s.documentPath(canvasID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return canvas.Empty(canvasID), false, nil
		}
		return canvas.State{}, false, err
	}
	return DecodeStateOrEmpty(canvasID, data, s.logger), true, nil
}

func (s *FileStore) Transact(ctx context.Context, canvasID string, fn UpdateFunc) (canvas.State, error) {
	if canvasID == "" || fn == nil {
		return canvas.State{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return canvas.State{}, ErrClosed
	}
	current := canvas.Empty(canvasID)
	readVersion := int64(-1)
	if data, err := os.ReadFile(s.documentPath(canvasID)); err == nil {
		current = DecodeStateOrEmpty(canvasID, data, s.logger)
		readVersion = current.Version
	} else if !errors.Is(err, os.ErrNotExist) {
		return canvas.State{}, err
	}
	next, err := fn(current.Clone())
	if err != nil {
		return canvas.State{}, err
	}
	next.CanvasID = canvasID
	// Re-read before write: another process may have committed since. A
	// file that exists now but did not at read time is another process
	// winning the creation race.
	if data, err := os.ReadFile(s.documentPath(canvasID)); err == nil {
		latest := DecodeStateOrEmpty(canvasID, data, s.logger)
		if readVersion < 0 || latest.Version != readVersion {
			expected := readVersion
			if expected < 0 {
				expected = 0
			}
			return canvas.State{}, &VersionConflictError{
				CanvasID:        canvasID,
				ExpectedVersion: expected,
				CurrentVersion:  latest.Version,
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return canvas.State{}, err
	}
	payload, err := EncodeState(next)
	if err != nil {
		return canvas.State{}, err
	}
	if err := writeFileAtomic(s.documentPath(canvasID), payload, 0o644); err != nil {
		return canvas.State{}, err
	}
	return next, nil
}

func (s *FileStore) Subscribe(ctx context.Context, canvasID string, fn func(canvas.State)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
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

func (s *FileStore) WritePresence(ctx context.Context, canvasID string, entry canvas.PresenceEntry) error {
	if canvasID == "" || entry.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entries := s.readPresenceLocked(canvasID)
	entries[entry.UserID] = entry
	return s.writePresenceLocked(canvasID, entries)
}

func (s *FileStore) RemovePresence(ctx context.Context, canvasID, userID string) error {
	if canvasID == "" || userID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entries := s.readPresenceLocked(canvasID)
	delete(entries, userID)
	return s.writePresenceLocked(canvasID, entries)
}

func (s *FileStore) SubscribePresence(ctx context.Context, canvasID string, fn func([]canvas.PresenceEntry)) (CancelFunc, error) {
	if canvasID == "" || fn == nil {
		return nil, ErrInvalidInput
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

func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.watcher.Close()
}

func (s *FileStore) readPresenceLocked(canvasID string) map[string]canvas.PresenceEntry {
	entries := map[string]canvas.PresenceEntry{}
	data, err := os.ReadFile(s.presencePath(canvasID))
	if err != nil {
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Printf("malformed presence file for canvas %s: %v", canvasID, err)
		return map[string]canvas.PresenceEntry{}
	}
	return entries
}

func (s *FileStore) writePresenceLocked(canvasID string, entries map[string]canvas.PresenceEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.presencePath(canvasID), data, 0o644)
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.dispatch(filepath.Base(event.Name))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("file store watcher error: %v", err)
		}
	}
}

func (s *FileStore) dispatch(name string) {
	switch {
	case strings.HasSuffix(name, documentSuffix):
		canvasID := strings.TrimSuffix(name, documentSuffix)
		data, err := os.ReadFile(s.documentPath(canvasID))
		if err != nil {
			return
		}
		state := DecodeStateOrEmpty(canvasID, data, s.logger)
		s.mu.Lock()
		subs := make([]func(canvas.State), 0, len(s.docSubs[canvasID]))
		for _, fn := range s.docSubs[canvasID] {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		for _, fn := range subs {
			fn(state.Clone())
		}
	case strings.HasSuffix(name, presenceSuffix):
		canvasID := strings.TrimSuffix(name, presenceSuffix)
		s.mu.Lock()
		entries := s.readPresenceLocked(canvasID)
		subs := make([]func([]canvas.PresenceEntry), 0, len(s.presSubs[canvasID]))
		for _, fn := range s.presSubs[canvasID] {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		for _, fn := range subs {
			list := make([]canvas.PresenceEntry, 0, len(entries))
			for _, entry := range entries {
				list = append(list, entry)
			}
			fn(list)
		}
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
