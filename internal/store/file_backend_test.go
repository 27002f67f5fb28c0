package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inkfield/canvasync/internal/canvas"
)

func newTestFileStore(t *testing.T, root string) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileStoreOptions{Root: root})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFileStoreTransactSurvivesReopen(t *testing.T) {
	root := t.TempDir()

	s := newTestFileStore(t, root)
	addStroke(t, s, "board-1", "alice", "s1")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newTestFileStore(t, root)
	state, found, err := reopened.Get(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || state.Version != 1 || len(state.Strokes) != 1 {
		t.Fatalf("document did not survive reopen: found=%v state=%+v", found, state)
	}
}

func TestFileStoreMalformedDocumentDegradesToEmpty(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "board-1"+documentSuffix)
	if err := os.WriteFile(path, []byte(`{"canvasId": "board-1"`), 0o644); err != nil {
		t.Fatalf("seed malformed document: %v", err)
	}

	s := newTestFileStore(t, root)
	state, found, err := s.Get(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("file exists, expected found=true")
	}
	if state.Version != 0 || len(state.Strokes) != 0 {
		t.Fatalf("malformed document should decode as empty default, got %+v", state)
	}
}

func TestFileStoreConflictWhenAnotherProcessCommits(t *testing.T) {
	root := t.TempDir()
	s := newTestFileStore(t, root)
	other := newTestFileStore(t, root)
	addStroke(t, s, "board-1", "alice", "s1")

	_, err := s.Transact(context.Background(), "board-1", func(current canvas.State) (canvas.State, error) {
		// Simulate a second process racing: by the time this update
		// function returns, the document on disk has moved on.
		addStroke(t, other, "board-1", "bob", "s2")
		op := canvas.NewAddStroke("board-1", "alice", canvas.Stroke{
			ID:     "s3",
			Points: []canvas.Point{{X: 1, Y: 1}},
			Width:  2,
		})
		if applyErr := current.Apply(op); applyErr != nil {
			return canvas.State{}, applyErr
		}
		return current, nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *VersionConflictError, got %T", err)
	}
	if conflict.ExpectedVersion != 1 || conflict.CurrentVersion != 2 {
		t.Fatalf("unexpected conflict versions: %+v", conflict)
	}
}

func TestFileStoreConflictWhenAnotherProcessCreates(t *testing.T) {
	root := t.TempDir()
	s := newTestFileStore(t, root)
	other := newTestFileStore(t, root)

	// Both processes read the canvas as absent; the second one commits
	// first, so the first write must not silently bury it.
	_, err := s.Transact(context.Background(), "board-1", func(current canvas.State) (canvas.State, error) {
		if current.Version != 0 {
			t.Fatalf("expected absent document, got version %d", current.Version)
		}
		addStroke(t, other, "board-1", "bob", "theirs")
		op := canvas.NewAddStroke("board-1", "alice", canvas.Stroke{
			ID:     "mine",
			Points: []canvas.Point{{X: 1, Y: 1}},
			Width:  2,
		})
		if applyErr := current.Apply(op); applyErr != nil {
			return canvas.State{}, applyErr
		}
		return current, nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict on creation race, got %v", err)
	}

	state, found, err := s.Get(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("winning creation should persist")
	}
	if _, ok := state.Strokes["theirs"]; !ok {
		t.Fatalf("losing writer buried the winner's commit: %+v", state.Strokes)
	}
	if _, ok := state.Strokes["mine"]; ok {
		t.Fatal("losing writer's stroke must not be on disk")
	}
}

func TestFileStoreSubscribeSeesOtherProcessWrites(t *testing.T) {
	root := t.TempDir()
	watcher := newTestFileStore(t, root)
	writer := newTestFileStore(t, root)

	got := make(chan canvas.State, 4)
	cancel, err := watcher.Subscribe(context.Background(), "board-1", func(state canvas.State) {
		got <- state
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	addStroke(t, writer, "board-1", "alice", "s1")

	select {
	case state := <-got:
		if len(state.Strokes) != 1 || state.Version != 1 {
			t.Fatalf("unexpected notified state: %+v", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for filesystem notification")
	}
}

func TestFileStorePresenceSharedAcrossInstances(t *testing.T) {
	root := t.TempDir()
	watcher := newTestFileStore(t, root)
	writer := newTestFileStore(t, root)

	got := make(chan []canvas.PresenceEntry, 4)
	cancel, err := watcher.SubscribePresence(context.Background(), "board-1", func(entries []canvas.PresenceEntry) {
		got <- entries
	})
	if err != nil {
		t.Fatalf("subscribe presence: %v", err)
	}
	defer cancel()

	entry := canvas.PresenceEntry{UserID: "alice", LastSeen: time.Now().UTC()}
	if err := writer.WritePresence(context.Background(), "board-1", entry); err != nil {
		t.Fatalf("write presence: %v", err)
	}

	select {
	case entries := <-got:
		if len(entries) != 1 || entries[0].UserID != "alice" {
			t.Fatalf("unexpected presence snapshot: %+v", entries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for presence notification")
	}
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := writeFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := writeFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("expected latest content, got %q", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}
