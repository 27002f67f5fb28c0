package engine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/inkfield/canvasync/internal/canvas"
)

// PendingQueue holds locally applied operations that have not been
// committed to the store yet. The queue survives a failed flush intact;
// entries leave only when acknowledged or explicitly dropped.
type PendingQueue interface {
	Enqueue(op canvas.Op) error
	Snapshot() ([]canvas.Op, error)
	Ack(ids []string) error
	Drop(id string) error
	Len() int
}

type MemoryQueue struct {
	mu  sync.Mutex
	ops []canvas.Op
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(op canvas.Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	return nil
}

func (q *MemoryQueue) Snapshot() ([]canvas.Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]canvas.Op(nil), q.ops...), nil
}

func (q *MemoryQueue) Ack(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = removeOps(q.ops, ids)
	return nil
}

func (q *MemoryQueue) Drop(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = removeOps(q.ops, []string{id})
	return nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func removeOps(ops []canvas.Op, ids []string) []canvas.Op {
	if len(ids) == 0 {
		return ops
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := ops[:0]
	for _, op := range ops {
		if _, gone := drop[op.ID]; !gone {
			kept = append(kept, op)
		}
	}
	return kept
}

// FileQueue persists the pending set as a JSON snapshot after every
// mutation, so queued work survives a process restart while offline.
type FileQueue struct {
	path   string
	mu     sync.Mutex
	ops    []canvas.Op
	loaded bool
}

func NewFileQueue(path string) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file queue path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	q := &FileQueue{path: path}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		q.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	var ops []canvas.Op
	if err := json.Unmarshal(data, &ops); err != nil {
		// A truncated snapshot from a crash mid-write should not brick
		// the queue. Atomic writes make this unlikely; start fresh.
		q.ops = nil
		q.loaded = true
		return nil
	}
	q.ops = ops
	q.loaded = true
	return nil
}

func (q *FileQueue) persistLocked() error {
	data, err := json.Marshal(q.ops)
	if err != nil {
		return err
	}
	return writeQueueFileAtomic(q.path, data)
}

func (q *FileQueue) Enqueue(op canvas.Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	return q.persistLocked()
}

func (q *FileQueue) Snapshot() ([]canvas.Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]canvas.Op(nil), q.ops...), nil
}

func (q *FileQueue) Ack(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = removeOps(q.ops, ids)
	return q.persistLocked()
}

func (q *FileQueue) Drop(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = removeOps(q.ops, []string{id})
	return q.persistLocked()
}

func (q *FileQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func writeQueueFileAtomic(path string, data []byte) error {
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
	if err := tmpFile.Chmod(0o644); err != nil {
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
