package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkfield/canvasync/internal/canvas"
	"github.com/inkfield/canvasync/internal/store"
)

var ErrSyncConflict = errors.New("sync conflict")

// SyncConflictError reports that the retry budget ran out while the store
// kept moving underneath us. The pending queue is left intact so the
// caller can flush again later.
type SyncConflictError struct {
	CanvasID string
	Attempts int
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("canvas %s: gave up reconciling after %d attempts", e.CanvasID, e.Attempts)
}

func (e *SyncConflictError) Is(target error) bool {
	return target == ErrSyncConflict
}

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
)

// Reconciler replays the pending queue against the authoritative store.
// Each attempt re-reads the latest state inside Transact and reapplies the
// queued operations on top of it, so a version race costs a retry, never a
// lost stroke.
type Reconciler struct {
	store       store.DocumentStore
	queue       PendingQueue
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      store.Logger
}

type ReconcilerOptions struct {
	Store       store.DocumentStore
	Queue       PendingQueue
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      store.Logger
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, store.ErrInvalidInput
	}
	r := &Reconciler{
		store:       opts.Store,
		queue:       opts.Queue,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		logger:      opts.Logger,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.baseDelay <= 0 {
		r.baseDelay = defaultBaseDelay
	}
	if r.maxDelay <= 0 {
		r.maxDelay = defaultMaxDelay
	}
	if r.logger == nil {
		r.logger = nopLogger{}
	}
	return r, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// RejectedOp is a queued op the authoritative re-check refused during a
// flush, paired with the refusal. The op has already been acked; the
// caller owns reporting it and rolling back any optimistic effect.
type RejectedOp struct {
	Op  canvas.Op
	Err error
}

// Flush commits every queued operation. Returns the committed state and
// any ops the authoritative state refused. ErrSyncConflict means the
// retry budget ran out; the queue is untouched. Any transport error
// passes through, also with the queue untouched.
func (r *Reconciler) Flush(ctx context.Context, canvasID string) (canvas.State, []RejectedOp, error) {
	pending, err := r.queue.Snapshot()
	if err != nil {
		return canvas.State{}, nil, err
	}
	if len(pending) == 0 {
		state, _, err := r.store.Get(ctx, canvasID)
		return state, nil, err
	}

	delay := r.baseDelay
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		committed, rejected, err := r.commit(ctx, canvasID, pending)
		if err == nil {
			acked := make([]string, 0, len(pending))
			for _, op := range pending {
				acked = append(acked, op.ID)
			}
			if ackErr := r.queue.Ack(acked); ackErr != nil {
				return canvas.State{}, nil, ackErr
			}
			opsCommitted.Add(len(pending) - len(rejected))
			if len(rejected) > 0 {
				opsRejected.Add(len(rejected))
				r.logger.Printf("canvas %s: store refused %d queued ops during flush", canvasID, len(rejected))
			}
			return committed, rejected, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return canvas.State{}, nil, err
		}
		syncRetries.Inc()
		r.logger.Printf("canvas %s: version race on flush attempt %d/%d, retrying in %s",
			canvasID, attempt, r.maxAttempts, delay)
		if attempt == r.maxAttempts {
			break
		}
		if err := waitWithContext(ctx, delay); err != nil {
			return canvas.State{}, nil, err
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	syncConflicts.Inc()
	return canvas.State{}, nil, &SyncConflictError{CanvasID: canvasID, Attempts: r.maxAttempts}
}

// commit runs one Transact replaying pending onto the latest state. Ops
// that no longer apply (a stroke the canvas cannot accept because it
// filled up meanwhile) are collected as rejected rather than failing the
// whole batch.
func (r *Reconciler) commit(ctx context.Context, canvasID string, pending []canvas.Op) (canvas.State, []RejectedOp, error) {
	var rejected []RejectedOp
	committed, err := r.store.Transact(ctx, canvasID, func(current canvas.State) (canvas.State, error) {
		rejected = rejected[:0]
		for _, op := range pending {
			if err := current.Apply(op); err != nil {
				if errors.Is(err, canvas.ErrCanvasFull) || errors.Is(err, canvas.ErrInvalidStroke) {
					rejected = append(rejected, RejectedOp{Op: op, Err: err})
					continue
				}
				return canvas.State{}, err
			}
		}
		return current, nil
	})
	if err != nil {
		return canvas.State{}, nil, err
	}
	return committed, rejected, nil
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
