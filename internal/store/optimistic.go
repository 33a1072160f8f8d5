package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// mutation describes one optimistic write in four phases: apply the local
// change, run the remote call under its budget, then commit the server
// copy or roll the local change back.
type mutation[T any] struct {
	timeout  time.Duration
	apply    func()
	remote   func(ctx context.Context) (T, error)
	commit   func(result T)
	rollback func()
}

func mutate[T any](ctx context.Context, op mutation[T]) (T, error) {
	op.apply()
	result, err := callRemote(ctx, op.timeout, op.remote)
	if err != nil {
		op.rollback()
		var zero T
		return zero, err
	}
	if op.commit != nil {
		op.commit(result)
	}
	return result, nil
}

// callRemote runs one backend call under a hard budget. The optimistic
// local state is already applied when this runs, so a hung request must
// resolve one way or the other: the caller either commits the server copy
// or rolls the local state back. A blown budget surfaces as ErrTimeout.
func callRemote[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(rctx)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			var zero T
			return zero, fmt.Errorf("remote call: %w", ErrTimeout)
		}
		return out.value, out.err
	case <-rctx.Done():
		var zero T
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("remote call: %w", ErrTimeout)
		}
		return zero, rctx.Err()
	}
}

// workingSet is the in-memory collection behind an entity store. Every
// bookkeeping method republishes through the owner's publish hook, so
// cached reads and the dedup layer observe optimistic state immediately.
type workingSet[T any] struct {
	label     string
	prepend   bool // new rows lead, for collections listed newest-first
	id        func(T) string
	updatedAt func(T) time.Time
	publish   func(userID string, rows []T)
	logf      func(format string, args ...any)

	mu        sync.Mutex
	rows      []T
	loadedFor string
}

func (w *workingSet[T]) loaded(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadedFor == userID
}

// install swaps in a fresh server snapshot without republishing; the
// fetch path caches its own result.
func (w *workingSet[T]) install(userID string, rows []T) {
	w.mu.Lock()
	w.rows = append([]T(nil), rows...)
	w.loadedFor = userID
	w.mu.Unlock()
}

func (w *workingSet[T]) snapshot() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]T(nil), w.rows...)
}

func (w *workingSet[T]) get(id string) (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, row := range w.rows {
		if w.id(row) == id {
			return row, true
		}
	}
	var zero T
	return zero, false
}

func (w *workingSet[T]) insert(userID string, row T) {
	w.mu.Lock()
	w.rows = w.addLocked(row)
	w.mu.Unlock()
	w.reseed(userID)
}

func (w *workingSet[T]) remove(userID, id string) {
	w.mu.Lock()
	w.rows = w.removeLocked(id)
	w.mu.Unlock()
	w.reseed(userID)
}

// commitInsert swaps the placeholder for the server copy. If a realtime
// refetch already delivered the server row, the placeholder is dropped and
// the delivered row kept, so the race never yields a duplicate.
func (w *workingSet[T]) commitInsert(userID, tempID string, created T) {
	w.mu.Lock()
	w.rows = w.removeLocked(tempID)
	createdID := w.id(created)
	replaced := false
	for i := range w.rows {
		if w.id(w.rows[i]) == createdID {
			w.rows[i] = created
			replaced = true
			break
		}
	}
	if !replaced {
		w.rows = w.addLocked(created)
	}
	w.mu.Unlock()
	w.reseed(userID)
}

func (w *workingSet[T]) replace(userID string, row T) {
	w.mu.Lock()
	rowID := w.id(row)
	for i := range w.rows {
		if w.id(w.rows[i]) == rowID {
			w.rows[i] = row
			break
		}
	}
	w.mu.Unlock()
	w.reseed(userID)
}

// rollbackReplace restores the pre-mutation row, unless the row changed
// again after our apply. In that case the newer change wins and the
// rollback is skipped.
func (w *workingSet[T]) rollbackReplace(userID string, prev, applied T) {
	w.mu.Lock()
	appliedID := w.id(applied)
	for i := range w.rows {
		if w.id(w.rows[i]) != appliedID {
			continue
		}
		if w.updatedAt(w.rows[i]).After(w.updatedAt(applied)) {
			if w.logf != nil {
				w.logf("store: skip rollback of %s %s, superseded by newer change", w.label, appliedID)
			}
			break
		}
		w.rows[i] = prev
		break
	}
	w.mu.Unlock()
	w.reseed(userID)
}

// reseed republishes the current rows so the cache reflects them.
func (w *workingSet[T]) reseed(userID string) {
	w.mu.Lock()
	rows := append([]T(nil), w.rows...)
	w.mu.Unlock()
	w.publish(userID, rows)
}

func (w *workingSet[T]) addLocked(row T) []T {
	if w.prepend {
		return append([]T{row}, w.rows...)
	}
	return append(w.rows, row)
}

func (w *workingSet[T]) removeLocked(id string) []T {
	out := w.rows[:0]
	for _, row := range w.rows {
		if w.id(row) != id {
			out = append(out, row)
		}
	}
	return out
}
