package queue

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	lixerrors "lix/internal/errors"
	"lix/internal/storage"
)

// broadcastLocked wakes everyone waiting for a state change. q.mu must be held.
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// kick wakes the dispatcher without blocking.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// claim blocks until the caller owns fileID.
func (q *Queue) claim(ctx context.Context, fileID string) error {
	for {
		q.mu.Lock()
		if !q.claimed[fileID] {
			q.claimed[fileID] = true
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) release(fileID string) {
	q.mu.Lock()
	delete(q.claimed, fileID)
	q.broadcastLocked()
	q.mu.Unlock()
	q.kick()
}

// ProcessNext processes the oldest pending entry of fileID and returns it,
// or nil when the file has nothing pending. A failed entry stays queued and
// the file stalls until a later ProcessNext or Retry succeeds.
func (q *Queue) ProcessNext(ctx context.Context, fileID string) (*Entry, error) {
	if err := q.claim(ctx, fileID); err != nil {
		return nil, err
	}
	defer q.release(fileID)

	return q.step(ctx, fileID, true)
}

// step runs one entry under an already held claim. Failures stall the file
// once the entry has used up its attempts, or always when force is set.
func (q *Queue) step(ctx context.Context, fileID string, force bool) (*Entry, error) {
	e, err := q.processOne(ctx, fileID)
	if err == nil {
		q.mu.Lock()
		delete(q.stalled, fileID)
		q.mu.Unlock()
		return e, nil
	}
	if e == nil {
		return nil, err
	}

	attempts := q.recordFailure(e, err)
	if force || attempts >= q.maxAttempts {
		q.mu.Lock()
		q.stalled[fileID] = fmt.Errorf("entry %d (%s): %w", e.ID, e.Path, err)
		q.mu.Unlock()
	}
	return e, err
}

func (q *Queue) recordFailure(e *Entry, cause error) int {
	attempts := e.Attempts + 1
	err := q.db.Update(func(txn *storage.Txn) error {
		var cur Entry
		if err := q.entries.Get(txn, &cur, seqKey(e.ID)); err != nil {
			return err
		}
		cur.Attempts++
		cur.LastError = cause.Error()
		attempts = cur.Attempts
		return q.entries.Put(txn, &cur, seqKey(e.ID))
	})
	if err != nil {
		q.logger.Warn("recording queue failure", zap.Uint64("entry_id", e.ID), zap.Error(err))
	}

	pluginKey := lixerrors.PluginKeyOf(cause)
	q.metrics.QueueFailed.WithLabelValues(pluginKey).Inc()
	q.logger.Error("processing queue entry failed",
		zap.Uint64("entry_id", e.ID),
		zap.String("path", e.Path),
		zap.String("file_id", e.FileID),
		zap.String("plugin_key", pluginKey),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	return attempts
}

// Retry clears the stall of the entry's file and processes it again.
func (q *Queue) Retry(ctx context.Context, entryID uint64) (*Entry, error) {
	var e *Entry
	err := q.db.View(func(txn *storage.Txn) error {
		var err error
		e, err = q.Get(txn, entryID)
		return err
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	delete(q.stalled, e.FileID)
	q.mu.Unlock()
	return q.ProcessNext(ctx, e.FileID)
}

// drain processes a claimed file until it is empty or fails.
func (q *Queue) drain(ctx context.Context, fileID string) {
	defer q.release(fileID)
	for ctx.Err() == nil {
		e, err := q.step(ctx, fileID, false)
		if err != nil || e == nil {
			return
		}
	}
}

// runnable claims and returns the files a worker may start on.
func (q *Queue) runnable() ([]string, error) {
	var pending []string
	err := q.db.View(func(txn *storage.Txn) error {
		var err error
		pending, err = q.pendingFiles(txn)
		return err
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, id := range pending {
		if q.claimed[id] || q.stalled[id] != nil {
			continue
		}
		q.claimed[id] = true
		out = append(out, id)
	}
	return out, nil
}

// Run drains the queue with a pool of workers until ctx ends. One file is
// owned by at most one worker, so a file's entries commit in order while
// different files proceed concurrently.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue workers already running")
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.broadcastLocked()
		q.mu.Unlock()
	}()

	work := make(chan string)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		for {
			files, err := q.runnable()
			if err != nil {
				return fmt.Errorf("listing pending files: %w", err)
			}
			for i, id := range files {
				select {
				case work <- id:
				case <-ctx.Done():
					for _, rest := range files[i:] {
						q.release(rest)
					}
					return nil
				}
			}
			select {
			case <-q.wake:
			case <-ctx.Done():
				return nil
			}
		}
	})

	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for id := range work {
				q.drain(ctx, id)
			}
			return nil
		})
	}

	q.logger.Info("queue workers started", zap.Int("workers", q.workers))
	return g.Wait()
}

// Settle blocks until no entry can make progress: nothing is being
// processed and every pending file is stalled or the queue is empty. The
// failures of stalled files are returned combined. Without running workers
// Settle processes the queue itself. When ctx ends first the error wraps
// ErrNotSettled.
func (q *Queue) Settle(ctx context.Context) error {
	for {
		q.mu.Lock()
		ch := q.changed
		running := q.running
		q.mu.Unlock()

		var pending []string
		err := q.db.View(func(txn *storage.Txn) error {
			var err error
			pending, err = q.pendingFiles(txn)
			return err
		})
		if err != nil {
			return err
		}

		q.mu.Lock()
		idle := len(q.claimed) == 0
		var failures []error
		var runnable []string
		for _, id := range pending {
			if stall := q.stalled[id]; stall != nil {
				failures = append(failures, stall)
			} else {
				runnable = append(runnable, id)
			}
		}
		q.mu.Unlock()

		if idle && len(runnable) == 0 {
			sort.Slice(failures, func(i, j int) bool { return failures[i].Error() < failures[j].Error() })
			return multierr.Combine(failures...)
		}

		if !running && len(runnable) > 0 {
			for _, id := range runnable {
				if err := q.claim(ctx, id); err != nil {
					return fmt.Errorf("%w: %w", ErrNotSettled, err)
				}
				q.drain(ctx, id)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrNotSettled, ctx.Err())
			}
			continue
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotSettled, ctx.Err())
		}
	}
}
