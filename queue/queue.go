package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/driftline/metasync/errors"
)

const (
	// pendingPollInterval is how often GetPending re-checks an empty queue
	// while its timeout has not elapsed.
	pendingPollInterval = 250 * time.Millisecond
)

// Queue is the durable job queue shared between the dispatcher (enqueue,
// read-only stats) and the worker (dequeue, ack, nack, fail).
type Queue struct {
	store *Store
	mu    sync.Mutex
}

// NewQueue creates a queue over the given database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{store: NewStore(db)}
}

// Enqueue adds a job to the queue. Dedup against active scenes is the
// caller's responsibility (hook fast path and reconciliation enqueuer both
// check ActiveSceneIDs first).
func (q *Queue) Enqueue(job *SyncJob) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.store.CreateItem(job)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetailf(err, "Job key: %s", job.JobKey)
		return nil, err
	}
	return item, nil
}

// GetPending blocks until a ready item is claimed or the timeout elapses.
// Returns nil when the queue stayed empty. Context cancellation aborts the
// wait early.
func (q *Queue) GetPending(ctx context.Context, timeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		item, err := q.store.NextPending()
		q.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(err, "failed to claim pending job")
		}
		if item != nil {
			return item, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pendingPollInterval):
		}
	}
}

// Ack marks the item completed.
func (q *Queue) Ack(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Ack(item)
}

// Nack returns the item to ready so a later dequeue picks it up again.
func (q *Queue) Nack(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Nack(item)
}

// Fail marks the item permanently failed.
func (q *Queue) Fail(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Fail(item)
}

// RequeueWithRetry retires the in-progress item and inserts a fresh ready
// copy carrying the retry metadata in next.
func (q *Queue) RequeueWithRetry(item *Item, next *SyncJob) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	replaced, err := q.store.Replace(item, next)
	if err != nil {
		err = errors.Wrap(err, "failed to requeue job with retry metadata")
		err = errors.WithDetailf(err, "Job key: %s", next.JobKey)
		err = errors.WithDetailf(err, "Retry count: %d", next.RetryCount)
		return nil, err
	}
	return replaced, nil
}

// GetStats returns per-status counts.
func (q *Queue) GetStats() (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.GetStats()
}

// ActiveSceneIDs returns the authoritative dedup set; see Store.ActiveSceneIDs.
func (q *Queue) ActiveSceneIDs(completedWindow time.Duration) (map[uint64]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ActiveSceneIDs(completedWindow)
}

// PrunePending deletes all non-terminal rows (admin clear).
func (q *Queue) PrunePending() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.PrunePending()
}

// CleanupCompleted removes terminal rows older than the given age.
func (q *Queue) CleanupCompleted(olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.CleanupCompleted(olderThan)
}

// RecoverOrphans returns in_progress rows from a previous session to ready
// so the worker auto-resumes them. Returns the number recovered.
func (q *Queue) RecoverOrphans(limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	orphans, err := q.store.OrphanedInProgress(limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, item := range orphans {
		if err := q.store.Nack(item); err != nil {
			return recovered, errors.Wrapf(err, "failed to recover orphaned item %d", item.ID)
		}
		recovered++
	}
	return recovered, nil
}
