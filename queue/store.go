package queue

import (
	"database/sql"
	"time"

	"github.com/driftline/metasync/errors"
)

// Store handles persistence of sync jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new queue store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateItem inserts a job and commits it as ready. The inited row and the
// ready transition share one transaction so a crash can never leave a
// half-committed item visible to the worker.
func (s *Store) CreateItem(job *SyncJob) (*Item, error) {
	payload, err := job.Marshal()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin enqueue tx")
	}

	res, err := tx.Exec(
		`INSERT INTO sync_queue (status, scene_id, payload, enqueued_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		StatusInited, job.SceneID, payload, job.EnqueuedAt, now,
	)
	if err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "failed to insert job")
	}

	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "failed to read inserted row id")
	}

	if _, err := tx.Exec(
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
		StatusReady, now, id,
	); err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "failed to mark job ready")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit enqueue tx")
	}

	return &Item{ID: id, Status: StatusReady, Job: job, EnqueuedAt: job.EnqueuedAt, UpdatedAt: now}, nil
}

// NextPending atomically claims the oldest ready item, marking it
// in_progress. Returns nil when the queue is empty.
func (s *Store) NextPending() (*Item, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin dequeue tx")
	}

	row := tx.QueryRow(
		`SELECT id, scene_id, payload, enqueued_at, updated_at
		 FROM sync_queue WHERE status = ? ORDER BY id ASC LIMIT 1`,
		StatusReady,
	)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	if _, err := tx.Exec(
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
		StatusInProgress, now, item.ID,
	); err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "failed to mark job in progress")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit dequeue tx")
	}

	item.Status = StatusInProgress
	item.UpdatedAt = now
	return item, nil
}

// setStatus transitions an item to the given terminal or requeue status.
func (s *Store) setStatus(id int64, status Status) error {
	res, err := s.db.Exec(
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set item %d to %s", id, status)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("queue item not found: %d", id)
	}
	return nil
}

// Ack marks an in-progress item completed.
func (s *Store) Ack(item *Item) error {
	return s.setStatus(item.ID, StatusCompleted)
}

// Nack returns an in-progress item to ready.
func (s *Store) Nack(item *Item) error {
	return s.setStatus(item.ID, StatusReady)
}

// Fail marks an in-progress item permanently failed.
func (s *Store) Fail(item *Item) error {
	return s.setStatus(item.ID, StatusFailed)
}

// Replace acks the old row and inserts a fresh ready row carrying the new
// job payload (retry metadata). Both happen in one transaction so a crash
// between them cannot drop the job.
func (s *Store) Replace(old *Item, next *SyncJob) (*Item, error) {
	payload, err := next.Marshal()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin replace tx")
	}

	if _, err := tx.Exec(
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
		StatusCompleted, now, old.ID,
	); err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "failed to retire replaced item")
	}

	res, err := tx.Exec(
		`INSERT INTO sync_queue (status, scene_id, payload, enqueued_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		StatusReady, next.SceneID, payload, next.EnqueuedAt, now,
	)
	if err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "failed to insert retry copy")
	}

	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "failed to read retry row id")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit replace tx")
	}

	return &Item{ID: id, Status: StatusReady, Job: next, EnqueuedAt: next.EnqueuedAt, UpdatedAt: now}, nil
}

// Stats holds per-status row counts.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// GetStats counts rows by status. Inited rows (a crash window of one
// transaction) count as pending.
func (s *Store) GetStats() (*Stats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count queue rows")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		switch status {
		case StatusInited, StatusReady:
			stats.Pending += count
		case StatusInProgress:
			stats.InProgress = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}

	return stats, nil
}

// ActiveSceneIDs returns the scene ids considered active for dedup: rows in
// {inited, ready, in_progress}, plus completed rows whose updated_at falls
// within completedWindow (zero window excludes completed rows). This is the
// authoritative duplicate filter across invocations.
func (s *Store) ActiveSceneIDs(completedWindow time.Duration) (map[uint64]struct{}, error) {
	active := make(map[uint64]struct{})

	rows, err := s.db.Query(
		`SELECT DISTINCT scene_id FROM sync_queue WHERE status IN (?, ?, ?)`,
		StatusInited, StatusReady, StatusInProgress,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query active scene ids")
	}
	if err := collectSceneIDs(rows, active); err != nil {
		return nil, err
	}

	if completedWindow > 0 {
		cutoff := time.Now().Add(-completedWindow)
		rows, err := s.db.Query(
			`SELECT DISTINCT scene_id FROM sync_queue WHERE status = ? AND updated_at > ?`,
			StatusCompleted, cutoff,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to query recently completed scene ids")
		}
		if err := collectSceneIDs(rows, active); err != nil {
			return nil, err
		}
	}

	return active, nil
}

func collectSceneIDs(rows *sql.Rows, into map[uint64]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		var sceneID uint64
		if err := rows.Scan(&sceneID); err != nil {
			return errors.Wrap(err, "failed to scan scene id")
		}
		into[sceneID] = struct{}{}
	}
	return errors.Wrap(rows.Err(), "error iterating scene ids")
}

// PrunePending deletes all non-terminal rows. In-progress rows from a
// previous session are orphans here: the user asked for a clear, so they
// must not auto-resume on the next start.
func (s *Store) PrunePending() (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM sync_queue WHERE status IN (?, ?, ?)`,
		StatusInited, StatusReady, StatusInProgress,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune pending jobs")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// CleanupCompleted removes terminal rows older than the given age.
func (s *Store) CleanupCompleted(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.Exec(
		`DELETE FROM sync_queue WHERE status IN (?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// OrphanedInProgress returns items left in_progress by a previous session.
func (s *Store) OrphanedInProgress(limit int) ([]*Item, error) {
	rows, err := s.db.Query(
		`SELECT id, scene_id, payload, enqueued_at, updated_at
		 FROM sync_queue WHERE status = ? ORDER BY id ASC LIMIT ?`,
		StatusInProgress, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list in-progress jobs")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		item.Status = StatusInProgress
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating in-progress jobs")
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		id         int64
		sceneID    uint64
		payload    []byte
		enqueuedAt time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&id, &sceneID, &payload, &enqueuedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan queue item")
	}

	job, err := UnmarshalJob(payload)
	if err != nil {
		return nil, err
	}

	return &Item{ID: id, Job: job, EnqueuedAt: enqueuedAt, UpdatedAt: updatedAt}, nil
}
