// Package dlq stores jobs that exhausted their retries or failed
// permanently. Entries carry the full job snapshot so they can be inspected
// or selectively re-enqueued later.
package dlq

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/queue"
)

// Entry is one dead-lettered job.
type Entry struct {
	ID           string     `json:"id"`
	JobID        int64      `json:"job_id"`
	SceneID      uint64     `json:"scene_id"`
	JobData      []byte     `json:"job_data,omitempty"`
	ErrorType    fault.Kind `json:"error_type"`
	ErrorMessage string     `json:"error_message"`
	StackTrace   string     `json:"stack_trace,omitempty"`
	RetryCount   int        `json:"retry_count"`
	FailedAt     time.Time  `json:"failed_at"`
}

// The error_type column stores class-style names so dead letters read the
// same in the database and in host-facing reports.
var errorTypeNames = map[fault.Kind]string{
	fault.KindTransient:  "TransientError",
	fault.KindPermanent:  "PermanentError",
	fault.KindNotFound:   "NotFoundError",
	fault.KindServerDown: "ServerDownError",
}

func errorTypeName(kind fault.Kind) string {
	if name, ok := errorTypeNames[kind]; ok {
		return name
	}
	return "TransientError"
}

func kindFromErrorType(name string) fault.Kind {
	for kind, n := range errorTypeNames {
		if n == name {
			return kind
		}
	}
	// older rows stored the kind string directly
	return fault.Kind(name)
}

// Store handles persistence of dead letters
type Store struct {
	db *sql.DB
}

// NewStore creates a dead-letter store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Add dead-letters a job with its final error.
func (s *Store) Add(item *queue.Item, kind fault.Kind, cause error, retryCount int) (*Entry, error) {
	payload, err := item.Job.Marshal()
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:           uuid.NewString(),
		JobID:        item.ID,
		SceneID:      item.Job.SceneID,
		JobData:      payload,
		ErrorType:    kind,
		ErrorMessage: cause.Error(),
		RetryCount:   retryCount,
		FailedAt:     time.Now(),
	}
	if trace := errors.GetStack(cause); trace != nil {
		entry.StackTrace = fmt.Sprintf("%+v", cause)
	}

	_, err = s.db.Exec(
		`INSERT INTO dead_letters (id, job_id, scene_id, job_data, error_type, error_message, stack_trace, retry_count, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, entry.SceneID, entry.JobData,
		errorTypeName(kind), entry.ErrorMessage, entry.StackTrace,
		entry.RetryCount, entry.FailedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to add dead letter")
		err = errors.WithDetailf(err, "Scene ID: %d", entry.SceneID)
		return nil, err
	}

	return entry, nil
}

// Count returns the number of dead letters.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count dead letters")
	}
	return count, nil
}

// Recent returns the newest entries, up to limit.
func (s *Store) Recent(limit int) ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, scene_id, job_data, error_type, error_message, stack_trace, retry_count, failed_at
		 FROM dead_letters ORDER BY failed_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// FailedSince returns entries that failed at or after the given time.
// Used by outage-job recovery to find what an outage dead-lettered.
func (s *Store) FailedSince(since time.Time) ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, scene_id, job_data, error_type, error_message, stack_trace, retry_count, failed_at
		 FROM dead_letters WHERE failed_at >= ? ORDER BY failed_at ASC`,
		since,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters since cutoff")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Delete removes one entry by id.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete dead letter")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("dead letter not found: %s", id)
	}
	return nil
}

// Clear removes all entries and returns how many were deleted.
func (s *Store) Clear() (int, error) {
	res, err := s.db.Exec(`DELETE FROM dead_letters`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear dead letters")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// PruneOlderThan deletes entries past the retention window.
func (s *Store) PruneOlderThan(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.Exec(`DELETE FROM dead_letters WHERE failed_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune dead letters")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var errorType string
		if err := rows.Scan(
			&entry.ID, &entry.JobID, &entry.SceneID, &entry.JobData,
			&errorType, &entry.ErrorMessage, &entry.StackTrace,
			&entry.RetryCount, &entry.FailedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan dead letter")
		}
		entry.ErrorType = kindFromErrorType(errorType)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating dead letters")
	}
	return entries, nil
}
