// Package queue provides the durable sync job queue. Jobs are persisted in
// SQLite; retry state lives inside the job payload so it survives process
// restarts without a separate bookkeeping table.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/fault"
)

// UpdateType identifies what a sync job carries.
type UpdateType string

const (
	// UpdateTypeMetadata is a curated-metadata write to the target.
	UpdateTypeMetadata UpdateType = "metadata"
)

// Status is the persisted state of a queue item.
type Status string

const (
	StatusInited     Status = "inited"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusInited, StatusReady, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// SyncJob is the queue payload. Identity is SceneID: at most one job per
// scene may occupy {ready, in_progress} at any time, enforced by the
// enqueuer via ActiveSceneIDs.
type SyncJob struct {
	SceneID       uint64                 `json:"scene_id"`
	UpdateType    UpdateType             `json:"update_type"`
	Data          map[string]interface{} `json:"data,omitempty"`
	EnqueuedAt    time.Time              `json:"enqueued_at"`
	JobKey        string                 `json:"job_key"`
	RetryCount    int                    `json:"retry_count,omitempty"`
	NextRetryAt   time.Time              `json:"next_retry_at,omitempty"`
	LastErrorKind fault.Kind             `json:"last_error_kind,omitempty"`
}

// NewSyncJob creates a metadata sync job for a scene.
func NewSyncJob(sceneID uint64, data map[string]interface{}) *SyncJob {
	return &SyncJob{
		SceneID:    sceneID,
		UpdateType: UpdateTypeMetadata,
		Data:       data,
		EnqueuedAt: time.Now(),
		JobKey:     JobKey(sceneID),
	}
}

// JobKey renders the canonical dedup key for a scene.
func JobKey(sceneID uint64) string {
	return fmt.Sprintf("scene:%d", sceneID)
}

// PrepareForRetry returns a copy of the job carrying updated retry metadata.
// The original is left untouched; the underlying queue row is replaced, not
// mutated, because in-flight items do not support in-place mutation.
func (j *SyncJob) PrepareForRetry(kind fault.Kind, delay time.Duration, now time.Time) *SyncJob {
	next := *j
	next.RetryCount = j.RetryCount + 1
	next.NextRetryAt = now.Add(delay)
	next.LastErrorKind = kind
	return &next
}

// ReadyForRetry reports whether the job's backoff window has elapsed.
func (j *SyncJob) ReadyForRetry(now time.Time) bool {
	return j.NextRetryAt.IsZero() || !now.Before(j.NextRetryAt)
}

// Marshal serialises the job for storage.
func (j *SyncJob) Marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal sync job")
	}
	return data, nil
}

// UnmarshalJob deserialises a stored job payload.
func UnmarshalJob(data []byte) (*SyncJob, error) {
	var job SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal sync job")
	}
	return &job, nil
}

// Item wraps a SyncJob with its persisted queue row.
type Item struct {
	ID         int64
	Status     Status
	Job        *SyncJob
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}
