// Package stats accumulates sync counters across invocations. Saves merge
// into whatever is already on disk, so counters from a concurrent process
// are summed rather than clobbered and the original session start survives.
package stats

import (
	"sync"
	"time"

	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/statefile"
)

// Confidence mirrors the matcher's result quality for reporting.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Counters is the persisted shape.
type Counters struct {
	JobsProcessed         int            `json:"jobs_processed"`
	JobsSucceeded         int            `json:"jobs_succeeded"`
	JobsFailed            int            `json:"jobs_failed"`
	JobsToDLQ             int            `json:"jobs_to_dlq"`
	TotalProcessingTime   float64        `json:"total_processing_time"` // seconds
	ErrorsByKind          map[string]int `json:"errors_by_kind,omitempty"`
	HighConfidenceMatches int            `json:"high_confidence_matches"`
	LowConfidenceMatches  int            `json:"low_confidence_matches"`
	SessionStart          float64        `json:"session_start"` // unix seconds
}

// Tracker accumulates counters in memory; the worker is the single writer.
type Tracker struct {
	mu       sync.Mutex
	path     string
	counters Counters
}

// NewTracker creates a tracker for the given stats file.
func NewTracker(path string) *Tracker {
	return &Tracker{
		path: path,
		counters: Counters{
			ErrorsByKind: make(map[string]int),
			SessionStart: float64(time.Now().Unix()),
		},
	}
}

// RecordSuccess counts a completed job.
func (t *Tracker) RecordSuccess(elapsed time.Duration, confidence Confidence) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters.JobsProcessed++
	t.counters.JobsSucceeded++
	t.counters.TotalProcessingTime += elapsed.Seconds()
	switch confidence {
	case ConfidenceHigh:
		t.counters.HighConfidenceMatches++
	case ConfidenceLow:
		t.counters.LowConfidenceMatches++
	}
}

// RecordFailure counts a failed job; toDLQ marks terminal failures.
func (t *Tracker) RecordFailure(kind fault.Kind, elapsed time.Duration, toDLQ bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters.JobsProcessed++
	t.counters.JobsFailed++
	t.counters.TotalProcessingTime += elapsed.Seconds()
	t.counters.ErrorsByKind[kind.String()]++
	if toDLQ {
		t.counters.JobsToDLQ++
	}
}

// Snapshot returns a copy of the in-memory counters.
func (t *Tracker) Snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

func (t *Tracker) copyLocked() Counters {
	out := t.counters
	out.ErrorsByKind = make(map[string]int, len(t.counters.ErrorsByKind))
	for k, v := range t.counters.ErrorsByKind {
		out.ErrorsByKind[k] = v
	}
	return out
}

// AverageJobSeconds estimates per-job processing time for drain-wait
// computation. A fresh session falls back to the persisted cumulative
// counters; zero when no job has ever been processed.
func (t *Tracker) AverageJobSeconds() float64 {
	t.mu.Lock()
	processed := t.counters.JobsProcessed
	total := t.counters.TotalProcessingTime
	t.mu.Unlock()

	if processed == 0 {
		c := t.LoadCumulative()
		processed = c.JobsProcessed
		total = c.TotalProcessingTime
	}
	if processed == 0 {
		return 0
	}
	return total / float64(processed)
}

// Save merges the in-memory counters into the stats file and resets the
// in-memory deltas so a later save does not double-count.
func (t *Tracker) Save() error {
	t.mu.Lock()
	delta := t.copyLocked()
	t.counters = Counters{
		ErrorsByKind: make(map[string]int),
		SessionStart: t.counters.SessionStart,
	}
	t.mu.Unlock()

	existing := Counters{ErrorsByKind: make(map[string]int)}
	found := statefile.Load(t.path, &existing)

	merged := delta
	if found {
		merged.JobsProcessed += existing.JobsProcessed
		merged.JobsSucceeded += existing.JobsSucceeded
		merged.JobsFailed += existing.JobsFailed
		merged.JobsToDLQ += existing.JobsToDLQ
		merged.TotalProcessingTime += existing.TotalProcessingTime
		merged.HighConfidenceMatches += existing.HighConfidenceMatches
		merged.LowConfidenceMatches += existing.LowConfidenceMatches
		for k, v := range existing.ErrorsByKind {
			if merged.ErrorsByKind == nil {
				merged.ErrorsByKind = make(map[string]int)
			}
			merged.ErrorsByKind[k] += v
		}
		if existing.SessionStart > 0 && existing.SessionStart < merged.SessionStart {
			merged.SessionStart = existing.SessionStart
		}
	}

	return statefile.Save(t.path, &merged)
}

// LoadCumulative reads the persisted cumulative counters without touching
// in-memory state (status reporting).
func (t *Tracker) LoadCumulative() Counters {
	out := Counters{ErrorsByKind: make(map[string]int)}
	statefile.Load(t.path, &out)
	return out
}
