// Package recovery decides when to probe the target during an outage and
// records outage history for MTTR/MTBF reporting.
package recovery

import (
	"sync"
	"time"

	"github.com/driftline/metasync/statefile"
)

// MaxOutageRecords bounds the history FIFO.
const MaxOutageRecords = 30

// OutageRecord is one outage window. EndedAt of zero marks the in-progress
// outage; at most one such record exists.
type OutageRecord struct {
	StartedAt    float64 `json:"started_at"`              // unix seconds
	EndedAt      float64 `json:"ended_at,omitempty"`      // 0 = ongoing
	Duration     float64 `json:"duration,omitempty"`      // seconds
	JobsAffected int     `json:"jobs_affected,omitempty"`
}

// History is a bounded FIFO of outage records, persisted after every
// mutation.
type History struct {
	mu      sync.Mutex
	path    string
	records []OutageRecord
}

// NewHistory loads history from the given path (missing file = empty).
func NewHistory(path string) *History {
	h := &History{path: path}
	var saved struct {
		Records []OutageRecord `json:"records"`
	}
	if statefile.Load(path, &saved) {
		h.records = saved.Records
	}
	return h
}

// RecordOutageStart appends a new open record. A second start while one is
// already open is ignored; the circuit can only open once per outage.
func (h *History) RecordOutageStart(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.openIndexLocked() >= 0 {
		return
	}

	h.records = append(h.records, OutageRecord{StartedAt: float64(t.Unix())})
	if len(h.records) > MaxOutageRecords {
		h.records = h.records[len(h.records)-MaxOutageRecords:]
	}
	h.saveLocked()
}

// RecordOutageEnd closes the open record, filling duration and the number of
// jobs that waited out the outage. No-op when no outage is open.
func (h *History) RecordOutageEnd(t time.Time, jobsAffected int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.openIndexLocked()
	if idx < 0 {
		return
	}

	end := float64(t.Unix())
	h.records[idx].EndedAt = end
	h.records[idx].Duration = end - h.records[idx].StartedAt
	h.records[idx].JobsAffected = jobsAffected
	h.saveLocked()
}

// Records returns a copy of the history, oldest first.
func (h *History) Records() []OutageRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]OutageRecord, len(h.records))
	copy(out, h.records)
	return out
}

func (h *History) openIndexLocked() int {
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].EndedAt == 0 {
			return i
		}
	}
	return -1
}

func (h *History) saveLocked() {
	saved := struct {
		Records []OutageRecord `json:"records"`
	}{Records: h.records}
	statefile.Save(h.path, &saved)
}

// Metrics summarises a record list.
type Metrics struct {
	Outages         int     `json:"outages"`
	MTTRSeconds     float64 `json:"mttr_seconds"`
	MTBFSeconds     float64 `json:"mtbf_seconds"`
	Availability    float64 `json:"availability"`
	OngoingOutage   bool    `json:"ongoing_outage"`
	TotalJobsWaited int     `json:"total_jobs_affected"`
}

// ComputeMetrics derives MTTR (mean closed-record duration), MTBF (mean gap
// between an outage's end and the next outage's start), and availability
// (1 - outage time / wallclock span) over the given records.
func ComputeMetrics(records []OutageRecord, now time.Time) Metrics {
	m := Metrics{}
	if len(records) == 0 {
		m.Availability = 1.0
		return m
	}

	var totalDuration float64
	var closed int
	for _, rec := range records {
		if rec.EndedAt == 0 {
			m.OngoingOutage = true
			totalDuration += float64(now.Unix()) - rec.StartedAt
			continue
		}
		closed++
		totalDuration += rec.Duration
		m.TotalJobsWaited += rec.JobsAffected
	}
	m.Outages = len(records)

	if closed > 0 {
		var sum float64
		for _, rec := range records {
			if rec.EndedAt != 0 {
				sum += rec.Duration
			}
		}
		m.MTTRSeconds = sum / float64(closed)
	}

	// MTBF over consecutive record pairs
	var gaps float64
	var gapCount int
	for i := 0; i+1 < len(records); i++ {
		if records[i].EndedAt == 0 {
			continue
		}
		gaps += records[i+1].StartedAt - records[i].EndedAt
		gapCount++
	}
	if gapCount > 0 {
		m.MTBFSeconds = gaps / float64(gapCount)
	}

	span := float64(now.Unix()) - records[0].StartedAt
	if span > 0 {
		availability := 1.0 - totalDuration/span
		if availability < 0 {
			availability = 0
		}
		m.Availability = availability
	} else {
		m.Availability = 1.0
	}

	return m
}
