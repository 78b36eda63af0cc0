package reconcile

import (
	"sync"
	"time"

	"github.com/driftline/metasync/statefile"
)

// startupDueAfter is the minimum gap before a startup reconciliation fires
// again.
const startupDueAfter = time.Hour

// State is the persisted reconciliation bookkeeping.
type State struct {
	LastRunTime       float64        `json:"last_run_time"` // unix seconds, 0 = never
	LastRunScope      string         `json:"last_run_scope,omitempty"`
	LastGapsFound     int            `json:"last_gaps_found"`
	LastGapsByKind    map[string]int `json:"last_gaps_by_kind,omitempty"`
	LastEnqueued      int            `json:"last_enqueued"`
	LastScenesChecked int            `json:"last_scenes_checked"`
	IsStartupRun      bool           `json:"is_startup_run"`
	RunCount          int            `json:"run_count"`
}

// Scheduler decides when auto-reconciliation is due. Like the recovery
// scheduler it is check-on-invocation: due-ness is computed from persisted
// timestamps, never from an in-process timer.
type Scheduler struct {
	mu      sync.Mutex
	path    string
	state   State
	timeNow func() time.Time
}

// NewScheduler loads scheduler state from path.
func NewScheduler(path string) *Scheduler {
	return NewSchedulerWithClock(path, time.Now)
}

// NewSchedulerWithClock creates a scheduler with an injectable clock.
func NewSchedulerWithClock(path string, timeNow func() time.Time) *Scheduler {
	s := &Scheduler{path: path, timeNow: timeNow}
	statefile.Load(path, &s.state)
	return s
}

// IsStartupDue reports whether the startup reconciliation should run: true
// when never run, or when the last run is at least an hour old.
func (s *Scheduler) IsStartupDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.LastRunTime == 0 {
		return true
	}
	last := time.Unix(int64(s.state.LastRunTime), 0)
	return s.timeNow().Sub(last) >= startupDueAfter
}

// IsDue reports whether a periodic run is due for the configured interval.
// "never" is never due.
func (s *Scheduler) IsDue(interval string) bool {
	var every time.Duration
	switch interval {
	case "hourly":
		every = time.Hour
	case "daily":
		every = 24 * time.Hour
	case "weekly":
		every = 7 * 24 * time.Hour
	default:
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.LastRunTime == 0 {
		return true
	}
	last := time.Unix(int64(s.state.LastRunTime), 0)
	return s.timeNow().Sub(last) >= every
}

// RecordRun persists the outcome of a reconciliation run.
func (s *Scheduler) RecordRun(report *Report, isStartup bool) {
	s.mu.Lock()

	s.state.LastRunTime = float64(s.timeNow().Unix())
	s.state.LastRunScope = string(report.Scope)
	s.state.LastGapsFound = report.GapsFound
	s.state.LastEnqueued = report.Enqueued
	s.state.LastScenesChecked = report.ScenesChecked
	s.state.IsStartupRun = isStartup
	s.state.RunCount++

	s.state.LastGapsByKind = make(map[string]int, len(report.GapsByKind))
	for kind, count := range report.GapsByKind {
		s.state.LastGapsByKind[string(kind)] = count
	}

	saved := s.state
	s.mu.Unlock()

	statefile.Save(s.path, &saved)
}

// Snapshot returns a copy of the persisted state for status reporting.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.state
	out.LastGapsByKind = make(map[string]int, len(s.state.LastGapsByKind))
	for k, v := range s.state.LastGapsByKind {
		out.LastGapsByKind[k] = v
	}
	return out
}
