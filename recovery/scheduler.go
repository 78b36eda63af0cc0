package recovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/metasync/breaker"
	"github.com/driftline/metasync/statefile"
)

// CheckInterval is the minimum gap between health probes while the circuit
// is not closed.
const CheckInterval = 5 * time.Second

// schedulerState is the persisted shape.
type schedulerState struct {
	LastCheckTime        float64 `json:"last_check_time"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	LastRecoveryTime     float64 `json:"last_recovery_time"`
	RecoveryCount        int     `json:"recovery_count"`
	RecoveryStartedAt    float64 `json:"recovery_started_at"` // 0 = not in post-recovery ramp
}

// Scheduler gates deep health probes and drives circuit-breaker transitions
// from their results. It is check-on-invocation: no in-process wallclock is
// assumed between host invocations, so all due-ness is computed from
// persisted timestamps.
type Scheduler struct {
	mu      sync.Mutex
	path    string
	state   schedulerState
	history *History
	timeNow func() time.Time
	logger  *zap.SugaredLogger
}

// NewScheduler loads scheduler state from path. history may be nil.
func NewScheduler(path string, history *History, logger *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithClock(path, history, logger, time.Now)
}

// NewSchedulerWithClock creates a scheduler with an injectable clock.
func NewSchedulerWithClock(path string, history *History, logger *zap.SugaredLogger, timeNow func() time.Time) *Scheduler {
	s := &Scheduler{path: path, history: history, timeNow: timeNow, logger: logger}
	statefile.Load(path, &s.state)
	return s
}

// ShouldCheckRecovery reports whether a deep probe is due. Never while the
// circuit is closed; otherwise at most once per CheckInterval.
func (s *Scheduler) ShouldCheckRecovery(circuitState breaker.State, now time.Time) bool {
	if circuitState == breaker.StateClosed {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last := time.Unix(int64(s.state.LastCheckTime), 0)
	return now.Sub(last) >= CheckInterval
}

// RecordHealthCheck feeds a probe result into the scheduler and, when the
// circuit is half-open, into the breaker. Returns true when this check
// closed the circuit (the caller starts the rate-limiter ramp on that
// signal).
func (s *Scheduler) RecordHealthCheck(success bool, latency time.Duration, cb *breaker.Breaker, jobsAffected int) (recovered bool) {
	now := s.timeNow()

	s.mu.Lock()
	s.state.LastCheckTime = float64(now.Unix())
	if success {
		s.state.ConsecutiveSuccesses++
		s.state.ConsecutiveFailures = 0
	} else {
		s.state.ConsecutiveFailures++
		s.state.ConsecutiveSuccesses = 0
	}
	s.mu.Unlock()

	wasHalfOpen := cb.CurrentState() == breaker.StateHalfOpen
	if wasHalfOpen {
		if success {
			cb.RecordSuccess()
		} else {
			cb.RecordFailure()
		}
	}

	if wasHalfOpen && success && cb.CurrentState() == breaker.StateClosed {
		s.mu.Lock()
		s.state.RecoveryCount++
		s.state.LastRecoveryTime = float64(now.Unix())
		s.state.RecoveryStartedAt = float64(now.Unix())
		s.mu.Unlock()

		if s.history != nil {
			s.history.RecordOutageEnd(now, jobsAffected)
		}
		if s.logger != nil {
			s.logger.Infow("Target recovered, circuit closed",
				"probe_latency_ms", latency.Milliseconds(),
				"recovery_count", s.recoveryCount())
		}
		recovered = true
	}

	s.save()
	return recovered
}

// RecoveryStartedAt returns when the post-recovery ramp began, or zero time
// when no ramp is active.
func (s *Scheduler) RecoveryStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.RecoveryStartedAt == 0 {
		return time.Time{}
	}
	return time.Unix(int64(s.state.RecoveryStartedAt), 0)
}

// ClearRecoveryPeriod zeroes the ramp marker once the ramp duration has
// fully elapsed.
func (s *Scheduler) ClearRecoveryPeriod() {
	s.mu.Lock()
	s.state.RecoveryStartedAt = 0
	s.mu.Unlock()
	s.save()
}

// Snapshot returns counters for status reporting.
func (s *Scheduler) Snapshot() (lastCheck time.Time, successes, failures, recoveries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Unix(int64(s.state.LastCheckTime), 0),
		s.state.ConsecutiveSuccesses,
		s.state.ConsecutiveFailures,
		s.state.RecoveryCount
}

func (s *Scheduler) recoveryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RecoveryCount
}

func (s *Scheduler) save() {
	s.mu.Lock()
	saved := s.state
	s.mu.Unlock()
	statefile.Save(s.path, &saved)
}
