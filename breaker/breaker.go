// Package breaker implements the circuit breaker that suspends outbound
// target calls after consecutive failures. State is persisted so two plugin
// processes sharing one data directory observe each other's outages; the
// save is guarded by a non-blocking advisory file lock and skipped on
// contention (in-memory state stays authoritative per process).
package breaker

import (
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/driftline/metasync/statefile"
)

// State of the circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults per the outage-resilience contract.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 1
	DefaultRecoveryTimeout  = 60 * time.Second
)

// persistedState is the JSON shape written to disk.
type persistedState struct {
	State        State   `json:"state"`
	FailureCount int     `json:"failure_count"`
	SuccessCount int     `json:"success_count"`
	OpenedAt     float64 `json:"opened_at,omitempty"` // unix seconds, 0 = not open
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	StatePath        string // empty disables persistence
}

// DefaultConfig returns production thresholds without persistence.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

// Breaker is the three-state circuit machine.
//
// Invariants: failureCount is zeroed at the Closed→Open transition, and
// openedAt is non-zero exactly while the state is Open or HalfOpen.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	timeNow func() time.Time
	logger  *zap.SugaredLogger
}

// New creates a breaker, rehydrating persisted state when a state path is
// configured.
func New(cfg Config, logger *zap.SugaredLogger) *Breaker {
	return NewWithClock(cfg, logger, time.Now)
}

// NewWithClock creates a breaker with an injectable clock (for tests).
func NewWithClock(cfg Config, logger *zap.SugaredLogger, timeNow func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}

	b := &Breaker{
		cfg:     cfg,
		state:   StateClosed,
		timeNow: timeNow,
		logger:  logger,
	}

	if cfg.StatePath != "" {
		var saved persistedState
		if statefile.Load(cfg.StatePath, &saved) {
			b.state = saved.State
			b.failureCount = saved.FailureCount
			b.successCount = saved.SuccessCount
			if saved.OpenedAt > 0 {
				b.openedAt = time.Unix(int64(saved.OpenedAt), 0)
			}
		}
	}

	return b
}

// CanExecute reports whether an outbound call is allowed. The lazy
// Open→HalfOpen transition happens here, driven by elapsed time rather than
// an in-process timer, because the plugin may not be alive when the
// recovery timeout passes.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked() != StateOpen
}

// CurrentState returns the state after the lazy half-open check.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && b.timeNow().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.successCount = 0
		b.logTransition(StateOpen, StateHalfOpen)
		b.saveLocked()
	}
	return b.state
}

// RecordSuccess feeds a successful call into the machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case StateClosed:
		if b.failureCount != 0 {
			b.failureCount = 0
			b.saveLocked()
		}
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.openedAt = time.Time{}
			b.logTransition(StateHalfOpen, StateClosed)
		}
		b.saveLocked()
	}
}

// RecordFailure feeds a failed call into the machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.failureCount = 0
			b.successCount = 0
			b.openedAt = b.timeNow()
			b.logTransition(StateClosed, StateOpen)
		}
		b.saveLocked()
	case StateHalfOpen:
		b.state = StateOpen
		b.failureCount = 0
		b.successCount = 0
		b.openedAt = b.timeNow()
		b.logTransition(StateHalfOpen, StateOpen)
		b.saveLocked()
	}
}

// Snapshot returns the current counters for status reporting.
func (b *Breaker) Snapshot() (state State, failures int, successes int, openedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state = b.currentStateLocked()
	return state, b.failureCount, b.successCount, b.openedAt
}

// OpenedAt returns when the current outage started (zero when closed).
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

func (b *Breaker) logTransition(from, to State) {
	if b.logger != nil {
		b.logger.Infow("Circuit breaker state change", "from", string(from), "to", string(to))
	}
}

// saveLocked persists state under the advisory lock. A held lock means
// another process is mid-save; skipping is safe because each process trusts
// its own in-memory state and last-writer-wins is acceptable on disk.
func (b *Breaker) saveLocked() {
	if b.cfg.StatePath == "" {
		return
	}

	lock := flock.New(b.cfg.StatePath + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		if b.logger != nil {
			b.logger.Debugw("Circuit breaker save skipped, lock contended", "path", b.cfg.StatePath)
		}
		return
	}
	defer lock.Unlock()

	saved := persistedState{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.openedAt.IsZero() {
		saved.OpenedAt = float64(b.openedAt.Unix())
	}

	if err := statefile.Save(b.cfg.StatePath, &saved); err != nil && b.logger != nil {
		b.logger.Warnw("Failed to persist circuit breaker state", "error", err)
	}
}
