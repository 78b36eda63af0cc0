package recovery

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/metasync/breaker"
)

// mockClock provides a controllable time source for tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openBreaker(clock *mockClock) *breaker.Breaker {
	b := breaker.NewWithClock(breaker.DefaultConfig(), nil, clock.Now)
	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	return b
}

func TestShouldCheckRecovery_NeverWhileClosed(t *testing.T) {
	clock := newMockClock()
	s := NewSchedulerWithClock(filepath.Join(t.TempDir(), "recovery_state.json"), nil, nil, clock.Now)

	assert.False(t, s.ShouldCheckRecovery(breaker.StateClosed, clock.Now()))
}

func TestShouldCheckRecovery_Throttled(t *testing.T) {
	clock := newMockClock()
	s := NewSchedulerWithClock(filepath.Join(t.TempDir(), "recovery_state.json"), nil, nil, clock.Now)
	cb := openBreaker(clock)

	assert.True(t, s.ShouldCheckRecovery(breaker.StateOpen, clock.Now()))

	s.RecordHealthCheck(false, 10*time.Millisecond, cb, 0)
	assert.False(t, s.ShouldCheckRecovery(breaker.StateOpen, clock.Now()))

	clock.Advance(CheckInterval)
	assert.True(t, s.ShouldCheckRecovery(breaker.StateOpen, clock.Now()))
}

func TestRecordHealthCheck_ClosesHalfOpenCircuit(t *testing.T) {
	clock := newMockClock()
	dir := t.TempDir()
	history := NewHistory(filepath.Join(dir, "outage_history.json"))
	history.RecordOutageStart(clock.Now())

	s := NewSchedulerWithClock(filepath.Join(dir, "recovery_state.json"), history, nil, clock.Now)
	cb := openBreaker(clock)

	clock.Advance(breaker.DefaultRecoveryTimeout)
	require.Equal(t, breaker.StateHalfOpen, cb.CurrentState())

	recovered := s.RecordHealthCheck(true, 25*time.Millisecond, cb, 7)
	assert.True(t, recovered, "closing probe starts the ramp")
	assert.Equal(t, breaker.StateClosed, cb.CurrentState())
	assert.WithinDuration(t, clock.Now(), s.RecoveryStartedAt(), time.Second)

	// the outage record was closed with the affected job count
	records := history.Records()
	require.Len(t, records, 1)
	assert.NotZero(t, records[0].EndedAt)
	assert.Equal(t, 7, records[0].JobsAffected)

	_, successes, failures, recoveries := s.Snapshot()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 1, recoveries)
}

func TestRecordHealthCheck_FailureReopens(t *testing.T) {
	clock := newMockClock()
	s := NewSchedulerWithClock(filepath.Join(t.TempDir(), "recovery_state.json"), nil, nil, clock.Now)
	cb := openBreaker(clock)

	clock.Advance(breaker.DefaultRecoveryTimeout)
	require.Equal(t, breaker.StateHalfOpen, cb.CurrentState())

	recovered := s.RecordHealthCheck(false, 0, cb, 0)
	assert.False(t, recovered)
	assert.Equal(t, breaker.StateOpen, cb.CurrentState())
}

func TestRecordHealthCheck_SuccessWhileOpenDoesNotClose(t *testing.T) {
	clock := newMockClock()
	s := NewSchedulerWithClock(filepath.Join(t.TempDir(), "recovery_state.json"), nil, nil, clock.Now)
	cb := openBreaker(clock)

	// still inside the recovery timeout; the probe result is recorded but
	// the breaker is not driven
	recovered := s.RecordHealthCheck(true, 0, cb, 0)
	assert.False(t, recovered)
	assert.Equal(t, breaker.StateOpen, cb.CurrentState())
}

func TestRecoveryStartedAt_PersistsAndClears(t *testing.T) {
	clock := newMockClock()
	path := filepath.Join(t.TempDir(), "recovery_state.json")

	s := NewSchedulerWithClock(path, nil, nil, clock.Now)
	cb := openBreaker(clock)
	clock.Advance(breaker.DefaultRecoveryTimeout)
	require.True(t, s.RecordHealthCheck(true, 0, cb, 0))

	// a fresh process resumes the ramp from the persisted marker
	reopened := NewSchedulerWithClock(path, nil, nil, clock.Now)
	assert.WithinDuration(t, clock.Now(), reopened.RecoveryStartedAt(), time.Second)

	reopened.ClearRecoveryPeriod()
	assert.True(t, reopened.RecoveryStartedAt().IsZero())

	again := NewSchedulerWithClock(path, nil, nil, clock.Now)
	assert.True(t, again.RecoveryStartedAt().IsZero())
}
