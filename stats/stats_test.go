package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/metasync/fault"
)

func TestTracker_RecordAndSnapshot(t *testing.T) {
	tr := NewTracker(filepath.Join(t.TempDir(), "stats.json"))

	tr.RecordSuccess(2*time.Second, ConfidenceHigh)
	tr.RecordSuccess(4*time.Second, ConfidenceLow)
	tr.RecordFailure(fault.KindTransient, time.Second, false)
	tr.RecordFailure(fault.KindPermanent, time.Second, true)

	snap := tr.Snapshot()
	assert.Equal(t, 4, snap.JobsProcessed)
	assert.Equal(t, 2, snap.JobsSucceeded)
	assert.Equal(t, 2, snap.JobsFailed)
	assert.Equal(t, 1, snap.JobsToDLQ)
	assert.Equal(t, 1, snap.HighConfidenceMatches)
	assert.Equal(t, 1, snap.LowConfidenceMatches)
	assert.Equal(t, 1, snap.ErrorsByKind["transient"])
	assert.Equal(t, 1, snap.ErrorsByKind["permanent"])
	assert.InDelta(t, 8.0, snap.TotalProcessingTime, 1e-9)
	assert.NotZero(t, snap.SessionStart)
}

func TestTracker_AverageJobSeconds(t *testing.T) {
	tr := NewTracker(filepath.Join(t.TempDir(), "stats.json"))
	assert.Zero(t, tr.AverageJobSeconds())

	tr.RecordSuccess(2*time.Second, ConfidenceHigh)
	tr.RecordSuccess(6*time.Second, ConfidenceHigh)
	assert.InDelta(t, 4.0, tr.AverageJobSeconds(), 1e-9)
}

func TestTracker_AverageJobSecondsSeedsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	previous := NewTracker(path)
	previous.RecordSuccess(3*time.Second, ConfidenceHigh)
	previous.RecordSuccess(5*time.Second, ConfidenceHigh)
	require.NoError(t, previous.Save())

	// a fresh invocation has no in-memory history yet
	tr := NewTracker(path)
	assert.InDelta(t, 4.0, tr.AverageJobSeconds(), 1e-9)

	// the current session takes over once it has data
	tr.RecordSuccess(10*time.Second, ConfidenceHigh)
	assert.InDelta(t, 10.0, tr.AverageJobSeconds(), 1e-9)
}

func TestTracker_SaveMergesIntoExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	first := NewTracker(path)
	first.RecordSuccess(time.Second, ConfidenceHigh)
	first.RecordFailure(fault.KindNotFound, time.Second, false)
	require.NoError(t, first.Save())

	second := NewTracker(path)
	second.RecordSuccess(time.Second, ConfidenceLow)
	second.RecordFailure(fault.KindNotFound, time.Second, true)
	require.NoError(t, second.Save())

	cumulative := second.LoadCumulative()
	assert.Equal(t, 4, cumulative.JobsProcessed)
	assert.Equal(t, 2, cumulative.JobsSucceeded)
	assert.Equal(t, 2, cumulative.JobsFailed)
	assert.Equal(t, 1, cumulative.JobsToDLQ)
	assert.Equal(t, 2, cumulative.ErrorsByKind["not_found"])
	assert.Equal(t, 1, cumulative.HighConfidenceMatches)
	assert.Equal(t, 1, cumulative.LowConfidenceMatches)
}

func TestTracker_SaveResetsDelta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	tr := NewTracker(path)

	tr.RecordSuccess(time.Second, ConfidenceHigh)
	require.NoError(t, tr.Save())
	require.NoError(t, tr.Save()) // second save must not double-count

	cumulative := tr.LoadCumulative()
	assert.Equal(t, 1, cumulative.JobsProcessed)

	// session start survives the reset
	assert.NotZero(t, tr.Snapshot().SessionStart)
}

func TestTracker_EarliestSessionStartWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	first := NewTracker(path)
	firstStart := first.Snapshot().SessionStart
	first.RecordSuccess(time.Second, ConfidenceHigh)
	require.NoError(t, first.Save())

	second := NewTracker(path)
	second.RecordSuccess(time.Second, ConfidenceHigh)
	require.NoError(t, second.Save())

	cumulative := second.LoadCumulative()
	assert.Equal(t, firstStart, cumulative.SessionStart)
}

func TestTracker_LoadCumulative_MissingFile(t *testing.T) {
	tr := NewTracker(filepath.Join(t.TempDir(), "absent.json"))
	cumulative := tr.LoadCumulative()
	assert.Zero(t, cumulative.JobsProcessed)
	assert.NotNil(t, cumulative.ErrorsByKind)
}
