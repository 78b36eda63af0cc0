package hostproto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/logger"
	"github.com/driftline/metasync/queue"
	"github.com/driftline/metasync/reconcile"
	"github.com/driftline/metasync/recovery"
	"github.com/driftline/metasync/version"
)

// HandlerFunc runs one task mode and returns the output string for the
// host reply.
type HandlerFunc func(ctx context.Context, r *Runtime, args Args) (string, error)

// modeTable maps task modes to handlers. New admin commands are added as
// table entries, not branches.
var modeTable = map[string]HandlerFunc{
	"queue_status":        handleQueueStatus,
	"clear_queue":         handleClearQueue,
	"clear_dlq":           handleClearDLQ,
	"purge_dlq":           handlePurgeDLQ,
	"process_queue":       handleProcessQueue,
	"reconcile_all":       reconcileHandler(reconcile.ScopeAll),
	"all":                 reconcileHandler(reconcile.ScopeAll),
	"reconcile_recent":    reconcileHandler(reconcile.Scope24h),
	"recent":              reconcileHandler(reconcile.Scope24h),
	"reconcile_7days":     reconcileHandler(reconcile.Scope7Days),
	"health_check":        handleHealthCheck,
	"outage_summary":      handleOutageSummary,
	"recover_outage_jobs": handleRecoverOutageJobs,
}

// Dispatch routes one invocation: hook events take the fast path, task
// modes go through the mode table.
func (r *Runtime) Dispatch(ctx context.Context, args Args) (string, error) {
	if !r.Config.Enabled {
		return "disabled", nil
	}

	r.MaybeAutoReconcile(ctx)

	if args.HookContext != nil {
		return r.HandleHook(ctx, args.HookContext)
	}

	if args.Mode == "" {
		return "ok", nil
	}
	handler, ok := modeTable[args.Mode]
	if !ok {
		return "", errors.Newf("unknown mode %q", args.Mode)
	}
	return handler(ctx, r, args)
}

// handleQueueStatus renders queue, breaker, limiter, recovery, and DLQ
// state as one JSON blob.
func handleQueueStatus(ctx context.Context, r *Runtime, _ Args) (string, error) {
	queueStats, err := r.Queue.GetStats()
	if err != nil {
		return "", err
	}
	dlqCount, err := r.DLQ.Count()
	if err != nil {
		return "", err
	}

	now := time.Now()
	state, failures, successes, openedAt := r.Breaker.Snapshot()
	rate, multiplier, inRecovery := r.Limiter.Snapshot(now)
	lastCheck, consecutiveOK, consecutiveFail, recoveries := r.Recovery.Snapshot()

	status := map[string]interface{}{
		"queue": map[string]interface{}{
			"pending":     queueStats.Pending,
			"in_progress": queueStats.InProgress,
			"completed":   queueStats.Completed,
			"failed":      queueStats.Failed,
		},
		"dlq": map[string]interface{}{
			"count": dlqCount,
		},
		"circuit_breaker": map[string]interface{}{
			"state":         string(state),
			"failure_count": failures,
			"success_count": successes,
			"opened_at":     unixOrZero(openedAt),
		},
		"rate_limiter": map[string]interface{}{
			"current_rate": rate,
			"multiplier":   multiplier,
			"in_recovery":  inRecovery,
		},
		"recovery": map[string]interface{}{
			"last_check":            unixOrZero(lastCheck),
			"consecutive_successes": consecutiveOK,
			"consecutive_failures":  consecutiveFail,
			"recovery_count":        recoveries,
		},
		"outages":        recovery.ComputeMetrics(r.History.Records(), now),
		"stats":          r.Tracker.LoadCumulative(),
		"reconciliation": r.AutoRecon.Snapshot(),
		"version":        version.Get(),
	}

	blob, err := json.Marshal(status)
	if err != nil {
		return "", errors.Wrap(err, "failed to render queue status")
	}
	return string(blob), nil
}

func handleClearQueue(_ context.Context, r *Runtime, _ Args) (string, error) {
	removed, err := r.Queue.PrunePending()
	if err != nil {
		return "", err
	}
	r.logger.Infow("Queue cleared", "removed", removed)
	return fmt.Sprintf("cleared %d pending jobs", removed), nil
}

func handleClearDLQ(_ context.Context, r *Runtime, _ Args) (string, error) {
	removed, err := r.DLQ.Clear()
	if err != nil {
		return "", err
	}
	r.logger.Infow("Dead-letter queue cleared", "removed", removed)
	return fmt.Sprintf("cleared %d dead letters", removed), nil
}

func handlePurgeDLQ(_ context.Context, r *Runtime, args Args) (string, error) {
	days := args.Days
	if days <= 0 {
		days = r.Config.DLQRetentionDays
	}

	removed, err := r.DLQ.PruneOlderThan(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		return "", err
	}
	r.logger.Infow("Dead-letter queue purged", "days", days, "removed", removed)
	return fmt.Sprintf("purged %d dead letters older than %d days", removed, days), nil
}

// drain wait bounds for process_queue
const (
	drainWaitMin  = time.Second
	drainWaitMax  = 30 * time.Second
	drainPollStep = 500 * time.Millisecond
)

// handleProcessQueue waits for the worker to drain the queue, bounded by a
// dynamic budget derived from measured per-job time and current depth.
func handleProcessQueue(ctx context.Context, r *Runtime, _ Args) (string, error) {
	initial, err := r.Queue.GetStats()
	if err != nil {
		return "", err
	}
	total := initial.Pending + initial.InProgress
	if total == 0 {
		return "queue empty", nil
	}

	avg := r.Tracker.AverageJobSeconds()
	if avg <= 0 {
		avg = 1.0
	}
	maxWait := time.Duration(avg*float64(total)) * time.Second
	if maxWait < drainWaitMin {
		maxWait = drainWaitMin
	}
	if maxWait > drainWaitMax {
		maxWait = drainWaitMax
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		current, err := r.Queue.GetStats()
		if err != nil {
			return "", err
		}
		remaining := current.Pending + current.InProgress
		if remaining == 0 {
			logger.Progress(1.0)
			return fmt.Sprintf("processed %d jobs", total), nil
		}
		logger.Progress(float64(total-remaining) / float64(total))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(drainPollStep):
		}
	}

	current, _ := r.Queue.GetStats()
	remaining := 0
	if current != nil {
		remaining = current.Pending + current.InProgress
	}
	r.logger.Infow("Drain wait expired with jobs remaining",
		"remaining", remaining, "max_wait", maxWait)
	return fmt.Sprintf("%d jobs remaining after %s", remaining, maxWait), nil
}

func reconcileHandler(scope reconcile.Scope) HandlerFunc {
	return func(ctx context.Context, r *Runtime, _ Args) (string, error) {
		report, err := r.Engine.Run(ctx, scope)
		if err != nil {
			return "", err
		}
		r.AutoRecon.RecordRun(report, false)
		return fmt.Sprintf("reconciled %d scenes, %d gaps, %d enqueued",
			report.ScenesChecked, report.GapsFound, report.Enqueued), nil
	}
}

// handleHealthCheck runs one deep probe immediately and reports the result
// with the breaker snapshot.
func handleHealthCheck(ctx context.Context, r *Runtime, _ Args) (string, error) {
	latency, probeErr := r.Target.DeepHealthCheck(ctx)
	healthy := probeErr == nil

	jobsAffected := 0
	if st, err := r.Queue.GetStats(); err == nil {
		jobsAffected = st.Pending + st.InProgress
	}
	if r.Recovery.RecordHealthCheck(healthy, latency, r.Breaker, jobsAffected) {
		r.Limiter.StartRecoveryPeriod(time.Now())
	}

	state, failures, _, _ := r.Breaker.Snapshot()
	result := map[string]interface{}{
		"healthy":       healthy,
		"latency_ms":    latency.Milliseconds(),
		"breaker_state": string(state),
		"failure_count": failures,
	}
	if probeErr != nil {
		result["error"] = probeErr.Error()
	}

	blob, err := json.Marshal(result)
	if err != nil {
		return "", errors.Wrap(err, "failed to render health check")
	}
	return string(blob), nil
}

func handleOutageSummary(_ context.Context, r *Runtime, _ Args) (string, error) {
	records := r.History.Records()
	summary := map[string]interface{}{
		"records": records,
		"metrics": recovery.ComputeMetrics(records, time.Now()),
	}

	blob, err := json.Marshal(summary)
	if err != nil {
		return "", errors.Wrap(err, "failed to render outage summary")
	}
	return string(blob), nil
}

// handleRecoverOutageJobs re-enqueues dead letters from the most recent
// outage window whose kind indicates the outage, not the job, was at fault.
func handleRecoverOutageJobs(_ context.Context, r *Runtime, _ Args) (string, error) {
	records := r.History.Records()
	if len(records) == 0 {
		return "no recorded outages", nil
	}
	last := records[len(records)-1]
	since := time.Unix(int64(last.StartedAt), 0)

	entries, err := r.DLQ.FailedSince(since)
	if err != nil {
		return "", err
	}

	active, err := r.Queue.ActiveSceneIDs(0)
	if err != nil {
		return "", err
	}

	recovered := 0
	for _, entry := range entries {
		if entry.ErrorType != fault.KindTransient && entry.ErrorType != fault.KindServerDown {
			continue
		}
		if _, ok := active[entry.SceneID]; ok {
			continue
		}

		job, err := queue.UnmarshalJob(entry.JobData)
		if err != nil {
			r.logger.Warnw("Unreadable dead letter skipped", "id", entry.ID, "error", err)
			continue
		}

		// fresh retry budget; the outage that exhausted the old one is over
		job.RetryCount = 0
		job.NextRetryAt = time.Time{}

		if _, err := r.Queue.Enqueue(job); err != nil {
			r.logger.Warnw("Failed to re-enqueue dead letter", "scene_id", entry.SceneID, "error", err)
			continue
		}
		if err := r.DLQ.Delete(entry.ID); err != nil {
			r.logger.Warnw("Failed to remove recovered dead letter", "id", entry.ID, "error", err)
		}
		active[entry.SceneID] = struct{}{}
		recovered++
	}

	r.logger.Infow("Outage job recovery complete", "candidates", len(entries), "recovered", recovered)
	return fmt.Sprintf("recovered %d of %d outage dead letters", recovered, len(entries)), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
