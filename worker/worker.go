// Package worker runs the long-lived goroutine that drains the sync queue.
// The loop order is the resilience contract: circuit gate first, recovery
// probe when due, dequeue, backoff-readiness, rate limit, process, then
// route the outcome through ack, retry, or the dead-letter queue.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/metasync/breaker"
	"github.com/driftline/metasync/db"
	"github.com/driftline/metasync/dlq"
	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/queue"
	"github.com/driftline/metasync/ratelimit"
	"github.com/driftline/metasync/recovery"
	"github.com/driftline/metasync/stats"
)

const (
	// pendingTimeout bounds one GetPending call.
	pendingTimeout = 10 * time.Second
	// retryHold is the brief sleep after nacking a job whose backoff window
	// has not elapsed, so the loop does not spin on it.
	retryHold = 500 * time.Millisecond
	// dlqSummaryEvery is the ack-cycle period for the DLQ summary log.
	dlqSummaryEvery = 10
	// dlqSummaryEntries caps the recent entries included in the summary.
	dlqSummaryEntries = 5
	// stopGrace is how long Join waits for the loop to finish.
	stopGrace = 5 * time.Second
)

// Processor performs one job: path check, library resolution, match, write.
// The returned confidence feeds the stats tracker.
type Processor interface {
	Process(ctx context.Context, job *queue.SyncJob) (stats.Confidence, error)
}

// HealthProber runs the deep target health check.
type HealthProber interface {
	DeepHealthCheck(ctx context.Context) (time.Duration, error)
}

// Worker drains the queue until stopped.
type Worker struct {
	queue      *queue.Queue
	letters    *dlq.Store
	cb         *breaker.Breaker
	scheduler  *recovery.Scheduler
	history    *recovery.History
	limiter    *ratelimit.Limiter
	tracker    *stats.Tracker
	timestamps *queue.TimestampStore
	processor  Processor
	prober     HealthProber

	pollInterval time.Duration
	// maxRetries, when set, overrides the short ladder's retry budget.
	// The not-found ladder keeps its own longer window.
	maxRetries int
	// unmarkPending releases the hook fast path's in-memory dedup mark.
	// Called on every outcome so a failure cannot latch the mark.
	unmarkPending func(sceneID uint64)

	timeNow func() time.Time
	logger  *zap.SugaredLogger

	stop chan struct{}
	done chan struct{}
	// started guards Join: a disabled invocation never launches the loop,
	// so there is nothing to wait for. Start, Stop, and Join are all called
	// from the invocation goroutine.
	started bool

	ackCycles int
}

// Config wires a worker.
type Config struct {
	Queue         *queue.Queue
	DLQ           *dlq.Store
	Breaker       *breaker.Breaker
	Scheduler     *recovery.Scheduler
	History       *recovery.History
	Limiter       *ratelimit.Limiter
	Tracker       *stats.Tracker
	Timestamps    *queue.TimestampStore
	Processor     Processor
	Prober        HealthProber
	PollInterval  time.Duration
	MaxRetries    int
	UnmarkPending func(sceneID uint64)
	Logger        *zap.SugaredLogger
}

// New creates a worker.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.UnmarkPending == nil {
		cfg.UnmarkPending = func(uint64) {}
	}

	return &Worker{
		queue:         cfg.Queue,
		letters:       cfg.DLQ,
		cb:            cfg.Breaker,
		scheduler:     cfg.Scheduler,
		history:       cfg.History,
		limiter:       cfg.Limiter,
		tracker:       cfg.Tracker,
		timestamps:    cfg.Timestamps,
		processor:     cfg.Processor,
		prober:        cfg.Prober,
		pollInterval:  cfg.PollInterval,
		maxRetries:    cfg.MaxRetries,
		unmarkPending: cfg.UnmarkPending,
		timeNow:       time.Now,
		logger:        cfg.Logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the worker goroutine. A ramp persisted by a previous
// invocation is resumed before the first job.
func (w *Worker) Start(ctx context.Context) {
	now := w.timeNow()
	if start := w.scheduler.RecoveryStartedAt(); !start.IsZero() {
		w.limiter.ResumeRecoveryPeriod(start, now)
		if w.limiter.InRecovery(now) {
			w.logger.Infow("Resuming post-recovery drain ramp", "ramp_started_at", start)
		} else {
			w.scheduler.ClearRecoveryPeriod()
		}
	}

	w.started = true
	go w.run(ctx)
}

// Stop signals the loop to exit after the current iteration.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// Join waits for the loop to finish, up to the grace period. A missed join
// is logged and accepted: the queue's ack discipline means the in-flight
// job resurfaces on the next run.
func (w *Worker) Join() {
	if !w.started {
		return
	}
	select {
	case <-w.done:
	case <-time.After(stopGrace):
		w.logger.Warnw("Worker did not stop within grace period", "grace", stopGrace)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Debugw("Worker started")

	for {
		select {
		case <-w.stop:
			w.logger.Debugw("Worker stopping")
			return
		case <-ctx.Done():
			return
		default:
		}

		if !w.cb.CanExecute() {
			w.probeIfDue(ctx)
			w.sleep(w.pollInterval)
			continue
		}
		w.probeIfDue(ctx)

		item, err := w.queue.GetPending(ctx, pendingTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if db.IsDatabaseClosed(err) {
				w.logger.Debugw("Queue database closed, worker exiting")
				return
			}
			w.logger.Errorw("Failed to claim pending job", "error", err)
			w.sleep(w.pollInterval)
			continue
		}
		if item == nil {
			continue
		}

		now := w.timeNow()
		if !item.Job.ReadyForRetry(now) {
			if err := w.queue.Nack(item); err != nil {
				w.logger.Errorw("Failed to return waiting job", "error", err)
			}
			w.sleep(retryHold)
			continue
		}

		if wait := w.limiter.ShouldWait(now); wait > 0 {
			w.sleep(wait)
		}

		w.processItem(ctx, item)
	}
}

// probeIfDue runs the deep health check when the recovery scheduler says
// one is due. A probe that closes the circuit starts the drain ramp.
func (w *Worker) probeIfDue(ctx context.Context) {
	now := w.timeNow()
	if !w.scheduler.ShouldCheckRecovery(w.cb.CurrentState(), now) {
		return
	}

	latency, err := w.prober.DeepHealthCheck(ctx)
	success := err == nil
	if !success {
		w.logger.Debugw("Target health probe failed", "error", err, "latency_ms", latency.Milliseconds())
	}

	jobsAffected := 0
	if st, statsErr := w.queue.GetStats(); statsErr == nil {
		jobsAffected = st.Pending + st.InProgress
	}

	if w.scheduler.RecordHealthCheck(success, latency, w.cb, jobsAffected) {
		w.limiter.StartRecoveryPeriod(w.timeNow())
	}
}

func (w *Worker) processItem(ctx context.Context, item *queue.Item) {
	job := item.Job
	start := w.timeNow()

	confidence, err := w.processor.Process(ctx, job)
	elapsed := w.timeNow().Sub(start)
	w.unmarkPending(job.SceneID)

	if err == nil {
		w.ackSuccess(item, elapsed, confidence)
		return
	}
	w.handleFailure(item, err, elapsed)
}

func (w *Worker) ackSuccess(item *queue.Item, elapsed time.Duration, confidence stats.Confidence) {
	job := item.Job
	if err := w.queue.Ack(item); err != nil {
		w.logger.Errorw("Failed to ack completed job", "scene_id", job.SceneID, "error", err)
	}
	w.cb.RecordSuccess()
	now := w.timeNow()
	w.limiter.RecordResult(true, now)
	w.tracker.RecordSuccess(elapsed, confidence)
	if err := w.timestamps.Save(job.SceneID, now); err != nil {
		w.logger.Warnw("Failed to save sync timestamp", "scene_id", job.SceneID, "error", err)
	}

	w.logger.Infow("Scene synced",
		"scene_id", job.SceneID,
		"confidence", string(confidence),
		"elapsed_ms", elapsed.Milliseconds(),
		"retry_count", job.RetryCount)

	w.ackCycles++
	if w.ackCycles%dlqSummaryEvery == 0 {
		w.logDLQSummary()
	}
}

// handleFailure routes a failed job: permanent errors dead-letter at once,
// retryable errors re-enter the queue with retry metadata until their
// ladder is exhausted. Only retryable failures count toward the breaker.
func (w *Worker) handleFailure(item *queue.Item, cause error, elapsed time.Duration) {
	job := item.Job
	kind := fault.KindOf(cause)
	now := w.timeNow()
	w.limiter.RecordResult(false, now)

	if !kind.IsRetryable() {
		w.deadLetter(item, kind, cause, job.RetryCount, elapsed)
		return
	}

	stateBefore := w.cb.CurrentState()
	w.cb.RecordFailure()
	if stateBefore != breaker.StateOpen && w.cb.CurrentState() == breaker.StateOpen {
		w.history.RecordOutageStart(now)
		w.logger.Warnw("Target outage detected, suspending sync", "scene_id", job.SceneID)
	}

	backoff := fault.NewBackoff(kind)
	next := job.PrepareForRetry(kind, backoff.Delay(job.RetryCount), now)
	limit := backoff.MaxAttempts()
	if w.maxRetries > 0 && kind != fault.KindNotFound {
		limit = w.maxRetries
	}
	if next.RetryCount >= limit {
		w.deadLetter(item, kind, cause, next.RetryCount, elapsed)
		return
	}

	if _, err := w.queue.RequeueWithRetry(item, next); err != nil {
		w.logger.Errorw("Failed to requeue job for retry", "scene_id", job.SceneID, "error", err)
		return
	}
	w.tracker.RecordFailure(kind, elapsed, false)
	w.logger.Warnw("Scene sync failed, retrying",
		"scene_id", job.SceneID,
		"kind", kind.String(),
		"retry_count", next.RetryCount,
		"next_retry_at", next.NextRetryAt,
		"error", cause)
}

func (w *Worker) deadLetter(item *queue.Item, kind fault.Kind, cause error, retryCount int, elapsed time.Duration) {
	job := item.Job
	if err := w.queue.Fail(item); err != nil {
		w.logger.Errorw("Failed to mark job failed", "scene_id", job.SceneID, "error", err)
	}
	if _, err := w.letters.Add(item, kind, cause, retryCount); err != nil {
		w.logger.Errorw("Failed to dead-letter job", "scene_id", job.SceneID, "error", err)
	}
	w.tracker.RecordFailure(kind, elapsed, true)
	w.logger.Errorw("Scene sync dead-lettered",
		"scene_id", job.SceneID,
		"kind", kind.String(),
		"retry_count", retryCount,
		"error", cause)
}

// logDLQSummary logs the dead-letter count and a handful of recent entries.
func (w *Worker) logDLQSummary() {
	count, err := w.letters.Count()
	if err != nil || count == 0 {
		return
	}

	recent, err := w.letters.Recent(dlqSummaryEntries)
	if err != nil {
		return
	}

	scenes := make([]uint64, 0, len(recent))
	for _, entry := range recent {
		scenes = append(scenes, entry.SceneID)
	}
	w.logger.Infow("Dead-letter queue summary", "total", count, "recent_scenes", scenes)
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stop:
	case <-time.After(d):
	}
}
