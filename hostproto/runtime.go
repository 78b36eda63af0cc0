package hostproto

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/metasync/breaker"
	"github.com/driftline/metasync/db"
	"github.com/driftline/metasync/dlq"
	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/logger"
	"github.com/driftline/metasync/privacy"
	"github.com/driftline/metasync/queue"
	"github.com/driftline/metasync/ratelimit"
	"github.com/driftline/metasync/reconcile"
	"github.com/driftline/metasync/recovery"
	"github.com/driftline/metasync/sanitize"
	"github.com/driftline/metasync/settings"
	"github.com/driftline/metasync/source"
	"github.com/driftline/metasync/stats"
	"github.com/driftline/metasync/target"
	"github.com/driftline/metasync/worker"
	"github.com/driftline/metasync/writer"
)

// PluginID is the key under which the source server stores this plugin's
// settings blob.
const PluginID = "metasync"

// Persisted file names under the data directory.
const (
	queueDBFile        = "queue/queue.db"
	dlqDBFile          = "dlq.db"
	breakerStateFile   = "circuit_breaker.json"
	recoveryStateFile  = "recovery_state.json"
	outageHistoryFile  = "outage_history.json"
	reconcileStateFile = "reconciliation_state.json"
	statsFile          = "stats.json"
	syncTimestampsFile = "sync_timestamps.json"
)

// completedDedupWindow is how long a Completed row blocks re-enqueue of the
// same scene through reconciliation.
const completedDedupWindow = 7 * 24 * time.Hour

// Runtime holds every wired component for one plugin invocation.
type Runtime struct {
	Config     *settings.Config
	Source     *source.Client
	Target     *target.Client
	Queue      *queue.Queue
	DLQ        *dlq.Store
	Breaker    *breaker.Breaker
	History    *recovery.History
	Recovery   *recovery.Scheduler
	Limiter    *ratelimit.Limiter
	Tracker    *stats.Tracker
	Timestamps *queue.TimestampStore
	Engine     *reconcile.Engine
	AutoRecon  *reconcile.Scheduler
	Worker     *worker.Worker
	Obfuscator *privacy.Obfuscator

	queueDB *sql.DB
	dlqDB   *sql.DB
	logger  *zap.SugaredLogger

	// pendingMu guards the hook fast path's in-memory dedup set. It is
	// authoritative only for this process; the queue's active-scene set is
	// authoritative across invocations.
	pendingMu sync.Mutex
	pending   map[uint64]struct{}
}

// NewRuntime loads configuration, opens storage, and wires all components.
// The worker is created but not started; Start launches it.
func NewRuntime(ctx context.Context, conn source.Connection) (*Runtime, error) {
	log := logger.Logger

	bootstrap := source.NewClient(conn, 0, 0, log)
	blob, err := bootstrap.PluginSettings(ctx, PluginID)
	if err != nil {
		log.Warnw("Failed to load plugin settings from source, using environment only", "error", err)
		blob = map[string]interface{}{}
	}

	cfg, err := settings.Load(blob)
	if err != nil {
		return nil, err
	}
	logger.Initialize(cfg.DebugLogging)
	log = logger.Logger

	r := &Runtime{
		Config:     cfg,
		Source:     source.NewClient(conn, cfg.ConnectTimeout(), cfg.ReadTimeout(), log),
		Target:     target.NewClient(cfg.TargetURL, cfg.TargetToken, cfg.ConnectTimeout(), cfg.ReadTimeout(), log),
		Obfuscator: privacy.New(cfg.PathObfuscation),
		logger:     log,
		pending:    make(map[uint64]struct{}),
	}

	if err := r.openStorage(); err != nil {
		return nil, err
	}

	dataDir := cfg.DataDir
	r.Breaker = breaker.New(breaker.Config{
		FailureThreshold: breaker.DefaultFailureThreshold,
		SuccessThreshold: breaker.DefaultSuccessThreshold,
		RecoveryTimeout:  breaker.DefaultRecoveryTimeout,
		StatePath:        filepath.Join(dataDir, breakerStateFile),
	}, log)
	r.History = recovery.NewHistory(filepath.Join(dataDir, outageHistoryFile))
	r.Recovery = recovery.NewScheduler(filepath.Join(dataDir, recoveryStateFile), r.History, log)
	r.Limiter = ratelimit.New(ratelimit.DefaultConfig())
	r.Tracker = stats.NewTracker(filepath.Join(dataDir, statsFile))
	r.Timestamps = queue.NewTimestampStore(filepath.Join(dataDir, syncTimestampsFile))
	r.AutoRecon = reconcile.NewScheduler(filepath.Join(dataDir, reconcileStateFile))

	processor := newSceneProcessor(r.Target, r.Source, cfg, r.Obfuscator, log)
	r.Engine = reconcile.NewEngine(
		r.Source, processor.resolve, r.Target, r.Queue, r.Timestamps,
		cfg.ReconcileMissing, log)

	r.Worker = worker.New(worker.Config{
		Queue:         r.Queue,
		DLQ:           r.DLQ,
		Breaker:       r.Breaker,
		Scheduler:     r.Recovery,
		History:       r.History,
		Limiter:       r.Limiter,
		Tracker:       r.Tracker,
		Timestamps:    r.Timestamps,
		Processor:     processor,
		Prober:        r.Target,
		PollInterval:  cfg.PollInterval(),
		MaxRetries:    cfg.MaxRetries,
		UnmarkPending: r.unmarkPending,
		Logger:        log,
	})

	return r, nil
}

func (r *Runtime) openStorage() error {
	dataDir := r.Config.DataDir
	if err := os.MkdirAll(filepath.Join(dataDir, "queue"), 0o755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}

	queueDB, err := db.Open(filepath.Join(dataDir, queueDBFile), r.logger)
	if err != nil {
		return err
	}
	if err := db.MigrateQueue(queueDB, r.logger); err != nil {
		queueDB.Close()
		return err
	}

	dlqDB, err := db.Open(filepath.Join(dataDir, dlqDBFile), r.logger)
	if err != nil {
		queueDB.Close()
		return err
	}
	if err := db.MigrateDLQ(dlqDB, r.logger); err != nil {
		queueDB.Close()
		dlqDB.Close()
		return err
	}

	r.queueDB = queueDB
	r.dlqDB = dlqDB
	r.Queue = queue.NewQueue(queueDB)
	r.DLQ = dlq.NewStore(dlqDB)
	return nil
}

// Start runs startup housekeeping and launches the worker: orphaned
// in-progress rows from a crashed session resume, expired dead letters are
// pruned, and old completed rows are cleaned up.
func (r *Runtime) Start(ctx context.Context) {
	if recovered, err := r.Queue.RecoverOrphans(1000); err != nil {
		r.logger.Warnw("Orphan recovery failed", "error", err)
	} else if recovered > 0 {
		r.logger.Infow("Recovered orphaned in-progress jobs", "count", recovered)
	}

	if pruned, err := r.DLQ.PruneOlderThan(r.Config.DLQRetention()); err != nil {
		r.logger.Warnw("Dead-letter prune failed", "error", err)
	} else if pruned > 0 {
		r.logger.Infow("Pruned expired dead letters", "count", pruned)
	}

	if _, err := r.Queue.CleanupCompleted(completedDedupWindow); err != nil {
		r.logger.Debugw("Completed-row cleanup failed", "error", err)
	}

	r.Worker.Start(ctx)
}

// Close stops the worker and closes storage. Stats deltas are flushed so a
// later invocation merges them.
func (r *Runtime) Close() {
	r.Worker.Stop()
	r.Worker.Join()

	if err := r.Tracker.Save(); err != nil {
		r.logger.Warnw("Failed to save stats", "error", err)
	}

	if r.queueDB != nil {
		r.queueDB.Close()
	}
	if r.dlqDB != nil {
		r.dlqDB.Close()
	}
}

// markPending records a scene in the fast-path dedup set. Returns false
// when it was already marked.
func (r *Runtime) markPending(sceneID uint64) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	if _, ok := r.pending[sceneID]; ok {
		return false
	}
	r.pending[sceneID] = struct{}{}
	return true
}

func (r *Runtime) unmarkPending(sceneID uint64) {
	r.pendingMu.Lock()
	delete(r.pending, sceneID)
	r.pendingMu.Unlock()
}

// MaybeAutoReconcile fires the startup or periodic reconciliation when one
// is overdue. Called once per invocation from the dispatcher.
func (r *Runtime) MaybeAutoReconcile(ctx context.Context) {
	scope := reconcile.Scope(r.Config.ReconcileScope)

	if r.AutoRecon.IsStartupDue() {
		if report, err := r.Engine.Run(ctx, scope); err != nil {
			r.logger.Warnw("Startup reconciliation failed", "error", err)
		} else {
			r.AutoRecon.RecordRun(report, true)
		}
		return
	}

	if r.AutoRecon.IsDue(r.Config.ReconcileInterval) {
		if report, err := r.Engine.Run(ctx, scope); err != nil {
			r.logger.Warnw("Scheduled reconciliation failed", "error", err)
		} else {
			r.AutoRecon.RecordRun(report, false)
		}
	}
}

// WriterPolicy maps configuration onto the writer's policy knobs.
func WriterPolicy(cfg *settings.Config) writer.Policy {
	return writer.Policy{
		PreserveTargetEdits: cfg.PreserveTargetEdits,
		StrictMatching:      cfg.StrictMatching,
		Toggles: writer.Toggles{
			Master:     cfg.SyncMetadata,
			Studio:     cfg.SyncStudio,
			Summary:    cfg.SyncSummary,
			Tagline:    cfg.SyncTagline,
			Date:       cfg.SyncDate,
			Performers: cfg.SyncPerformers,
			Tags:       cfg.SyncTags,
			Poster:     cfg.SyncPoster,
			Background: cfg.SyncBackground,
			Collection: cfg.SyncCollection,
		},
	}
}

// sanitizerFor builds the sanitizer from configuration.
func sanitizerFor(cfg *settings.Config, log *zap.SugaredLogger) *sanitize.Sanitizer {
	return sanitize.New(cfg.MaxTags, log)
}
