// Package reconcile detects and repairs drift the event channel missed:
// source changes from before the plugin was installed, events lost in a
// crash window, or a target rescan that wiped metadata.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/match"
	"github.com/driftline/metasync/queue"
	"github.com/driftline/metasync/sanitize"
	"github.com/driftline/metasync/source"
	"github.com/driftline/metasync/target"
)

// Scope selects which source scenes a run examines.
type Scope string

const (
	ScopeAll   Scope = "all"
	Scope24h   Scope = "24h"
	Scope7Days Scope = "7days"
)

// GapKind classifies a detected discrepancy.
type GapKind string

const (
	// GapEmptyMetadata: source has metadata, the matched target item has none.
	GapEmptyMetadata GapKind = "empty_metadata"
	// GapStaleSync: source changed after the last successful sync.
	GapStaleSync GapKind = "stale_sync"
	// GapMissingFromTarget: never synced and no target match exists.
	GapMissingFromTarget GapKind = "missing_from_target"
)

// Gap is one detected discrepancy.
type Gap struct {
	SceneID uint64
	Kind    GapKind
	Scene   *source.Scene
	Reason  string
}

// Report summarises one reconciliation run.
type Report struct {
	Scope         Scope
	ScenesChecked int
	GapsFound     int
	GapsByKind    map[GapKind]int
	Enqueued      int
	Skipped       int
}

// SceneLister is the slice of the source client the engine reads.
type SceneLister interface {
	FindScenesSince(ctx context.Context, field source.TimeField, since time.Time) ([]source.Scene, error)
}

// ItemReader fetches target item metadata for the empty-metadata check.
type ItemReader interface {
	GetItem(ctx context.Context, ratingKey string) (target.Item, error)
}

// Resolver matches a source path to a target item.
type Resolver func(ctx context.Context, path string) (*match.Result, error)

// completedWindow is how far back a Completed queue row still counts as
// active for dedup purposes.
const completedWindow = 7 * 24 * time.Hour

// Engine runs the three gap detectors over one pre-fetched scene batch and
// enqueues deduplicated sync jobs.
type Engine struct {
	scenes       SceneLister
	resolve      Resolver
	reader       ItemReader
	q            *queue.Queue
	timestamps   *queue.TimestampStore
	checkMissing bool
	timeNow      func() time.Time
	logger       *zap.SugaredLogger
}

// NewEngine wires a reconciliation engine.
func NewEngine(scenes SceneLister, resolve Resolver, reader ItemReader, q *queue.Queue, timestamps *queue.TimestampStore, checkMissing bool, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		scenes:       scenes,
		resolve:      resolve,
		reader:       reader,
		q:            q,
		timestamps:   timestamps,
		checkMissing: checkMissing,
		timeNow:      time.Now,
		logger:       logger,
	}
}

// Run executes one reconciliation pass for the given scope.
func (e *Engine) Run(ctx context.Context, scope Scope) (*Report, error) {
	now := e.timeNow()

	var since time.Time
	switch scope {
	case Scope24h:
		since = now.Add(-24 * time.Hour)
	case Scope7Days:
		since = now.Add(-7 * 24 * time.Hour)
	}

	batch, err := e.scenes.FindScenesSince(ctx, source.FieldCreatedAt, since)
	if err != nil {
		return nil, err
	}

	active, err := e.q.ActiveSceneIDs(completedWindow)
	if err != nil {
		return nil, err
	}

	timestamps := make(map[uint64]time.Time)
	for id, secs := range e.timestamps.Load() {
		timestamps[id] = time.Unix(int64(secs), 0)
	}

	report := &Report{Scope: scope, GapsByKind: make(map[GapKind]int)}
	seen := make(map[uint64]struct{})

	for i := range batch {
		scene := &batch[i]
		report.ScenesChecked++

		gap := e.detect(ctx, scene, timestamps)
		if gap == nil {
			continue
		}
		report.GapsFound++
		report.GapsByKind[gap.Kind]++

		if e.enqueue(gap, active, seen, timestamps) {
			report.Enqueued++
		} else {
			report.Skipped++
		}
	}

	e.logger.Infow("Reconciliation run complete",
		"scope", string(scope),
		"scenes_checked", report.ScenesChecked,
		"gaps_found", report.GapsFound,
		"enqueued", report.Enqueued,
		"skipped", report.Skipped)
	return report, nil
}

// detect classifies one scene against the target and the sync-timestamp
// record. Scenes with no drift return nil.
func (e *Engine) detect(ctx context.Context, scene *source.Scene, timestamps map[uint64]time.Time) *Gap {
	sceneID := scene.SceneID()
	if sceneID == 0 {
		return nil
	}

	syncedAt, wasSynced := timestamps[sceneID]
	updatedAt := parseTime(scene.UpdatedAt)

	// A prior sync at or after the source's last change means the current
	// target state, even an empty one, was a deliberate sync outcome.
	if wasSynced && !updatedAt.IsZero() && !syncedAt.Before(updatedAt) {
		return nil
	}

	if wasSynced {
		if !updatedAt.IsZero() && updatedAt.After(syncedAt) {
			return &Gap{SceneID: sceneID, Kind: GapStaleSync, Scene: scene,
				Reason: "source updated after last sync"}
		}
		return nil
	}

	path := scene.FilePath()
	if path == "" {
		return nil
	}

	result, err := e.resolve(ctx, path)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			if e.checkMissing {
				return &Gap{SceneID: sceneID, Kind: GapMissingFromTarget, Scene: scene,
					Reason: "never synced and no target match"}
			}
			return nil
		}
		e.logger.Debugw("Reconciliation match failed", "scene_id", sceneID, "error", err)
		return nil
	}

	if e.targetItemEmpty(ctx, result.Chosen.ID) && sanitize.HasMeaningfulMetadata(scene.JobData()) {
		return &Gap{SceneID: sceneID, Kind: GapEmptyMetadata, Scene: scene,
			Reason: "source has metadata, matched target item has none"}
	}
	return nil
}

// targetItemEmpty reports whether the item carries none of the synced
// metadata fields.
func (e *Engine) targetItemEmpty(ctx context.Context, ratingKey string) bool {
	item, err := e.reader.GetItem(ctx, ratingKey)
	if err != nil {
		e.logger.Debugw("Reconciliation item read failed", "rating_key", ratingKey, "error", err)
		return false
	}
	return item.Studio == "" && item.Summary == "" && item.Date == "" &&
		len(item.Actors) == 0 && len(item.Genres) == 0
}

// enqueue applies the dedup rules in order and enqueues when they all pass.
// The sync-timestamp guard here is what stops an infinite requeue loop when
// target ingestion lags source writes.
func (e *Engine) enqueue(gap *Gap, active map[uint64]struct{}, seen map[uint64]struct{}, timestamps map[uint64]time.Time) bool {
	if _, ok := active[gap.SceneID]; ok {
		return false
	}
	if _, ok := seen[gap.SceneID]; ok {
		return false
	}
	if syncedAt, ok := timestamps[gap.SceneID]; ok {
		if updatedAt := parseTime(gap.Scene.UpdatedAt); !updatedAt.IsZero() && !syncedAt.Before(updatedAt) {
			return false
		}
	}

	data := gap.Scene.JobData()
	if !sanitize.HasMeaningfulMetadata(data) {
		return false
	}

	job := queue.NewSyncJob(gap.SceneID, data)
	if _, err := e.q.Enqueue(job); err != nil {
		e.logger.Warnw("Reconciliation enqueue failed", "scene_id", gap.SceneID, "error", err)
		return false
	}

	seen[gap.SceneID] = struct{}{}
	e.logger.Infow("Reconciliation enqueued scene",
		"scene_id", gap.SceneID, "gap", string(gap.Kind), "reason", gap.Reason)
	return true
}

// parseTime accepts the ISO-8601 shapes the source emits.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
