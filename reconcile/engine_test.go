package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/metasync/fault"
	metasynctest "github.com/driftline/metasync/internal/testing"
	"github.com/driftline/metasync/match"
	"github.com/driftline/metasync/queue"
	"github.com/driftline/metasync/source"
	"github.com/driftline/metasync/target"
)

type fakeLister struct {
	scenes []source.Scene
	since  time.Time
}

func (f *fakeLister) FindScenesSince(_ context.Context, _ source.TimeField, since time.Time) ([]source.Scene, error) {
	f.since = since
	return f.scenes, nil
}

type fakeReader struct {
	items map[string]target.Item
}

func (f *fakeReader) GetItem(_ context.Context, ratingKey string) (target.Item, error) {
	item, ok := f.items[ratingKey]
	if !ok {
		return target.Item{}, fault.New(fault.KindNotFound, "item %s not found", ratingKey)
	}
	return item, nil
}

// resolverFor maps file paths to rating keys; unmapped paths are NotFound
func resolverFor(mapping map[string]string) Resolver {
	return func(_ context.Context, path string) (*match.Result, error) {
		key, ok := mapping[path]
		if !ok {
			return nil, fault.New(fault.KindNotFound, "no match for %s", path)
		}
		c := match.Candidate{ID: key}
		return &match.Result{Confidence: match.ConfidenceHigh, Chosen: c, Candidates: []match.Candidate{c}}, nil
	}
}

func testScene(id, title, path, updatedAt string) source.Scene {
	scene := source.Scene{ID: id, Title: title, UpdatedAt: updatedAt}
	if path != "" {
		scene.Files = []source.SceneFile{{Path: path}}
	}
	return scene
}

type engineFixture struct {
	engine     *Engine
	q          *queue.Queue
	timestamps *queue.TimestampStore
	lister     *fakeLister
	reader     *fakeReader
}

func newFixture(t *testing.T, scenes []source.Scene, resolve Resolver, items map[string]target.Item, checkMissing bool) *engineFixture {
	t.Helper()

	q := queue.NewQueue(metasynctest.CreateQueueDB(t))
	timestamps := queue.NewTimestampStore(filepath.Join(t.TempDir(), "sync_timestamps.json"))
	lister := &fakeLister{scenes: scenes}
	reader := &fakeReader{items: items}

	engine := NewEngine(lister, resolve, reader, q, timestamps, checkMissing, zap.NewNop().Sugar())
	return &engineFixture{engine: engine, q: q, timestamps: timestamps, lister: lister, reader: reader}
}

func TestRun_ScopeSinceWindows(t *testing.T) {
	fx := newFixture(t, nil, resolverFor(nil), nil, true)

	_, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.True(t, fx.lister.since.IsZero())

	_, err = fx.engine.Run(context.Background(), Scope24h)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), fx.lister.since, time.Minute)

	_, err = fx.engine.Run(context.Background(), Scope7Days)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), fx.lister.since, time.Minute)
}

func TestRun_StaleSyncDetected(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-02-01T12:00:00Z")
	scene.Details = "synced metadata"

	fx := newFixture(t, []source.Scene{scene}, resolverFor(nil), nil, true)
	// synced before the source update
	require.NoError(t, fx.timestamps.Save(1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GapsFound)
	assert.Equal(t, 1, report.GapsByKind[GapStaleSync])
	assert.Equal(t, 1, report.Enqueued)
}

func TestRun_TimestampGuardStopsRequeueLoop(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")
	scene.Details = "metadata"

	fx := newFixture(t, []source.Scene{scene}, resolverFor(nil), nil, true)
	// synced after the source's last change: target lag, not drift
	require.NoError(t, fx.timestamps.Save(1, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Zero(t, report.GapsFound)
	assert.Zero(t, report.Enqueued)
}

func TestRun_EmptyMetadataDetected(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")
	scene.Details = "rich details"

	resolve := resolverFor(map[string]string{"/media/Show.mkv": "101"})
	items := map[string]target.Item{"101": {}} // matched but bare

	fx := newFixture(t, []source.Scene{scene}, resolve, items, true)

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GapsByKind[GapEmptyMetadata])
	assert.Equal(t, 1, report.Enqueued)
}

func TestRun_PopulatedTargetIsNoGap(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")
	scene.Details = "rich details"

	resolve := resolverFor(map[string]string{"/media/Show.mkv": "101"})
	items := map[string]target.Item{"101": {Studio: "Studio X"}}

	fx := newFixture(t, []source.Scene{scene}, resolve, items, true)

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Zero(t, report.GapsFound)
}

func TestRun_MissingFromTarget(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")
	scene.Details = "metadata"

	fx := newFixture(t, []source.Scene{scene}, resolverFor(nil), nil, true)

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GapsByKind[GapMissingFromTarget])

	// with the detector disabled the same scene is silent
	fx = newFixture(t, []source.Scene{scene}, resolverFor(nil), nil, false)
	report, err = fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Zero(t, report.GapsFound)
}

func TestRun_ActiveJobsDeduped(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")
	scene.Details = "metadata"

	fx := newFixture(t, []source.Scene{scene}, resolverFor(nil), nil, true)
	_, err := fx.q.Enqueue(queue.NewSyncJob(1, map[string]interface{}{"title": "Show"}))
	require.NoError(t, err)

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GapsFound, "the gap is still reported")
	assert.Zero(t, report.Enqueued, "but not enqueued twice")
	assert.Equal(t, 1, report.Skipped)
}

func TestRun_DuplicateScenesInBatchEnqueuedOnce(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")
	scene.Details = "metadata"

	fx := newFixture(t, []source.Scene{scene, scene}, resolverFor(nil), nil, true)

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 1, report.Skipped)
}

func TestRun_MeaninglessMetadataNotEnqueued(t *testing.T) {
	// title only: matching would succeed but there is nothing to sync
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")

	fx := newFixture(t, []source.Scene{scene}, resolverFor(nil), nil, true)

	report, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Zero(t, report.Enqueued)
}

func TestRun_IdempotentSecondPass(t *testing.T) {
	scene := testScene("1", "Show", "/media/Show.mkv", "2026-01-01T00:00:00Z")
	scene.Details = "metadata"

	fx := newFixture(t, []source.Scene{scene}, resolverFor(nil), nil, true)

	first, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Enqueued)

	// the job is now active, so an immediate second run enqueues nothing
	second, err := fx.engine.Run(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Zero(t, second.Enqueued)

	stats, err := fx.q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}
