package hostproto

import (
	"context"

	"github.com/driftline/metasync/queue"
	"github.com/driftline/metasync/sanitize"
)

// HandleHook is the event fast path: dedup, validate, enqueue, return. The
// worker picks the job up asynchronously.
func (r *Runtime) HandleHook(ctx context.Context, hook *HookContext) (string, error) {
	if hook.ID == 0 {
		r.logger.Debugw("Hook without scene id ignored", "type", hook.Type)
		return "ok", nil
	}

	// An update event with empty input is scan-triggered noise, not a user
	// edit. Identification runs always carry input and always process.
	if hook.Type == HookSceneUpdate && len(hook.Input) == 0 {
		r.logger.Debugw("Scan-triggered update ignored", "scene_id", hook.ID)
		return "ok", nil
	}

	if !hook.IdentificationInput() && hook.Type != HookSceneCreate {
		scanning, err := r.Source.IsScanRunning(ctx)
		if err != nil {
			r.logger.Debugw("Scan check failed, continuing", "error", err)
		} else if scanning {
			// Create events bypass suppression so newly scanned files can
			// still trigger a target-side sync.
			r.logger.Debugw("Scan running, suppressing update event", "scene_id", hook.ID)
			return "ok", nil
		}
	}

	if !r.markPending(hook.ID) {
		r.logger.Debugw("Scene already pending in this process", "scene_id", hook.ID)
		return "ok", nil
	}

	enqueued, err := r.enqueueScene(ctx, hook.ID)
	if err != nil {
		r.unmarkPending(hook.ID)
		return "", err
	}
	if !enqueued {
		r.unmarkPending(hook.ID)
	}
	return "ok", nil
}

// enqueueScene fetches the scene, applies the dedup and quality gates, and
// enqueues a sync job. Returns whether a job was actually created.
func (r *Runtime) enqueueScene(ctx context.Context, sceneID uint64) (bool, error) {
	active, err := r.Queue.ActiveSceneIDs(0)
	if err != nil {
		return false, err
	}
	if _, ok := active[sceneID]; ok {
		r.logger.Debugw("Scene already queued", "scene_id", sceneID)
		return false, nil
	}

	scene, err := r.Source.FindScene(ctx, sceneID)
	if err != nil {
		return false, err
	}

	data := scene.JobData()
	if !sanitize.HasMeaningfulMetadata(data) {
		r.logger.Debugw("Scene has no meaningful metadata, skipping", "scene_id", sceneID)
		return false, nil
	}

	if _, err := r.Queue.Enqueue(queue.NewSyncJob(sceneID, data)); err != nil {
		return false, err
	}

	r.logger.Infow("Scene queued for sync",
		"scene_id", sceneID,
		"path", r.Obfuscator.Path(scene.FilePath()))
	return true, nil
}
