package hostproto

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/match"
	"github.com/driftline/metasync/privacy"
	"github.com/driftline/metasync/queue"
	"github.com/driftline/metasync/sanitize"
	"github.com/driftline/metasync/settings"
	"github.com/driftline/metasync/source"
	"github.com/driftline/metasync/stats"
	"github.com/driftline/metasync/target"
	"github.com/driftline/metasync/writer"
)

// sceneProcessor performs one sync job end to end: path check, library
// resolution, match, sanitise, write. It satisfies worker.Processor, and
// its resolve method doubles as the reconciliation engine's matcher.
type sceneProcessor struct {
	client    *target.Client
	sanitizer *sanitize.Sanitizer
	writer    *writer.Writer
	libNames  []string
	autoScan  bool
	obfuscate *privacy.Obfuscator
	logger    *zap.SugaredLogger

	mu            sync.Mutex
	libraries     []*target.Library // resolved lazily; target may be down at init
	scanTriggered bool              // at most one triggered scan per invocation
}

func newSceneProcessor(client *target.Client, src *source.Client, cfg *settings.Config, obfuscate *privacy.Obfuscator, log *zap.SugaredLogger) *sceneProcessor {
	return &sceneProcessor{
		client:    client,
		sanitizer: sanitizerFor(cfg, log),
		writer:    writer.New(client, src, WriterPolicy(cfg), log),
		libNames:  cfg.Libraries,
		autoScan:  cfg.AutoScanTrigger,
		obfuscate: obfuscate,
		logger:    log,
	}
}

// Process implements worker.Processor.
func (p *sceneProcessor) Process(ctx context.Context, job *queue.SyncJob) (stats.Confidence, error) {
	path, _ := job.Data["path"].(string)
	if path == "" {
		return "", fault.New(fault.KindPermanent, "scene %d has no file path", job.SceneID)
	}

	data, err := p.sanitizer.SceneData(job.SceneID, job.Data)
	if err != nil {
		return "", err
	}

	result, err := p.resolve(ctx, path)
	if err != nil {
		return "", err
	}

	written, err := p.writer.Apply(ctx, result, data)
	if err != nil {
		return "", err
	}

	for _, warning := range written.Warnings {
		p.logger.Warnw("Partial sync", "scene_id", job.SceneID, "warning", warning)
	}
	p.logger.Debugw("Metadata written",
		"scene_id", job.SceneID,
		"path", p.obfuscate.Path(path),
		"fields_written", written.FieldsWritten,
		"validation_issues", len(written.ValidationIssues))

	if result.Confidence == match.ConfidenceHigh {
		return stats.ConfidenceHigh, nil
	}
	return stats.ConfidenceLow, nil
}

// resolve matches a path across the configured libraries. A NotFound from
// one library falls through to the next; only when every library misses
// does the NotFound propagate.
func (p *sceneProcessor) resolve(ctx context.Context, path string) (*match.Result, error) {
	libraries, err := p.resolveLibraries(ctx)
	if err != nil {
		return nil, err
	}

	for _, lib := range libraries {
		result, err := match.Find(ctx, lib, path)
		if err != nil {
			if fault.KindOf(err) == fault.KindNotFound {
				continue
			}
			return nil, err
		}
		return result, nil
	}

	// a full miss often means the target has not scanned the file yet; the
	// not-found ladder leaves time for the triggered scan to surface it
	p.maybeTriggerScan(ctx, libraries)
	return nil, fault.New(fault.KindNotFound, "no target item matches %s in any library", p.obfuscate.Path(path))
}

func (p *sceneProcessor) maybeTriggerScan(ctx context.Context, libraries []*target.Library) {
	if !p.autoScan {
		return
	}

	p.mu.Lock()
	already := p.scanTriggered
	p.scanTriggered = true
	p.mu.Unlock()
	if already {
		return
	}

	for _, lib := range libraries {
		if err := lib.Refresh(ctx); err != nil {
			p.logger.Warnw("Library scan trigger failed", "library", lib.Title(), "error", err)
			continue
		}
		p.logger.Infow("Triggered library scan", "library", lib.Title())
	}
}

func (p *sceneProcessor) resolveLibraries(ctx context.Context) ([]*target.Library, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.libraries != nil {
		return p.libraries, nil
	}

	libraries, err := target.ResolveLibraries(ctx, p.client, p.libNames)
	if err != nil {
		return nil, err
	}
	if len(libraries) == 0 {
		return nil, fault.New(fault.KindPermanent, "target has no libraries")
	}
	p.libraries = libraries
	return libraries, nil
}
