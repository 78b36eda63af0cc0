// Package writer applies sanitised scene metadata to a matched target item.
// The clearing rule is load-bearing: a key absent from the job data means
// the source said nothing, so the target value is preserved; a key present
// with a null or empty value means the source cleared it, so the target
// value is actively cleared.
package writer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/match"
	"github.com/driftline/metasync/target"
)

// Toggles are the per-field sync switches. Master off disables all writes.
type Toggles struct {
	Master     bool
	Studio     bool
	Summary    bool
	Tagline    bool
	Date       bool
	Performers bool
	Tags       bool
	Poster     bool
	Background bool
	Collection bool
}

// AllToggles returns every switch on.
func AllToggles() Toggles {
	return Toggles{
		Master: true, Studio: true, Summary: true, Tagline: true, Date: true,
		Performers: true, Tags: true, Poster: true, Background: true, Collection: true,
	}
}

// Policy holds the write-behaviour knobs.
type Policy struct {
	PreserveTargetEdits bool
	StrictMatching      bool
	Toggles             Toggles
}

// Editor is the slice of the target client the writer uses.
type Editor interface {
	GetItem(ctx context.Context, ratingKey string) (target.Item, error)
	EditFields(ctx context.Context, ratingKey string, fields map[string]string) error
	EditListField(ctx context.Context, ratingKey, field string, values []string) error
	UploadPoster(ctx context.Context, ratingKey string, data []byte) error
	UploadArt(ctx context.Context, ratingKey string, data []byte) error
}

// ImageFetcher downloads source-hosted images for upload.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// Result reports what one write accomplished. Warnings are non-critical
// field failures; ValidationIssues are silent server-side rewrites observed
// by the post-write read-back.
type Result struct {
	Confidence       match.Confidence
	FieldsWritten    int
	Skipped          bool
	Warnings         []string
	ValidationIssues []string
}

// Writer orchestrates edits for one target item at a time.
type Writer struct {
	editor Editor
	images ImageFetcher
	policy Policy
	logger *zap.SugaredLogger
}

// New creates a writer. images may be nil when poster and background sync
// are off.
func New(editor Editor, images ImageFetcher, policy Policy, logger *zap.SugaredLogger) *Writer {
	return &Writer{editor: editor, images: images, policy: policy, logger: logger}
}

// scalar job-key to target-field mapping; title is critical, the rest honor
// their toggles.
type scalarField struct {
	jobKey      string
	targetField string
	current     func(target.Item) string
	enabled     func(Toggles) bool
}

var scalarFields = []scalarField{
	{"title", "title", func(i target.Item) string { return i.Title }, func(Toggles) bool { return true }},
	{"studio", "studio", func(i target.Item) string { return i.Studio }, func(t Toggles) bool { return t.Studio }},
	{"details", "summary", func(i target.Item) string { return i.Summary }, func(t Toggles) bool { return t.Summary }},
	{"tagline", "tagline", func(i target.Item) string { return i.Tagline }, func(t Toggles) bool { return t.Tagline }},
	{"date", "originallyAvailableAt", func(i target.Item) string { return i.Date }, func(t Toggles) bool { return t.Date }},
}

// Apply writes the job data to the matched item. The match result's
// confidence interacts with strict matching: a Low-confidence match is a
// permanent refusal when strict, a logged first-candidate pick otherwise.
func (w *Writer) Apply(ctx context.Context, m *match.Result, data map[string]interface{}) (*Result, error) {
	result := &Result{Confidence: m.Confidence}

	if !w.policy.Toggles.Master {
		result.Skipped = true
		return result, nil
	}

	if m.Confidence == match.ConfidenceLow {
		if w.policy.StrictMatching {
			return nil, fault.New(fault.KindPermanent,
				"ambiguous match: %d candidates for the same file", len(m.Candidates))
		}
		w.logger.Warnw("Ambiguous match, using first candidate",
			"candidates", len(m.Candidates), "chosen", m.Chosen.Title)
	}

	ratingKey := m.Chosen.ID
	item, err := w.editor.GetItem(ctx, ratingKey)
	if err != nil {
		return nil, err
	}

	edits := w.scalarEdits(item, data, result)
	if len(edits) > 0 {
		if err := w.editor.EditFields(ctx, ratingKey, edits); err != nil {
			return nil, err
		}
		result.FieldsWritten += len(edits)
	}

	w.applyLists(ctx, ratingKey, item, data, result)
	w.applyImages(ctx, ratingKey, data, result)

	w.verify(ctx, ratingKey, edits, result)
	return result, nil
}

// scalarEdits builds the batch edit map, applying the absent/null/preserve
// rules per field.
func (w *Writer) scalarEdits(item target.Item, data map[string]interface{}, result *Result) map[string]string {
	edits := make(map[string]string)
	for _, f := range scalarFields {
		if !f.enabled(w.policy.Toggles) {
			continue
		}

		v, present := data[f.jobKey]
		if !present {
			continue
		}

		value := ""
		if v != nil {
			value, _ = v.(string)
		}

		current := f.current(item)
		if w.policy.PreserveTargetEdits && current != "" {
			w.logger.Debugw("Preserving target edit", "field", f.targetField, "kept", current)
			continue
		}
		if value == current {
			continue
		}
		edits[f.targetField] = value
	}
	return edits
}

// list job-key to target-field mapping.
type listField struct {
	jobKey      string
	targetField string
	current     func(target.Item) []string
	enabled     func(Toggles) bool
}

var listFields = []listField{
	{"performers", "actor", func(i target.Item) []string { return i.Actors }, func(t Toggles) bool { return t.Performers }},
	{"tags", "genre", func(i target.Item) []string { return i.Genres }, func(t Toggles) bool { return t.Tags }},
}

// applyLists writes the list fields and the studio-derived collection.
// Failures here are warnings, never job failures.
func (w *Writer) applyLists(ctx context.Context, ratingKey string, item target.Item, data map[string]interface{}, result *Result) {
	for _, f := range listFields {
		if !f.enabled(w.policy.Toggles) {
			continue
		}

		v, present := data[f.jobKey]
		if !present {
			continue
		}

		values := stringList(v)
		if w.policy.PreserveTargetEdits && len(f.current(item)) > 0 {
			continue
		}

		if err := w.editor.EditListField(ctx, ratingKey, f.targetField, values); err != nil {
			w.warn(result, "%s update failed: %v", f.targetField, err)
			continue
		}
		result.FieldsWritten++
	}

	if w.policy.Toggles.Collection {
		if studio, present := data["studio"]; present {
			var values []string
			if name, _ := studio.(string); name != "" {
				values = []string{name}
			}
			if w.policy.PreserveTargetEdits && len(item.Collections) > 0 {
				return
			}
			if err := w.editor.EditListField(ctx, ratingKey, "collection", values); err != nil {
				w.warn(result, "collection update failed: %v", err)
			} else {
				result.FieldsWritten++
			}
		}
	}
}

// applyImages uploads poster and background art from source URLs. Failures
// are warnings.
func (w *Writer) applyImages(ctx context.Context, ratingKey string, data map[string]interface{}, result *Result) {
	if w.images == nil {
		return
	}

	if w.policy.Toggles.Poster {
		if url, _ := data["poster_url"].(string); url != "" {
			if err := w.uploadImage(ctx, ratingKey, url, w.editor.UploadPoster); err != nil {
				w.warn(result, "poster upload failed: %v", err)
			} else {
				result.FieldsWritten++
			}
		}
	}
	if w.policy.Toggles.Background {
		if url, _ := data["background_url"].(string); url != "" {
			if err := w.uploadImage(ctx, ratingKey, url, w.editor.UploadArt); err != nil {
				w.warn(result, "background upload failed: %v", err)
			} else {
				result.FieldsWritten++
			}
		}
	}
}

func (w *Writer) uploadImage(ctx context.Context, ratingKey, url string, upload func(context.Context, string, []byte) error) error {
	data, err := w.images.FetchImage(ctx, url)
	if err != nil {
		return err
	}
	return upload(ctx, ratingKey, data)
}

// verify re-reads the item and compares what was sent with what the server
// kept. Mismatches are debug-level; some servers normalise or truncate
// silently and that should be visible without failing the job.
func (w *Writer) verify(ctx context.Context, ratingKey string, sent map[string]string, result *Result) {
	if len(sent) == 0 {
		return
	}

	item, err := w.editor.GetItem(ctx, ratingKey)
	if err != nil {
		w.logger.Debugw("Post-write verification read failed", "rating_key", ratingKey, "error", err)
		return
	}

	observed := map[string]string{
		"title":                 item.Title,
		"studio":                item.Studio,
		"summary":               item.Summary,
		"tagline":               item.Tagline,
		"originallyAvailableAt": item.Date,
	}
	for field, want := range sent {
		if got, ok := observed[field]; ok && got != want {
			issue := fmt.Sprintf("%s: sent %q, server kept %q", field, want, got)
			result.ValidationIssues = append(result.ValidationIssues, issue)
			w.logger.Debugw("Server rewrote field value", "rating_key", ratingKey, "issue", issue)
		}
	}
}

func (w *Writer) warn(result *Result, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	result.Warnings = append(result.Warnings, msg)
	w.logger.Warnw("Non-critical field failure", "detail", msg)
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
