package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/match"
	"github.com/driftline/metasync/target"
)

// fakeEditor records edits and serves a canned item
type fakeEditor struct {
	item         target.Item
	scalarEdits  []map[string]string
	listEdits    map[string][]string
	posters      [][]byte
	arts         [][]byte
	getErr       error
	editErr      error
	listErr      error
	getItemCalls int
}

func newFakeEditor(item target.Item) *fakeEditor {
	return &fakeEditor{item: item, listEdits: make(map[string][]string)}
}

func (f *fakeEditor) GetItem(context.Context, string) (target.Item, error) {
	f.getItemCalls++
	if f.getErr != nil {
		return target.Item{}, f.getErr
	}
	return f.item, nil
}

func (f *fakeEditor) EditFields(_ context.Context, _ string, fields map[string]string) error {
	if f.editErr != nil {
		return f.editErr
	}
	f.scalarEdits = append(f.scalarEdits, fields)
	// mirror accepted edits into the served item so verify sees them
	for field, value := range fields {
		switch field {
		case "title":
			f.item.Title = value
		case "studio":
			f.item.Studio = value
		case "summary":
			f.item.Summary = value
		case "tagline":
			f.item.Tagline = value
		case "originallyAvailableAt":
			f.item.Date = value
		}
	}
	return nil
}

func (f *fakeEditor) EditListField(_ context.Context, _ string, field string, values []string) error {
	if f.listErr != nil {
		return f.listErr
	}
	f.listEdits[field] = values
	return nil
}

func (f *fakeEditor) UploadPoster(_ context.Context, _ string, data []byte) error {
	f.posters = append(f.posters, data)
	return nil
}

func (f *fakeEditor) UploadArt(_ context.Context, _ string, data []byte) error {
	f.arts = append(f.arts, data)
	return nil
}

type fakeFetcher struct {
	blobs map[string][]byte
	err   error
}

func (f *fakeFetcher) FetchImage(_ context.Context, url string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.blobs[url], nil
}

func highMatch() *match.Result {
	c := match.Candidate{ID: "101", Title: "Some Show"}
	return &match.Result{Confidence: match.ConfidenceHigh, Chosen: c, Candidates: []match.Candidate{c}}
}

func lowMatch() *match.Result {
	a := match.Candidate{ID: "101", Title: "Some Show"}
	b := match.Candidate{ID: "102", Title: "Some Show"}
	return &match.Result{Confidence: match.ConfidenceLow, Chosen: a, Candidates: []match.Candidate{a, b}}
}

func testWriter(editor Editor, images ImageFetcher, policy Policy) *Writer {
	return New(editor, images, policy, zap.NewNop().Sugar())
}

func TestApply_MasterOffSkips(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	policy := Policy{Toggles: Toggles{Master: false}}

	result, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(), map[string]interface{}{"title": "t"})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, editor.getItemCalls, "no target traffic when disabled")
}

func TestApply_WritesChangedScalars(t *testing.T) {
	editor := newFakeEditor(target.Item{Title: "Old Title", Studio: "Same Studio"})
	policy := Policy{Toggles: AllToggles()}

	data := map[string]interface{}{
		"title":  "New Title",
		"studio": "Same Studio", // unchanged, skipped
		"date":   "2026-01-15",
	}
	result, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(), data)
	require.NoError(t, err)

	require.Len(t, editor.scalarEdits, 1)
	assert.Equal(t, map[string]string{
		"title":                 "New Title",
		"originallyAvailableAt": "2026-01-15",
	}, editor.scalarEdits[0])
	// two scalar edits plus the studio-derived collection
	assert.Equal(t, 3, result.FieldsWritten)
	assert.Empty(t, result.ValidationIssues)
}

func TestApply_AbsentPreservesNullClears(t *testing.T) {
	editor := newFakeEditor(target.Item{Title: "Kept", Summary: "Old summary", Tagline: "Old tagline"})
	policy := Policy{Toggles: AllToggles()}

	// no "studio" key at all, so the target's studio stays untouched
	data := map[string]interface{}{
		"title":   "Kept", // equal, no edit
		"details": nil,    // present null clears
		"tagline": "",     // present empty clears
	}
	_, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(), data)
	require.NoError(t, err)

	require.Len(t, editor.scalarEdits, 1)
	assert.Equal(t, map[string]string{"summary": "", "tagline": ""}, editor.scalarEdits[0])
}

func TestApply_PreserveTargetEdits(t *testing.T) {
	editor := newFakeEditor(target.Item{
		Studio: "Curated Studio",
		Actors: []string{"Curated Actor"},
	})
	policy := Policy{PreserveTargetEdits: true, Toggles: AllToggles()}

	data := map[string]interface{}{
		"title":      "Fresh Title", // target title empty, write allowed
		"studio":     "Source Studio",
		"performers": []string{"Source Actor"},
	}
	_, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(), data)
	require.NoError(t, err)

	require.Len(t, editor.scalarEdits, 1)
	assert.Equal(t, map[string]string{"title": "Fresh Title"}, editor.scalarEdits[0])
	assert.NotContains(t, editor.listEdits, "actor")
}

func TestApply_StrictMatchingRefusesLowConfidence(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	policy := Policy{StrictMatching: true, Toggles: AllToggles()}

	_, err := testWriter(editor, nil, policy).Apply(context.Background(), lowMatch(), map[string]interface{}{"title": "t"})
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
	assert.Zero(t, editor.getItemCalls)
}

func TestApply_LenientLowConfidenceUsesFirstCandidate(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	policy := Policy{StrictMatching: false, Toggles: AllToggles()}

	result, err := testWriter(editor, nil, policy).Apply(context.Background(), lowMatch(), map[string]interface{}{"title": "t"})
	require.NoError(t, err)
	assert.Equal(t, match.ConfidenceLow, result.Confidence)
	assert.Equal(t, 1, result.FieldsWritten)
}

func TestApply_ListsAndCollection(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	policy := Policy{Toggles: AllToggles()}

	data := map[string]interface{}{
		"title":      "t",
		"performers": []interface{}{"Alex", "Sam"},
		"tags":       []string{"drama"},
		"studio":     "Studio X",
	}
	result, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(), data)
	require.NoError(t, err)

	assert.Equal(t, []string{"Alex", "Sam"}, editor.listEdits["actor"])
	assert.Equal(t, []string{"drama"}, editor.listEdits["genre"])
	assert.Equal(t, []string{"Studio X"}, editor.listEdits["collection"])
	assert.Empty(t, result.Warnings)
}

func TestApply_ListFailureIsWarningNotError(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	editor.listErr = errors.New("tag write rejected")
	policy := Policy{Toggles: AllToggles()}

	data := map[string]interface{}{
		"title": "New Title",
		"tags":  []string{"drama"},
	}
	result, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(), data)
	require.NoError(t, err, "list failures must not fail the job")
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "genre")
}

func TestApply_ScalarFailureFailsJob(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	editor.editErr = fault.New(fault.KindTransient, "edit timed out")
	policy := Policy{Toggles: AllToggles()}

	_, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(), map[string]interface{}{"title": "t"})
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
}

func TestApply_Images(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	fetcher := &fakeFetcher{blobs: map[string][]byte{
		"http://source/poster.jpg": []byte("poster-bytes"),
	}}
	policy := Policy{Toggles: AllToggles()}

	data := map[string]interface{}{
		"title":      "t",
		"poster_url": "http://source/poster.jpg",
	}
	result, err := testWriter(editor, fetcher, policy).Apply(context.Background(), highMatch(), data)
	require.NoError(t, err)

	require.Len(t, editor.posters, 1)
	assert.Equal(t, []byte("poster-bytes"), editor.posters[0])
	assert.Empty(t, editor.arts)
	assert.Empty(t, result.Warnings)
}

func TestApply_ImageFetchFailureIsWarning(t *testing.T) {
	editor := newFakeEditor(target.Item{})
	fetcher := &fakeFetcher{err: errors.New("image gone")}
	policy := Policy{Toggles: AllToggles()}

	data := map[string]interface{}{
		"title":      "t",
		"poster_url": "http://source/poster.jpg",
	}
	result, err := testWriter(editor, fetcher, policy).Apply(context.Background(), highMatch(), data)
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "poster")
}

func TestApply_VerifyReportsServerRewrites(t *testing.T) {
	policy := Policy{Toggles: AllToggles()}

	// a faithful server produces no validation issues
	editor := newFakeEditor(target.Item{})
	result, err := testWriter(editor, nil, policy).Apply(context.Background(), highMatch(),
		map[string]interface{}{"title": "New Title"})
	require.NoError(t, err)
	assert.Empty(t, result.ValidationIssues)

	// a server that keeps its own value shows up in the read-back diff
	rewriting := &rewritingEditor{newFakeEditor(target.Item{Title: "Server Kept This"})}
	result, err = testWriter(rewriting, nil, policy).Apply(context.Background(), highMatch(),
		map[string]interface{}{"title": "What Was Sent"})
	require.NoError(t, err)
	require.Len(t, result.ValidationIssues, 1)
	assert.Contains(t, result.ValidationIssues[0], "title")
}

// rewritingEditor accepts edits but never applies them, like a server that
// normalises values on write.
type rewritingEditor struct {
	*fakeEditor
}

func (r *rewritingEditor) EditFields(_ context.Context, _ string, fields map[string]string) error {
	r.scalarEdits = append(r.scalarEdits, fields)
	return nil
}
