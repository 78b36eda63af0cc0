// Package sanitize normalises scene metadata before it is written to the
// target and validates both job payloads and plugin configuration. The
// string cleaner is idempotent: applying it twice yields the first result.
package sanitize

import (
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/driftline/metasync/fault"
)

// Per-field limits.
const (
	MaxTitleLen   = 255
	MaxStudioLen  = 255
	MaxTaglineLen = 255
	MaxNameLen    = 255 // performer and tag names
	MaxSummaryLen = 10000

	MaxPerformers  = 50
	MaxCollections = 20

	DefaultMaxTags = 100
	MinMaxTags     = 10
	MaxMaxTags     = 500

	// Truncation prefers a word boundary when one exists past this fraction
	// of the limit.
	wordBoundaryFraction = 0.8
)

// typographic punctuation translated to ASCII
var punctuation = map[rune]string{
	'“': `"`, // left double quote
	'”': `"`, // right double quote
	'‘': `'`, // left single quote
	'’': `'`, // right single quote
	'–': "-", // en dash
	'—': "-", // em dash
	'…': "...",
}

// String cleans one string field: NFC normalisation, control and format
// character removal, ASCII punctuation, collapsed whitespace, and a
// word-boundary-preferring truncation to limit runes. limit <= 0 disables
// truncation.
func String(s string, limit int) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		if repl, ok := punctuation[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}

	s = strings.Join(strings.Fields(b.String()), " ")

	if limit > 0 {
		s = truncate(s, limit)
	}
	return s
}

// truncate cuts s to limit runes, backing up to the last space when one
// falls past wordBoundaryFraction of the limit.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	cut := runes[:limit]
	// the boundary comparison is in runes, same unit as limit
	lastSpace := -1
	for i, r := range cut {
		if r == ' ' {
			lastSpace = i
		}
	}
	if lastSpace >= int(float64(limit)*wordBoundaryFraction) {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(string(cut))
}

// List cleans each element with String(itemLimit), drops empties, and caps
// the list at listLimit. Returns the cleaned list (nil when empty) and
// whether the cap truncated it.
func List(items []string, itemLimit, listLimit int) (cleaned []string, truncated bool) {
	for _, item := range items {
		c := String(item, itemLimit)
		if c == "" {
			continue
		}
		cleaned = append(cleaned, c)
	}
	if listLimit > 0 && len(cleaned) > listLimit {
		cleaned = cleaned[:listLimit]
		truncated = true
	}
	if len(cleaned) == 0 {
		return nil, truncated
	}
	return cleaned, truncated
}

// Sanitizer applies the field rules to a whole scene payload.
type Sanitizer struct {
	maxTags int
	logger  *zap.SugaredLogger
}

// New creates a sanitizer. maxTags outside [MinMaxTags, MaxMaxTags] is
// clamped to the default.
func New(maxTags int, logger *zap.SugaredLogger) *Sanitizer {
	if maxTags < MinMaxTags || maxTags > MaxMaxTags {
		maxTags = DefaultMaxTags
	}
	return &Sanitizer{maxTags: maxTags, logger: logger}
}

// SceneData validates and sanitises a job payload in place-for-copy: the
// returned map is a cleaned copy, the input is untouched. Title must survive
// sanitisation non-empty and sceneID must be positive; violations are
// permanent errors. Keys absent from the input stay absent in the output,
// and explicit nulls are preserved (the writer clears on null).
func (s *Sanitizer) SceneData(sceneID uint64, data map[string]interface{}) (map[string]interface{}, error) {
	if sceneID == 0 {
		return nil, fault.New(fault.KindPermanent, "invalid scene id 0")
	}

	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}

	title := String(stringValue(data["title"]), MaxTitleLen)
	if title == "" {
		return nil, fault.New(fault.KindPermanent, "scene %d has no usable title after sanitisation", sceneID)
	}
	out["title"] = title

	cleanScalar(out, "studio", MaxStudioLen)
	cleanScalar(out, "details", MaxSummaryLen)
	cleanScalar(out, "tagline", MaxTaglineLen)
	cleanScalar(out, "date", 0)

	if rating, ok := numberValue(data["rating_0_100"]); ok {
		if rating < 0 || rating > 100 {
			return nil, fault.New(fault.KindPermanent, "scene %d rating %v out of range 0-100", sceneID, rating)
		}
	}

	s.cleanList(out, sceneID, "performers", MaxNameLen, MaxPerformers)
	s.cleanList(out, sceneID, "tags", MaxNameLen, s.maxTags)
	s.cleanList(out, sceneID, "collections", MaxNameLen, MaxCollections)

	return out, nil
}

func cleanScalar(data map[string]interface{}, key string, limit int) {
	v, present := data[key]
	if !present || v == nil {
		return
	}
	data[key] = String(stringValue(v), limit)
}

func (s *Sanitizer) cleanList(data map[string]interface{}, sceneID uint64, key string, itemLimit, listLimit int) {
	v, present := data[key]
	if !present || v == nil {
		return
	}

	cleaned, truncated := List(stringSlice(v), itemLimit, listLimit)
	if truncated && s.logger != nil {
		s.logger.Warnw("List field truncated", "scene_id", sceneID, "field", key, "limit", listLimit)
	}
	if cleaned == nil {
		data[key] = nil
		return
	}
	data[key] = cleaned
}

// HasMeaningfulMetadata reports whether the payload carries at least one of
// studio, performers, tags, details, or date. Rating alone does not count.
func HasMeaningfulMetadata(data map[string]interface{}) bool {
	if stringValue(data["studio"]) != "" {
		return true
	}
	if stringValue(data["details"]) != "" {
		return true
	}
	if stringValue(data["date"]) != "" {
		return true
	}
	if len(stringSlice(data["performers"])) > 0 {
		return true
	}
	if len(stringSlice(data["tags"])) > 0 {
		return true
	}
	return false
}

// stringValue coerces an interface to string; non-strings yield "".
func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// numberValue coerces JSON numbers (float64 after unmarshal) and ints.
func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// stringSlice coerces []string or []interface{} of strings.
func stringSlice(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
