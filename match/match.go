// Package match resolves a source filesystem path to a target library item.
// The match is title-search first, then filename verification against each
// candidate's media files; confidence reflects how many candidates survive.
package match

import (
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/driftline/metasync/fault"
)

// Confidence of a resolved match.
type Confidence string

const (
	// ConfidenceHigh means exactly one candidate's files matched.
	ConfidenceHigh Confidence = "high"
	// ConfidenceLow means several candidates matched; policy decides.
	ConfidenceLow Confidence = "low"
)

// Candidate is one target item considered by the matcher.
type Candidate struct {
	ID    string
	Title string
	Files []string
}

// Searcher is the slice of the target API the matcher needs.
type Searcher interface {
	SearchTitle(ctx context.Context, title string) ([]Candidate, error)
}

// Result of a successful match. Zero verified candidates is not a Result,
// it is a NotFound error.
type Result struct {
	Confidence Confidence
	Chosen     Candidate
	Candidates []Candidate
}

var (
	// trailing release-quality suffix, e.g. "Show-1080p" or "Show WEB-DL"
	qualitySuffix = regexp.MustCompile(`(?i)[-. _](WEB-?DL|HDTV|BluRay|BDRip|DVDRip|720p|1080p|2160p|4K)$`)
	// trailing -YYYY-MM-DD
	dateSuffix = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)
)

// SearchTitle extracts the title the matcher queries with: the filename
// without extension, with any trailing quality suffix removed.
func SearchTitle(filePath string) string {
	name := path.Base(filepathToSlash(filePath))
	if ext := path.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	for {
		stripped := qualitySuffix.ReplaceAllString(name, "")
		if stripped == name {
			break
		}
		name = stripped
	}
	return strings.TrimSpace(name)
}

// BaseTitle further strips a trailing date from a search title, for the
// fallback query.
func BaseTitle(title string) string {
	return strings.TrimSpace(dateSuffix.ReplaceAllString(title, ""))
}

// Find matches the source path against the library. Outcomes: one verified
// candidate is High confidence, several are Low with the full list, none is
// a NotFound error (the item may appear after a target library scan).
func Find(ctx context.Context, lib Searcher, filePath string) (*Result, error) {
	filename := path.Base(filepathToSlash(filePath))
	if filename == "" || filename == "." || filename == "/" {
		return nil, fault.New(fault.KindPermanent, "path %q has no filename", filePath)
	}

	title := SearchTitle(filePath)
	verified, err := searchAndVerify(ctx, lib, title, filename)
	if err != nil {
		return nil, err
	}

	if len(verified) == 0 {
		if base := BaseTitle(title); base != "" && base != title {
			verified, err = searchAndVerify(ctx, lib, base, filename)
			if err != nil {
				return nil, err
			}
		}
	}

	switch len(verified) {
	case 0:
		return nil, fault.New(fault.KindNotFound, "no target item matches %q", filename)
	case 1:
		return &Result{Confidence: ConfidenceHigh, Chosen: verified[0], Candidates: verified}, nil
	default:
		return &Result{Confidence: ConfidenceLow, Chosen: verified[0], Candidates: verified}, nil
	}
}

func searchAndVerify(ctx context.Context, lib Searcher, title, filename string) ([]Candidate, error) {
	if title == "" {
		return nil, nil
	}

	candidates, err := lib.SearchTitle(ctx, title)
	if err != nil {
		return nil, err
	}

	var verified []Candidate
	for _, c := range candidates {
		if candidateHasFile(c, filename) {
			verified = append(verified, c)
		}
	}
	return verified, nil
}

// candidateHasFile reports whether any of the candidate's media files ends
// with the query filename, case-insensitively and on a path boundary.
func candidateHasFile(c Candidate, filename string) bool {
	want := strings.ToLower(filename)
	for _, f := range c.Files {
		got := strings.ToLower(path.Base(filepathToSlash(f)))
		if got == want {
			return true
		}
	}
	return false
}

// filepathToSlash normalises Windows separators so path.Base works on
// whatever the source reports.
func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
