package mfc

import (
	"os"
	"path/filepath"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// LintIssue describes one problem `rangeproxyctl mfc lint` found with an
// entry whose cache field names a file.
type LintIssue struct {
	URL        string
	Path       string
	Suggestion string // closest existing sibling filename, if any
}

// Lint re-validates every ServeFile entry's path and, for one that doesn't
// exist, looks for a plausibly-misspelled sibling in the same directory.
// It never mutates the loaded Config; it's purely a diagnostic pass for
// the admin CLI.
func Lint(cfg *Config) []LintIssue {
	var issues []LintIssue
	for _, e := range cfg.Entries() {
		decision, path := decisionFor(e)
		if decision != ServeFile {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		issues = append(issues, LintIssue{
			URL:        e.URL,
			Path:       path,
			Suggestion: suggestSibling(path),
		})
	}
	return issues
}

func decisionFor(e Entry) (Decision, string) {
	switch e.Cache {
	case "true":
		return CacheEnabled, ""
	case "false":
		return CacheDisabled, ""
	default:
		return ServeFile, e.Cache
	}
}

// suggestSibling looks for the closest filename (by fuzzy match) among the
// files in path's directory, to catch a typo'd pre-staged file path.
func suggestSibling(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		candidates = append(candidates, e.Name())
	}
	matches := fuzzy.RankFindFold(base, candidates)
	if len(matches) == 0 {
		return ""
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Distance < best.Distance {
			best = m
		}
	}
	return filepath.Join(dir, best.Target)
}
