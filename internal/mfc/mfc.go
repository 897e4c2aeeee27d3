// Package mfc loads the manual file cache config: an operator-maintained
// list mapping exact request URLs to either a cache policy override or a
// local file to serve bytes from directly.
package mfc

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"rangeproxy/internal/errkind"
)

// Entry is one mfc.yaml list item.
type Entry struct {
	URL   string `yaml:"url"`
	Cache string `yaml:"cache"` // "true" | "false" | path to an existing regular file
}

// Config is the loaded, validated mfc.yaml content, indexed for O(1) exact
// URL lookup. It is read-only after Load returns.
type Config struct {
	entries map[string]Entry
}

// Load reads and validates path. An empty path or a missing file is not an
// error — it yields an empty Config, since mfc.yaml is optional. A file
// that exists but fails validation is fatal, matching spec.md's startup
// error-kind taxonomy: a typo'd manual cache entry must not silently
// degrade into always-Pass behavior for that URL.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{entries: map[string]Entry{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{entries: map[string]Entry{}}, nil
		}
		return nil, errkind.Wrap(errkind.Fatal, fmt.Errorf("reading mfc config %s: %w", path, err))
	}

	var raw []Entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, fmt.Errorf("parsing mfc config %s: %w", path, err))
	}

	cfg := &Config{entries: make(map[string]Entry, len(raw))}
	for i, e := range raw {
		if e.URL == "" {
			return nil, errkind.Wrap(errkind.Fatal, fmt.Errorf("mfc config %s: entry %d missing url", path, i))
		}
		if err := validateCachePolicy(e.Cache); err != nil {
			return nil, errkind.Wrap(errkind.Fatal, fmt.Errorf("mfc config %s: entry for %s: %w", path, e.URL, err))
		}
		cfg.entries[e.URL] = e
	}
	return cfg, nil
}

func validateCachePolicy(cache string) error {
	switch cache {
	case "true", "false":
		return nil
	case "":
		return fmt.Errorf("cache field must be \"true\", \"false\", or a file path, got empty string")
	default:
		info, err := os.Stat(cache)
		if err != nil {
			return fmt.Errorf("cache path %q: %w", cache, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("cache path %q is not a regular file", cache)
		}
		return nil
	}
}

// Decision is what an mfc entry says to do with a matching request.
type Decision int

const (
	// NoEntry means the URL has no mfc.yaml entry at all.
	NoEntry Decision = iota
	// CacheDisabled means this URL must never be cache-admitted (on_header
	// skips straight to Pass).
	CacheDisabled
	// CacheEnabled is an explicit "true" entry — no behavior change beyond
	// documenting operator intent, since caching is opt-in/opt-out at the
	// URL level only through this explicit "false" or a local file.
	CacheEnabled
	// ServeFile means bytes should come from a local pre-staged file
	// instead of the origin.
	ServeFile
)

// Lookup reports what, if anything, mfc.yaml says about url.
func (c *Config) Lookup(url string) (Decision, string) {
	if c == nil {
		return NoEntry, ""
	}
	e, ok := c.entries[url]
	if !ok {
		return NoEntry, ""
	}
	switch e.Cache {
	case "true":
		return CacheEnabled, ""
	case "false":
		return CacheDisabled, ""
	default:
		return ServeFile, e.Cache
	}
}

// Entries returns a stable-order snapshot of all loaded entries, used by
// the lint subcommand.
func (c *Config) Entries() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
