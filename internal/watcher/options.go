package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// Options configures the spool watcher behavior.
type Options struct {
	// Pattern selects the files that carry events (default "*.json").
	Pattern        string
	IgnorePatterns []string
	SettleDelay    time.Duration
	IgnoreHidden   bool
}

// setDefaults applies default values to unset options.
func (o *Options) setDefaults() {
	if o.Pattern == "" {
		o.Pattern = "*.json"
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 100 * time.Millisecond
	}

	// Nil, not just empty, means no custom config was provided.
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = []string{
			".DS_Store",
			"*.tmp",
			"*.part",
			"*.swp",
		}
		o.IgnoreHidden = true
	}
}

// shouldIgnore checks if a path is hidden, matches an ignore pattern, or
// does not match Pattern.
func (o *Options) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if o.IgnoreHidden && strings.HasPrefix(base, ".") && base != "." && base != ".." {
		return true
	}

	for _, pattern := range o.IgnorePatterns {
		matched, err := filepath.Match(pattern, base)
		if err == nil && matched {
			return true
		}
	}

	matched, err := filepath.Match(o.Pattern, base)
	return err != nil || !matched
}
